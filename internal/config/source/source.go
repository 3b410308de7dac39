// Package source holds the places miqo reads its configuration from:
// built-in defaults, a YAML file and MIQO_* environment variables.
package source

import (
	"cmp"
	"slices"

	"miqo-core/internal/config/schema"
)

// Source applies one layer of configuration onto a schema.Root
type Source interface {
	Name() string

	// Priority orders the layers; a higher value is applied later and wins
	Priority() int

	LoadInto(cfg *schema.Root) error
}

const (
	PriorityDefaults = 1
	PriorityYAML     = 2
	PriorityEnv      = 4
)

// Ordered returns a copy of sources sorted from lowest to highest priority.
// Sources with equal priority keep their registration order.
func Ordered(sources []Source) []Source {
	out := slices.Clone(sources)
	slices.SortStableFunc(out, func(a, b Source) int {
		return cmp.Compare(a.Priority(), b.Priority())
	})
	return out
}
