package schema

import (
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// Secret wraps a sensitive value (e.g. the redis password) so that it is
// masked when the configuration is logged or dumped
type Secret string

const secretMask = "****"

// String returns a masked representation
func (s Secret) String() string {
	switch {
	case len(s) == 0:
		return ""
	case len(s) <= 4:
		return secretMask
	default:
		return string(s[:2]) + secretMask + string(s[len(s)-2:])
	}
}

// Value returns the actual secret value
func (s Secret) Value() string {
	return string(s)
}

// IsEmpty returns true if the secret is empty
func (s Secret) IsEmpty() bool {
	return len(s) == 0
}

// MarshalJSON masks the value
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON reads the plain value
func (s *Secret) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = Secret(str)
	return nil
}

// MarshalYAML masks the value
func (s Secret) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// UnmarshalYAML reads the plain value
func (s *Secret) UnmarshalYAML(node *yaml.Node) error {
	*s = Secret(node.Value)
	return nil
}
