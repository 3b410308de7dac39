package source

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"miqo-core/internal/config/schema"
	coreerrors "miqo-core/internal/core/errors"
)

// YAMLSource loads configuration from YAML files
type YAMLSource struct {
	paths []string
}

// NewYAMLSource creates a new YAMLSource with the specified file paths
func NewYAMLSource(paths ...string) *YAMLSource {
	return &YAMLSource{
		paths: paths,
	}
}

// Name returns the source name
func (s *YAMLSource) Name() string {
	return "yaml"
}

// Priority returns the source priority
func (s *YAMLSource) Priority() int {
	return PriorityYAML
}

// LoadInto loads YAML configuration into the config structure
// Files are loaded in order, later files override earlier ones; missing files are skipped
func (s *YAMLSource) LoadInto(cfg *schema.Root) error {
	for _, path := range s.paths {
		if path == "" {
			continue
		}

		expandedPath, err := expandPath(path)
		if err != nil {
			return coreerrors.Wrapf(err, coreerrors.CodeInvalidParam, "failed to expand path %q", path)
		}

		data, err := os.ReadFile(expandedPath)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return coreerrors.Wrapf(err, coreerrors.CodeStorageError, "failed to read config file %q", expandedPath)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return coreerrors.Wrapf(err, coreerrors.CodeConfigError, "failed to parse YAML file %q", expandedPath)
		}
	}

	return nil
}

// FindConfigFile searches for a configuration file in standard locations
// Returns the explicit path if given, otherwise the first existing candidate or ""
func FindConfigFile(configFile string) string {
	if configFile != "" {
		if expanded, err := expandPath(configFile); err == nil {
			return expanded
		}
		return configFile
	}

	searchPaths := []string{"./miqo.yaml"}
	if homeDir, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(homeDir, "."+AppDirName, "miqo.yaml"))
	}
	if cfgDir, err := os.UserConfigDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(cfgDir, AppDirName, "miqo.yaml"))
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// expandPath expands ~ to user home directory
func expandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	if path[0] == '~' {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[1:])
	}

	return filepath.Clean(path), nil
}
