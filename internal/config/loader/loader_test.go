package loader

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"miqo-core/internal/config/schema"
	"miqo-core/internal/config/source"
	coreerrors "miqo-core/internal/core/errors"
)

type staticSource struct {
	name     string
	priority int
	apply    func(cfg *schema.Root)
}

func (s *staticSource) Name() string  { return s.name }
func (s *staticSource) Priority() int { return s.priority }
func (s *staticSource) LoadInto(cfg *schema.Root) error {
	s.apply(cfg)
	return nil
}

func TestLoader_NoSources(t *testing.T) {
	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeInvalidParam))
}

func TestLoader_PriorityOrder(t *testing.T) {
	l := NewLoader()
	// 注册顺序与优先级相反，高优先级仍然生效
	l.AddSource(&staticSource{name: "env", priority: source.PriorityEnv, apply: func(cfg *schema.Root) {
		cfg.Engine.ClientID = "from-env"
	}})
	l.AddSource(source.NewDefaultSource())

	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Engine.ClientID)
	assert.Equal(t, 10*time.Second, cfg.Connection.ConnectTimeout)
}

func TestLoader_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "miqo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  client_id: from-file
  url: ws://10.0.0.1:7878/bridge
log:
  level: warn
`), 0644))
	t.Setenv("MIQO_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Engine.ClientID)
	assert.Equal(t, "ws://10.0.0.1:7878/bridge", cfg.Engine.URL)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoader_ValidationFailure(t *testing.T) {
	t.Setenv("MIQO_PROFILE_BACKEND", "s3")

	_, err := NewLoaderBuilder().WithConfigFile(filepath.Join(t.TempDir(), "none.yaml")).Build().Load()
	require.Error(t, err)
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeValidationError))
	assert.Contains(t, err.Error(), "profiles.backend")
}

func TestLoader_SkipValidate(t *testing.T) {
	t.Setenv("MIQO_PROFILE_BACKEND", "s3")

	cfg, err := NewLoaderBuilder().
		WithConfigFile(filepath.Join(t.TempDir(), "none.yaml")).
		WithSkipValidate(true).
		Build().
		Load()
	require.NoError(t, err)
	assert.Equal(t, "s3", cfg.Profiles.Backend)
}
