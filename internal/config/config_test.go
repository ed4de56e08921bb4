package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prepverse/guildsync/internal/config"
)

type testConfig struct {
	HTTP struct {
		Port int32
	}

	Assessment struct {
		BaseURL string
		Token   string
	}
}

func TestLoad(t *testing.T) {
	t.Run("struct values act as defaults", func(t *testing.T) {
		var c testConfig
		c.HTTP.Port = 8080

		require.NoError(t, config.Load("", &c))
		assert.Equal(t, int32(8080), c.HTTP.Port)
	})

	t.Run("environment overrides defaults", func(t *testing.T) {
		t.Setenv("HTTP_PORT", "9090")
		t.Setenv("ASSESSMENT_TOKEN", "env-token")

		var c testConfig
		c.HTTP.Port = 8080

		require.NoError(t, config.Load("", &c))
		assert.Equal(t, int32(9090), c.HTTP.Port)
		assert.Equal(t, "env-token", c.Assessment.Token)
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
http:
  port: 7070
assessment:
  baseurl: http://assessment.local
`), 0o600))

		var c testConfig
		c.HTTP.Port = 8080

		require.NoError(t, config.Load(path, &c))
		assert.Equal(t, int32(7070), c.HTTP.Port)
		assert.Equal(t, "http://assessment.local", c.Assessment.BaseURL)
	})

	t.Run("missing file is an error", func(t *testing.T) {
		var c testConfig
		assert.Error(t, config.Load("/does/not/exist.yaml", &c))
	})
}
