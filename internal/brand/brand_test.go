package brand

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	b := Get()
	assert.Equal(t, "Warden", b.Name)
	assert.Equal(t, "warden", BinaryName)
	assert.Equal(t, "dev", Version)
}

func TestUserAgent(t *testing.T) {
	assert.Equal(t, "Warden/1.2.0", UserAgent("1.2.0"))
	assert.Equal(t, "Warden/dev", UserAgent(""))
}

func TestDirectories(t *testing.T) {
	t.Setenv(ConfigEnvPrefix+"_CONFIG_DIR", "")
	t.Setenv(ConfigEnvPrefix+"_STATE_DIR", "")
	t.Setenv(ConfigEnvPrefix+"_PREFIX", "")

	assert.Equal(t, DefaultConfigDir, GetConfigDir())
	assert.Equal(t, DefaultStateDir, GetStateDir())
	assert.Equal(t, filepath.Join(DefaultConfigDir, "warden.hcl"), DefaultConfigPath())

	t.Setenv(ConfigEnvPrefix+"_PREFIX", "/opt/warden")
	assert.Equal(t, "/opt/warden/config", GetConfigDir())
	assert.Equal(t, "/opt/warden/state", GetStateDir())

	t.Setenv(ConfigEnvPrefix+"_STATE_DIR", "/srv/rules")
	assert.Equal(t, "/srv/rules", GetStateDir())
}
