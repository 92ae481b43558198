package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) (string, bool) { return "", false }

func TestDefaults(t *testing.T) {
	cfg, err := Parse([]string{"/mnt/irods"}, noEnv)
	require.NoError(t, err)
	assert.Equal(t, "/mnt/irods", cfg.MountPoint)
	assert.False(t, cfg.ConnReuse)
	assert.Equal(t, DefaultMaxConn, cfg.MaxConn)
	assert.Equal(t, DefaultMetadataCacheTimeoutSec, cfg.MetadataCacheTimeoutSec)
}

func TestLongOptionsViaDashO(t *testing.T) {
	cfg, err := Parse([]string{"-o", "maxconn=3,connreuse", "/mnt/irods"}, noEnv)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxConn)
	assert.True(t, cfg.ConnReuse)
}

func TestNoConnReuseOverridesConnReuse(t *testing.T) {
	cfg, err := Parse([]string{"-o", "connreuse,noconnreuse", "/mnt/irods"}, noEnv)
	require.NoError(t, err)
	assert.False(t, cfg.ConnReuse)
}

func TestEnvFallback(t *testing.T) {
	env := func(k string) (string, bool) {
		if k == "IRODSFS_MAXCONN" {
			return "7", true
		}
		return "", false
	}
	cfg, err := Parse([]string{"/mnt/irods"}, env)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxConn)
}

func TestFlagTakesPrecedenceOverEnv(t *testing.T) {
	env := func(k string) (string, bool) {
		if k == "IRODSFS_MAXCONN" {
			return "7", true
		}
		return "", false
	}
	cfg, err := Parse([]string{"-o", "maxconn=9", "/mnt/irods"}, env)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.MaxConn)
}

func TestInvalidIntFallsBackToDefault(t *testing.T) {
	cfg, err := Parse([]string{"-o", "maxconn=notanumber", "/mnt/irods"}, noEnv)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxConn, cfg.MaxConn)
}

func TestValidateRequiresMountPoint(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	assert.Error(t, err)
}
