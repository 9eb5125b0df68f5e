package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-go-golems/branchchat/pkg/access"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newViper(t *testing.T) *viper.Viper {
	t.Helper()
	v := viper.New()
	require.NoError(t, Setup(v, ""))
	return v
}

func TestDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	s, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, ":8080", s.Server.Addr)
	assert.Equal(t, 20.0, s.Server.RateLimit)
	assert.Equal(t, "sqlite", s.Store.Driver)
	assert.Equal(t, 150*time.Millisecond, s.Generation.FlushInterval)
	assert.Equal(t, conversation.PolicyEarliest, s.Policy())
	assert.Equal(t, access.ModeOwner, s.AccessMode())
	assert.Equal(t, "branchchat.db", s.StoreConfig().Path)
}

func TestConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9999"
query:
  descendant-policy: latest
`), 0o644))
	t.Setenv("BRANCHCHAT_STORE_DRIVER", "memory")
	t.Setenv("BRANCHCHAT_GENERATION_FLUSH_INTERVAL", "1s")

	v := viper.New()
	require.NoError(t, Setup(v, path))
	s, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, ":9999", s.Server.Addr)
	assert.Equal(t, conversation.PolicyLatest, s.Policy())
	assert.Equal(t, "memory", s.Store.Driver)
	assert.Equal(t, time.Second, s.Generation.FlushInterval)
}

func TestValidateNamesKey(t *testing.T) {
	cases := []struct {
		key string
		val interface{}
	}{
		{"store.driver", "mongo"},
		{"query.descendant-policy", "random"},
		{"generation.provider", "openai"},
		{"server.access-mode", "everyone"},
		{"query.max-ancestors", -1},
		{"generation.base-url", "http://10.0.0.7:11434"},
		{"client.server-url", "ftp://example.com"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			v := newViper(t)
			v.Set(tc.key, tc.val)
			_, err := Load(v)
			require.Error(t, err)
			var ve *conversation.ValidationError
			require.True(t, errors.As(err, &ve))
			if tc.key == "generation.provider" {
				assert.Equal(t, "generation.api-key", ve.Field)
				return
			}
			assert.Equal(t, tc.key, ve.Field)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("BRANCHCHAT_TEST_DOTENV=from-file\n"), 0o644))
	t.Setenv("BRANCHCHAT_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("BRANCHCHAT_TEST_DOTENV"))

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "from-file", os.Getenv("BRANCHCHAT_TEST_DOTENV"))

	assert.NoError(t, LoadDotEnv(filepath.Join(dir, "nope.env")))
}
