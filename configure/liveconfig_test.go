package configure

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *log.Entry {
	l := log.New()
	l.SetOutput(io.Discard)
	return log.NewEntry(l)
}

func flagSet(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	c, err := Load(flagSet(t, "--config_file", filepath.Join(dir, "missing.yaml")), testLogger())
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", c.Address)
	assert.Equal(t, 5000, c.Port)
	assert.Equal(t, "0.0.0.0:5000", c.ListenAddr())
	assert.Equal(t, "", c.StreamKey)
	assert.Equal(t, 4096, c.ReadBufferSize)
	assert.Equal(t, 10*time.Second, c.ReadTimeoutDuration())
	assert.Equal(t, 0, c.MediaQueueSize)
	assert.Equal(t, "drop_oldest", c.MediaOverflow)
	assert.Equal(t, "flv", c.OutputFormat)
	assert.Equal(t, "HS256", c.JWT.Algorithm)
	assert.Equal(t, log.InfoLevel, c.LogLevel())
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "livego.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
port: 6000
stream_key: fromfile
media_queue_size: 64
jwt:
  secret: s3cret
`), 0644))

	t.Run("file over defaults", func(t *testing.T) {
		c, err := Load(flagSet(t, "--config_file", file), testLogger())
		require.NoError(t, err)
		assert.Equal(t, 6000, c.Port)
		assert.Equal(t, "fromfile", c.StreamKey)
		assert.Equal(t, 64, c.MediaQueueSize)
		assert.Equal(t, "s3cret", c.JWT.Secret)
		assert.Equal(t, "HS256", c.JWT.Algorithm)
	})

	t.Run("env over file", func(t *testing.T) {
		t.Setenv("STREAM_KEY", "fromenv")
		c, err := Load(flagSet(t, "--config_file", file), testLogger())
		require.NoError(t, err)
		assert.Equal(t, "fromenv", c.StreamKey)
	})
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.yaml")

	tests := []struct {
		name string
		args []string
	}{
		{"low port", []string{"--port", "80"}},
		{"small buffer", []string{"--read_buffer_size", "16"}},
		{"overflow policy", []string{"--media_overflow", "block"}},
		{"output format", []string{"--output_format", "mp4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--config_file", missing}, tt.args...)
			_, err := Load(flagSet(t, args...), testLogger())
			assert.Error(t, err)
		})
	}
}
