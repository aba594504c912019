package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "app.yaml", `
name: FIRM
version: 1.2.3
fps: 10
camera:
  device: /dev/video2
matcher:
  directory: people
  tolerance: 0.5
workers:
  count: 3
cache:
  ttl: 7s
  max_entries: 10
vision:
  command: ["python3", "engine.py"]
  read_timeout: 2s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "1.2.3", cfg.Version)
	assert.Equal(t, 10.0, cfg.FPS)
	assert.Equal(t, "/dev/video2", cfg.Camera.Device)
	assert.Equal(t, "people", cfg.Matcher.Directory)
	assert.Equal(t, 0.5, cfg.Matcher.Tolerance)
	assert.Equal(t, 3, cfg.Workers.Count)
	assert.Equal(t, 7*time.Second, cfg.Cache.TTL.Std())
	assert.Equal(t, 10, cfg.Cache.MaxEntries)
	assert.Equal(t, []string{"python3", "engine.py"}, cfg.Vision.Command)
	assert.Equal(t, 2*time.Second, cfg.Vision.ReadTimeout.Std())

	// Untouched sections keep their defaults
	assert.Equal(t, "drop-oldest", cfg.Queue.Policy)
	assert.Equal(t, "Welcome, %s", cfg.Announcer.Greeting)
	assert.Equal(t, 6, cfg.QueueCapacity())
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "app.toml", `
fps = 25.0

[matcher]
directory = "registry"
tolerance = 0.45

[cache]
ttl = "3s"
max_entries = 5

[queue]
capacity = -1
policy = "block"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 25.0, cfg.FPS)
	assert.Equal(t, "registry", cfg.Matcher.Directory)
	assert.Equal(t, 3*time.Second, cfg.Cache.TTL.Std())
	assert.Equal(t, 0, cfg.QueueCapacity(), "-1 means unbounded")
	assert.Equal(t, 40*time.Millisecond, cfg.FrameInterval())
}

func TestLoad_DatabaseURLFromEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env/firm")
	path := writeConfig(t, "app.yaml", "database:\n  url: postgres://file/firm\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/firm", cfg.Database.URL)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_Malformed(t *testing.T) {
	path := writeConfig(t, "app.yaml", "fps: [not a number\n")

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero fps", func(c *Config) { c.FPS = 0 }},
		{"empty registry dir", func(c *Config) { c.Matcher.Directory = "" }},
		{"zero tolerance", func(c *Config) { c.Matcher.Tolerance = 0 }},
		{"negative workers", func(c *Config) { c.Workers.Count = -2 }},
		{"bad queue capacity", func(c *Config) { c.Queue.Capacity = -5 }},
		{"bad policy", func(c *Config) { c.Queue.Policy = "yolo" }},
		{"zero ttl", func(c *Config) { c.Cache.TTL = 0 }},
		{"zero cache size", func(c *Config) { c.Cache.MaxEntries = 0 }},
		{"no vision command", func(c *Config) { c.Vision.Command = nil }},
		{"no speech command", func(c *Config) { c.Announcer.Command = nil }},
		{"greeting without name", func(c *Config) { c.Announcer.Greeting = "Hello" }},
		{"greeting with extra verb", func(c *Config) { c.Announcer.Greeting = "%s %d" }},
		{"greeting with name twice", func(c *Config) { c.Announcer.Greeting = "%s, hi %s" }},
		{"greeting with other verb", func(c *Config) { c.Announcer.Greeting = "Welcome, %v" }},
		{"greeting with trailing percent", func(c *Config) { c.Announcer.Greeting = "Welcome, %s %" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "LOUD" }},
		{"bad image type", func(c *Config) {
			c.Image.Enabled = true
			c.Image.Type = "gif"
		}},
		{"bad jpg quality", func(c *Config) {
			c.Image.Enabled = true
			c.Image.JPG.Quality = 101
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestValidate_Greetings(t *testing.T) {
	for _, g := range []string{"Welcome, %s", "%s", "Hi %s, 100%% recognized"} {
		cfg := Default()
		cfg.Announcer.Greeting = g
		assert.NoError(t, cfg.Validate(), g)
	}
}

func TestValidate_DefaultWorkerCount(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, runtime.NumCPU(), cfg.Workers.Count)
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("warning")
	require.NoError(t, err)
	assert.Equal(t, LevelWarning, l)

	_, err = ParseLevel("verbose")
	assert.ErrorIs(t, err, ErrInvalid)
}
