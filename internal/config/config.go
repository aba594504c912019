package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when no --config_file flag is given.
const DefaultPath = "config/app.yaml"

// ErrInvalid wraps every validation failure returned by Load and Validate.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Name      string          `yaml:"name" toml:"name"`
	Version   string          `yaml:"version" toml:"version"`
	FPS       float64         `yaml:"fps" toml:"fps"`
	Camera    CameraConfig    `yaml:"camera" toml:"camera"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Image     ImageConfig     `yaml:"image" toml:"image"`
	Matcher   MatcherConfig   `yaml:"matcher" toml:"matcher"`
	Workers   WorkersConfig   `yaml:"workers" toml:"workers"`
	Queue     QueueConfig     `yaml:"queue" toml:"queue"`
	Cache     CacheConfig     `yaml:"cache" toml:"cache"`
	Vision    VisionConfig    `yaml:"vision" toml:"vision"`
	Announcer AnnouncerConfig `yaml:"announcer" toml:"announcer"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Status    StatusConfig    `yaml:"status" toml:"status"`
	Shutdown  ShutdownConfig  `yaml:"shutdown" toml:"shutdown"`
}

type CameraConfig struct {
	Device  string `yaml:"device" toml:"device"`   // e.g. /dev/video0, "0" (avfoundation), "video=Integrated Camera" (dshow)
	Format  string `yaml:"format" toml:"format"`   // ffmpeg input format; empty picks one for the host OS
	Mirror  bool   `yaml:"mirror" toml:"mirror"`   // horizontal flip for presentation
	Preview bool   `yaml:"preview" toml:"preview"` // live terminal preview + exit key
	FFmpeg  string `yaml:"ffmpeg" toml:"ffmpeg"`   // ffmpeg binary
}

type LoggingConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Level     string `yaml:"level" toml:"level"`
	File      string `yaml:"file" toml:"file"`
	Timestamp bool   `yaml:"timestamp" toml:"timestamp"`
}

type ImageConfig struct {
	Enabled         bool   `yaml:"enabled" toml:"enabled"`
	OutputDirectory string `yaml:"output_directory" toml:"output_directory"`
	Type            string `yaml:"type" toml:"type"`
	JPG             struct {
		Quality int `yaml:"quality" toml:"quality"`
	} `yaml:"jpg" toml:"jpg"`
	PNG struct {
		Compression int `yaml:"compression" toml:"compression"`
	} `yaml:"png" toml:"png"`
}

type MatcherConfig struct {
	Directory string  `yaml:"directory" toml:"directory"`
	Tolerance float64 `yaml:"tolerance" toml:"tolerance"`
}

type WorkersConfig struct {
	Count int `yaml:"count" toml:"count"` // 0 means runtime.NumCPU()
}

type QueueConfig struct {
	Capacity int    `yaml:"capacity" toml:"capacity"` // 0 means 2 x workers, -1 means unbounded
	Policy   string `yaml:"policy" toml:"policy"`     // block, drop-oldest, drop-newest
}

type CacheConfig struct {
	TTL        Duration `yaml:"ttl" toml:"ttl"`
	MaxEntries int      `yaml:"max_entries" toml:"max_entries"`
}

type VisionConfig struct {
	Command     []string `yaml:"command" toml:"command"`
	ReadTimeout Duration `yaml:"read_timeout" toml:"read_timeout"`
}

type AnnouncerConfig struct {
	Command  []string `yaml:"command" toml:"command"` // text is appended as the last argument
	Greeting string   `yaml:"greeting" toml:"greeting"`
	Buffer   int      `yaml:"buffer" toml:"buffer"`
}

type DatabaseConfig struct {
	URL string `yaml:"url" toml:"url"` // empty disables the sighting journal
}

type StatusConfig struct {
	Addr string `yaml:"addr" toml:"addr"` // empty disables the status endpoint
}

type ShutdownConfig struct {
	Timeout Duration `yaml:"timeout" toml:"timeout"`
}

// Default returns the configuration every file is layered on top of.
func Default() *Config {
	cfg := &Config{
		Name:    "FIRM",
		Version: "0.0.0",
		FPS:     20,
		Camera: CameraConfig{
			Device:  defaultDevice(),
			Mirror:  true,
			Preview: true,
			FFmpeg:  "ffmpeg",
		},
		Logging: LoggingConfig{
			Enabled:   true,
			Level:     "INFO",
			File:      "log/app.log",
			Timestamp: true,
		},
		Image: ImageConfig{
			Enabled:         false,
			OutputDirectory: "../data",
			Type:            "png",
		},
		Matcher: MatcherConfig{
			Directory: "repo",
			Tolerance: 0.6,
		},
		Queue: QueueConfig{
			Policy: "drop-oldest",
		},
		Cache: CacheConfig{
			TTL:        Duration(5 * time.Second),
			MaxEntries: 100,
		},
		Vision: VisionConfig{
			Command:     []string{"python3", "-u", "python/engine.py"},
			ReadTimeout: Duration(30 * time.Second),
		},
		Announcer: AnnouncerConfig{
			Command:  []string{"espeak"},
			Greeting: "Welcome, %s",
			Buffer:   16,
		},
		Shutdown: ShutdownConfig{
			Timeout: Duration(5 * time.Second),
		},
	}
	cfg.Image.JPG.Quality = 95
	cfg.Image.PNG.Compression = 3
	return cfg
}

func defaultDevice() string {
	switch runtime.GOOS {
	case "darwin":
		return "0"
	case "windows":
		return "video=Integrated Camera"
	default:
		return "/dev/video0"
	}
}

// Load reads a YAML (or TOML, by extension) file on top of Default and validates it.
// DATABASE_URL in the environment overrides database.url.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}

	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges. A zero worker count is replaced by runtime.NumCPU().
func (c *Config) Validate() error {
	if c.FPS <= 0 {
		return invalid("fps must be > 0, got %v", c.FPS)
	}
	if c.Matcher.Directory == "" {
		return invalid("matcher.directory is required")
	}
	if c.Matcher.Tolerance <= 0 {
		return invalid("matcher.tolerance must be > 0, got %v", c.Matcher.Tolerance)
	}
	if c.Workers.Count < 0 {
		return invalid("workers.count must be >= 0, got %d", c.Workers.Count)
	}
	if c.Workers.Count == 0 {
		c.Workers.Count = runtime.NumCPU()
	}
	if c.Queue.Capacity < -1 {
		return invalid("queue.capacity must be >= -1, got %d", c.Queue.Capacity)
	}
	switch c.Queue.Policy {
	case "block", "drop-oldest", "drop-newest":
	default:
		return invalid("queue.policy must be block, drop-oldest or drop-newest, got %q", c.Queue.Policy)
	}
	if c.Cache.TTL <= 0 {
		return invalid("cache.ttl must be > 0")
	}
	if c.Cache.MaxEntries < 1 {
		return invalid("cache.max_entries must be >= 1, got %d", c.Cache.MaxEntries)
	}
	if len(c.Vision.Command) == 0 {
		return invalid("vision.command is required")
	}
	if len(c.Announcer.Command) == 0 {
		return invalid("announcer.command is required")
	}
	if err := checkGreeting(c.Announcer.Greeting); err != nil {
		return err
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	if c.Image.Enabled {
		switch c.Image.Type {
		case "jpg", "png", "bmp", "tiff":
		default:
			return invalid("invalid image type: %s", c.Image.Type)
		}
		if c.Image.JPG.Quality < 1 || c.Image.JPG.Quality > 100 {
			return invalid("image.jpg.quality must be within 1..100, got %d", c.Image.JPG.Quality)
		}
		if c.Image.PNG.Compression < 0 || c.Image.PNG.Compression > 9 {
			return invalid("image.png.compression must be within 0..9, got %d", c.Image.PNG.Compression)
		}
	}
	return nil
}

// checkGreeting requires exactly one %s and no other verb; %% stays allowed.
func checkGreeting(g string) error {
	verbs := 0
	for i := 0; i < len(g); i++ {
		if g[i] != '%' {
			continue
		}
		i++
		switch {
		case i < len(g) && g[i] == '%':
		case i < len(g) && g[i] == 's':
			verbs++
		default:
			return invalid("announcer.greeting may only use %%s for the name, got %q", g)
		}
	}
	if verbs != 1 {
		return invalid("announcer.greeting must contain %%s exactly once, got %q", g)
	}
	return nil
}

// QueueCapacity is the configured capacity, or twice the worker count when unset.
// Zero means unbounded.
func (c *Config) QueueCapacity() int {
	switch {
	case c.Queue.Capacity > 0:
		return c.Queue.Capacity
	case c.Queue.Capacity == -1:
		return 0
	default:
		return 2 * c.Workers.Count
	}
}

// FrameInterval is 1/fps.
func (c *Config) FrameInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.FPS)
}

// Level is a logging level name from the config file.
type Level string

const (
	LevelDebug    Level = "DEBUG"
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// ParseLevel accepts the level names case-insensitively.
func ParseLevel(s string) (Level, error) {
	switch l := Level(strings.ToUpper(s)); l {
	case LevelDebug, LevelInfo, LevelWarning, LevelError, LevelCritical:
		return l, nil
	default:
		return "", invalid("invalid log level was specified log_level=%s", s)
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
