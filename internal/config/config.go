package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAddr          = ":8080"
	DefaultMaxChunkSize  = 9 << 20
	DefaultMaxEditSize   = 5 << 20
	DefaultSessionTTL    = 24 * time.Hour
	DefaultSweepInterval = time.Hour
)

// Config is small and file-friendly. The file may be YAML or JSON.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `yaml:"addr"`

	// Root holds everything filedock writes:
	//   <root>/files  user-visible tree
	//   <root>/temp   upload sessions
	//   <root>/cache  thumbnails
	Root string `yaml:"root"`

	// MaxChunkSize caps a single upload chunk in bytes.
	MaxChunkSize int64 `yaml:"maxChunkSize"`

	// MaxEditSize caps files opened in the in-browser editor.
	MaxEditSize int64 `yaml:"maxEditSize"`

	// SessionTTL is how long an upload session may sit idle before the
	// sweeper deletes its chunks. Zero disables sweeping.
	SessionTTL    time.Duration `yaml:"sessionTTL"`
	SweepInterval time.Duration `yaml:"sweepInterval"`

	// WebDAV mounts <root>/files under /dav/.
	WebDAV bool `yaml:"webdav"`

	// Thumbnails enables /api/thumb for image files.
	Thumbnails bool `yaml:"thumbnails"`

	TLS TLS `yaml:"tls,omitempty"`
}

// TLS either points at a certificate pair or asks for ACME certificates.
type TLS struct {
	CertFile string `yaml:"certFile,omitempty"`
	KeyFile  string `yaml:"keyFile,omitempty"`

	AutoCert bool     `yaml:"autoCert,omitempty"`
	Hosts    []string `yaml:"hosts,omitempty"`
	Email    string   `yaml:"email,omitempty"`
	// CacheDir stores ACME account and certificates. Default: <root>/cache/certs
	CacheDir string `yaml:"cacheDir,omitempty"`
}

func (t TLS) Enabled() bool {
	return t.AutoCert || (t.CertFile != "" && t.KeyFile != "")
}

func Default() Config {
	return Config{
		Addr:          DefaultAddr,
		MaxChunkSize:  DefaultMaxChunkSize,
		MaxEditSize:   DefaultMaxEditSize,
		SessionTTL:    DefaultSessionTTL,
		SweepInterval: DefaultSweepInterval,
		WebDAV:        true,
		Thumbnails:    true,
	}
}

// Load returns defaults overlaid with the file at path (if any) and then
// with FILEDOCK_* environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Addr = lookupEnvOr("FILEDOCK_ADDR", c.Addr)
	c.Root = lookupEnvOr("FILEDOCK_ROOT", c.Root)
	c.MaxChunkSize = lookupEnvInt64("FILEDOCK_MAX_CHUNK_SIZE", c.MaxChunkSize)
	c.MaxEditSize = lookupEnvInt64("FILEDOCK_MAX_EDIT_SIZE", c.MaxEditSize)
	c.SessionTTL = lookupEnvDuration("FILEDOCK_SESSION_TTL", c.SessionTTL)
	c.SweepInterval = lookupEnvDuration("FILEDOCK_SWEEP_INTERVAL", c.SweepInterval)
	c.WebDAV = lookupEnvBool("FILEDOCK_WEBDAV", c.WebDAV)
	c.Thumbnails = lookupEnvBool("FILEDOCK_THUMBNAILS", c.Thumbnails)
	c.TLS.CertFile = lookupEnvOr("FILEDOCK_TLS_CERT", c.TLS.CertFile)
	c.TLS.KeyFile = lookupEnvOr("FILEDOCK_TLS_KEY", c.TLS.KeyFile)
	c.TLS.AutoCert = lookupEnvBool("FILEDOCK_TLS_AUTOCERT", c.TLS.AutoCert)
	if v, ok := os.LookupEnv("FILEDOCK_TLS_HOSTS"); ok {
		c.TLS.Hosts = splitList(v)
	}
}

// Normalize makes Root absolute and fills derived defaults. Call it after
// flags have been applied.
func (c *Config) Normalize() error {
	if strings.TrimSpace(c.Root) == "" {
		return fmt.Errorf("config: root is required")
	}
	abs, err := filepath.Abs(c.Root)
	if err != nil {
		return fmt.Errorf("abs root: %w", err)
	}
	c.Root = abs
	if c.TLS.AutoCert && c.TLS.CacheDir == "" {
		c.TLS.CacheDir = filepath.Join(c.CacheDir(), "certs")
	}
	return c.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.Root == "":
		return fmt.Errorf("config: root is required")
	case c.Addr == "":
		return fmt.Errorf("config: addr is required")
	case c.MaxChunkSize <= 0:
		return fmt.Errorf("config: maxChunkSize must be positive")
	case c.MaxEditSize <= 0:
		return fmt.Errorf("config: maxEditSize must be positive")
	case c.SessionTTL < 0:
		return fmt.Errorf("config: sessionTTL must not be negative")
	case c.SessionTTL > 0 && c.SweepInterval <= 0:
		return fmt.Errorf("config: sweepInterval must be positive when sessionTTL is set")
	case c.TLS.AutoCert && len(c.TLS.Hosts) == 0:
		return fmt.Errorf("config: tls.autoCert needs at least one host")
	case (c.TLS.CertFile == "") != (c.TLS.KeyFile == ""):
		return fmt.Errorf("config: tls.certFile and tls.keyFile go together")
	}
	return nil
}

func (c Config) FilesDir() string { return filepath.Join(c.Root, "files") }
func (c Config) TempDir() string { return filepath.Join(c.Root, "temp") }
func (c Config) CacheDir() string { return filepath.Join(c.Root, "cache") }

// YAML renders the effective configuration.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func lookupEnvOr(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func lookupEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(val)
		if err != nil {
			log.Printf("Invalid value for %s: %v", key, err)
			return defaultVal
		}
		return b
	}
	return defaultVal
}

func lookupEnvInt64(key string, defaultVal int64) int64 {
	if val, ok := os.LookupEnv(key); ok {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			log.Printf("Invalid value for %s: %v", key, err)
			return defaultVal
		}
		return n
	}
	return defaultVal
}

func lookupEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(val)
		if err != nil {
			log.Printf("Invalid value for %s: %v", key, err)
			return defaultVal
		}
		return d
	}
	return defaultVal
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
