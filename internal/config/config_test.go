package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, DefaultAddr, cfg.Addr)
	require.EqualValues(t, 9<<20, cfg.MaxChunkSize)
	require.Equal(t, 24*time.Hour, cfg.SessionTTL)
	require.True(t, cfg.WebDAV)
	require.True(t, cfg.Thumbnails)
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, "filedock.yml", `
addr: "127.0.0.1:9000"
root: /srv/filedock
maxChunkSize: 1048576
sessionTTL: 90m
webdav: false
tls:
  autoCert: true
  hosts: [files.example.org]
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.Addr)
	require.Equal(t, "/srv/filedock", cfg.Root)
	require.EqualValues(t, 1<<20, cfg.MaxChunkSize)
	require.Equal(t, 90*time.Minute, cfg.SessionTTL)
	require.False(t, cfg.WebDAV)
	require.True(t, cfg.Thumbnails, "unset fields keep defaults")
	require.Equal(t, []string{"files.example.org"}, cfg.TLS.Hosts)
	require.True(t, cfg.TLS.Enabled())
}

func TestLoadJSON(t *testing.T) {
	p := writeFile(t, "filedock.json", `{"root": "/data", "maxEditSize": 2048, "thumbnails": false}`)
	cfg, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, "/data", cfg.Root)
	require.EqualValues(t, 2048, cfg.MaxEditSize)
	require.False(t, cfg.Thumbnails)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)

	p := writeFile(t, "bad.yml", "addr: [unterminated")
	_, err = Load(p)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FILEDOCK_ROOT", "/from/env")
	t.Setenv("FILEDOCK_MAX_CHUNK_SIZE", "4096")
	t.Setenv("FILEDOCK_SESSION_TTL", "2h")
	t.Setenv("FILEDOCK_WEBDAV", "false")
	t.Setenv("FILEDOCK_THUMBNAILS", "not-a-bool")
	t.Setenv("FILEDOCK_TLS_HOSTS", "a.example, b.example,")

	p := writeFile(t, "filedock.yml", "root: /from/file\n")
	cfg, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, "/from/env", cfg.Root)
	require.EqualValues(t, 4096, cfg.MaxChunkSize)
	require.Equal(t, 2*time.Hour, cfg.SessionTTL)
	require.False(t, cfg.WebDAV)
	require.True(t, cfg.Thumbnails, "invalid env value falls back")
	require.Equal(t, []string{"a.example", "b.example"}, cfg.TLS.Hosts)
}

func TestNormalize(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.Normalize())

	dir := t.TempDir()
	cfg.Root = dir
	cfg.TLS.AutoCert = true
	cfg.TLS.Hosts = []string{"files.example.org"}
	require.NoError(t, cfg.Normalize())
	require.True(t, filepath.IsAbs(cfg.Root))
	require.Equal(t, filepath.Join(dir, "files"), cfg.FilesDir())
	require.Equal(t, filepath.Join(dir, "temp"), cfg.TempDir())
	require.Equal(t, filepath.Join(dir, "cache", "certs"), cfg.TLS.CacheDir)
}

func TestValidate(t *testing.T) {
	base := Default()
	base.Root = "/srv"

	cases := map[string]func(c *Config){
		"zero chunk":        func(c *Config) { c.MaxChunkSize = 0 },
		"negative ttl":      func(c *Config) { c.SessionTTL = -time.Second },
		"ttl without sweep": func(c *Config) { c.SweepInterval = 0 },
		"autocert no hosts": func(c *Config) { c.TLS.AutoCert = true },
		"cert without key":  func(c *Config) { c.TLS.CertFile = "cert.pem" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base
			mutate(&c)
			require.Error(t, c.Validate())
		})
	}
	require.NoError(t, base.Validate())
}

func TestYAMLRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Root = "/srv/filedock"
	b, err := cfg.YAML()
	require.NoError(t, err)

	var back Config
	require.NoError(t, yaml.Unmarshal(b, &back))
	require.Equal(t, cfg.Root, back.Root)
	require.Equal(t, cfg.SessionTTL, back.SessionTTL)
}
