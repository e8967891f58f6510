package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 5000 {
		t.Errorf("default port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("default driver = %q, want postgres", cfg.Database.Driver)
	}
	if cfg.Pipeline.Workers <= 0 {
		t.Errorf("default worker count must be positive, got %d", cfg.Pipeline.Workers)
	}
	if cfg.Pipeline.SmoothingSigma != 1.0 {
		t.Errorf("default smoothing sigma = %f, want 1.0", cfg.Pipeline.SmoothingSigma)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("default log level = %q, want info", cfg.Logging.Level)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "no-such-config.yaml"))
	if err != nil {
		t.Fatalf("missing file should yield defaults, got error: %v", err)
	}
	if cfg.Server.Port != DefaultConfig().Server.Port {
		t.Error("missing file should yield the default configuration")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 8080
database:
  driver: mysql
  host: db.internal
pipeline:
  workers: 3
  smoothingSigma: 2.5
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Database.Driver != "mysql" || cfg.Database.Host != "db.internal" {
		t.Errorf("database overrides not applied: %+v", cfg.Database)
	}
	if cfg.Pipeline.Workers != 3 || cfg.Pipeline.SmoothingSigma != 2.5 {
		t.Errorf("pipeline overrides not applied: %+v", cfg.Pipeline)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Logging.Level)
	}

	// Fields absent from the file keep their defaults.
	if cfg.Server.FrontendURL != DefaultConfig().Server.FrontendURL {
		t.Error("unset fields should keep their defaults")
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not a mapping"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected an error for malformed YAML")
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Server.Port = 9999
	cfg.Database.Password = "secret"
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Server.Port != 9999 || loaded.Database.Password != "secret" {
		t.Errorf("roundtrip lost values: %+v", loaded)
	}
}

func TestPostgresDSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.Password = "pw"
	dsn := cfg.PostgresDSN()
	for _, part := range []string{"host=localhost", "port=5432", "user=neuropipe", "password=pw", "sslmode=disable"} {
		if !strings.Contains(dsn, part) {
			t.Errorf("postgres DSN missing %q: %s", part, dsn)
		}
	}
}

func TestMySQLDSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.User = "u"
	cfg.Database.Password = "p"
	cfg.Database.Name = "db"
	dsn := cfg.MySQLDSN()
	if !strings.HasPrefix(dsn, "u:p@tcp(localhost:5432)/db") {
		t.Errorf("unexpected mysql DSN: %s", dsn)
	}
	if !strings.Contains(dsn, "parseTime=true") {
		t.Errorf("mysql DSN must enable parseTime: %s", dsn)
	}
}
