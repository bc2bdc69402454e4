package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTomlConfigToConfig_ParsesDurationsAndIdentity(t *testing.T) {
	t.Setenv("PRODUCER_SERVICE_ID", "svc-toml")
	tc := &TOMLConfig{
		Datastore: TOMLDatastoreConfig{Backend: "mongodb"},
		Leader:    TOMLLeaderConfig{Enabled: true, TTL: "30s", RefreshInterval: "10s"},
	}

	cfg := tomlConfigToConfig(tc, "producer")

	if cfg.Role != "producer" {
		t.Errorf("Role = %q, want %q", cfg.Role, "producer")
	}
	if cfg.Identity.ServiceID != "svc-toml" {
		t.Errorf("Identity.ServiceID = %q, want %q", cfg.Identity.ServiceID, "svc-toml")
	}
	if cfg.Datastore.Backend != "mongodb" {
		t.Errorf("Datastore.Backend = %q, want %q", cfg.Datastore.Backend, "mongodb")
	}
	if cfg.Leader.TTL.String() != "30s" {
		t.Errorf("Leader.TTL = %v, want 30s", cfg.Leader.TTL)
	}
	if cfg.Leader.RefreshInterval.String() != "10s" {
		t.Errorf("Leader.RefreshInterval = %v, want 10s", cfg.Leader.RefreshInterval)
	}
}

func TestTomlConfigToConfig_IgnoresUnparsableDurations(t *testing.T) {
	tc := &TOMLConfig{Leader: TOMLLeaderConfig{TTL: "not-a-duration"}}
	cfg := tomlConfigToConfig(tc, "consumer")

	if cfg.Leader.TTL != 0 {
		t.Errorf("expected a malformed TTL to leave the field at its zero value, got %v", cfg.Leader.TTL)
	}
}

func TestMergeConfigs_EnvOverridesWinOverFileDefaults(t *testing.T) {
	base := &Config{
		HTTP:      HTTPConfig{Port: 9090},
		Datastore: DatastoreConfig{Backend: "mongodb"},
		DataDir:   "/srv/outboxrelay/data",
	}
	override := &Config{
		HTTP:      HTTPConfig{Port: 8080},
		Datastore: DatastoreConfig{Backend: "postgres", Postgres: PostgresConfig{DSN: "postgres://env-dsn"}},
		DataDir:   "./data",
	}

	merged := mergeConfigs(base, override)

	if merged.HTTP.Port != 9090 {
		t.Errorf("expected the file's non-default port to survive, got %d", merged.HTTP.Port)
	}
	if merged.Datastore.Backend != "mongodb" {
		t.Errorf("expected the file's non-default backend to survive, got %q", merged.Datastore.Backend)
	}
	if merged.Datastore.Postgres.DSN != "postgres://env-dsn" {
		t.Errorf("expected the env-supplied DSN to override, got %q", merged.Datastore.Postgres.DSN)
	}
	if merged.DataDir != "/srv/outboxrelay/data" {
		t.Errorf("expected the file's non-default DataDir to survive, got %q", merged.DataDir)
	}
}

func TestMergeConfigs_ExplicitEnvOverrideWins(t *testing.T) {
	base := &Config{HTTP: HTTPConfig{Port: 9090}, Datastore: DatastoreConfig{Backend: "postgres"}}
	override := &Config{HTTP: HTTPConfig{Port: 3000}, Datastore: DatastoreConfig{Backend: "mongodb"}}

	merged := mergeConfigs(base, override)

	if merged.HTTP.Port != 3000 {
		t.Errorf("expected an explicitly-set env port to override the file value, got %d", merged.HTTP.Port)
	}
	if merged.Datastore.Backend != "mongodb" {
		t.Errorf("expected an explicitly-set env backend to override the file value, got %q", merged.Datastore.Backend)
	}
}

func TestMergeConfigs_IdentityAlwaysComesFromOverride(t *testing.T) {
	base := &Config{Identity: IdentityConfig{ServiceID: "from-file", InstanceID: "from-file-instance"}}
	override := &Config{Identity: IdentityConfig{ServiceID: "from-env", InstanceID: "from-env-instance"}}

	merged := mergeConfigs(base, override)

	if merged.Identity.ServiceID != "from-env" {
		t.Errorf("expected Identity to always come from the env-derived config, got %q", merged.Identity.ServiceID)
	}
}

func TestWriteExampleConfig_WritesValidTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.toml")

	if err := WriteExampleConfig(path); err != nil {
		t.Fatalf("WriteExampleConfig returned error: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected the config file to exist: %v", err)
	}

	tc, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile on the written example failed: %v", err)
	}
	if tc.HTTP.Port != 8080 {
		t.Errorf("HTTP.Port = %d, want 8080", tc.HTTP.Port)
	}
	if tc.Datastore.Backend != "postgres" {
		t.Errorf("Datastore.Backend = %q, want %q", tc.Datastore.Backend, "postgres")
	}
}
