package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func tempConfigPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "config.json")
}

func writeTestConfig(t *testing.T, path string, cfg *Config) {
	t.Helper()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
}

func TestLoad_WritesDefaults(t *testing.T) {
	path := tempConfigPath(t)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("defaults were not written: %v", err)
	}
	if cfg.HTTP.Listen != "127.0.0.1:8484" {
		t.Errorf("expected default http.listen, got %q", cfg.HTTP.Listen)
	}
	if cfg.HTTP.Enabled {
		t.Error("expected http disabled by default")
	}
	if cfg.Nostr.SettlementTimeout != 900 {
		t.Errorf("expected 900s settlement timeout, got %d", cfg.Nostr.SettlementTimeout)
	}
	if cfg.Agent.Pricing != "static" {
		t.Errorf("expected static pricing, got %q", cfg.Agent.Pricing)
	}
	if len(cfg.Nostr.Relays) == 0 {
		t.Error("expected default relays")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := tempConfigPath(t)
	cfg := defaults()
	cfg.Nostr.PrivateKey = "from-file"
	cfg.Store.DSN = "file:///tmp/x"
	writeTestConfig(t, path, cfg)

	t.Setenv("NOSTR_PRIVATE_KEY", "from-env")
	t.Setenv("NOSTR_RELAYS", "wss://a.example, wss://b.example,")
	t.Setenv("NWC_CONN_STR", "nostr+walletconnect://wallet")
	t.Setenv("DATABASE_URL", "sqlite:///tmp/agent.db")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318")

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Nostr.PrivateKey != "from-env" {
		t.Errorf("expected env private key, got %q", loaded.Nostr.PrivateKey)
	}
	if len(loaded.Nostr.Relays) != 2 || loaded.Nostr.Relays[1] != "wss://b.example" {
		t.Errorf("unexpected relays: %v", loaded.Nostr.Relays)
	}
	if loaded.Nostr.NWC != "nostr+walletconnect://wallet" {
		t.Errorf("unexpected nwc: %q", loaded.Nostr.NWC)
	}
	if loaded.Store.DSN != "sqlite:///tmp/agent.db" {
		t.Errorf("unexpected dsn: %q", loaded.Store.DSN)
	}
	if loaded.Redis.Addr != "localhost:6379" {
		t.Errorf("unexpected redis addr: %q", loaded.Redis.Addr)
	}
	if loaded.Telemetry.Endpoint != "localhost:4318" {
		t.Errorf("unexpected otel endpoint: %q", loaded.Telemetry.Endpoint)
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := tempConfigPath(t)
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSave_ReloadRoundTrip(t *testing.T) {
	path := tempConfigPath(t)

	original := &Config{
		DataDir:       "/tmp/test-data",
		LogLevel:      "debug",
		MaxConcurrent: 4,
		MaxToolRounds: 20,
		Delegators:    []string{"abc123"},
	}
	original.Agent.Name = "weather"
	original.Agent.Satoshis = 21
	original.Agent.ToolPrices = map[string]int64{"brave_search": 5}
	original.Nostr.PrivateKey = "nsec1test"
	original.Nostr.Relays = []string{"wss://relay.example"}
	original.LLM.APIKey = "sk-test-round-trip"
	original.LLM.Model = "gpt-4"
	original.LLM.Temperature = 0.5
	original.Telegram.Token = "bot-token-456"

	if err := Save(path, original); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.DataDir != original.DataDir {
		t.Errorf("DataDir mismatch: %v != %v", loaded.DataDir, original.DataDir)
	}
	if loaded.MaxConcurrent != original.MaxConcurrent {
		t.Errorf("MaxConcurrent mismatch: %v != %v", loaded.MaxConcurrent, original.MaxConcurrent)
	}
	if len(loaded.Delegators) != 1 || loaded.Delegators[0] != "abc123" {
		t.Errorf("Delegators mismatch: %v", loaded.Delegators)
	}
	if loaded.Agent.Name != "weather" || loaded.Agent.Satoshis != 21 {
		t.Errorf("Agent mismatch: %+v", loaded.Agent)
	}
	if loaded.Agent.ToolPrices["brave_search"] != 5 {
		t.Errorf("ToolPrices mismatch: %v", loaded.Agent.ToolPrices)
	}
	if os.Getenv("NOSTR_PRIVATE_KEY") == "" && loaded.Nostr.PrivateKey != "nsec1test" {
		t.Errorf("Nostr.PrivateKey mismatch: %v", loaded.Nostr.PrivateKey)
	}
	if loaded.LLM.Temperature != original.LLM.Temperature {
		t.Errorf("LLM.Temperature mismatch: %v != %v", loaded.LLM.Temperature, original.LLM.Temperature)
	}
}

func TestSave_AtomicWrite(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Verify no temp file left behind
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file should not exist after successful save")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read saved config: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Errorf("saved file is not valid JSON: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected 0600 permissions for a file holding keys, got %v", info.Mode().Perm())
	}
}

func TestToMap(t *testing.T) {
	cfg := &Config{LogLevel: "debug"}
	cfg.Agent.Name = "weather"
	cfg.LLM.MaxTokens = 2000

	m, err := ToMap(cfg)
	if err != nil {
		t.Fatalf("ToMap failed: %v", err)
	}
	if m["log_level"] != "debug" {
		t.Errorf("expected log_level=debug, got %v", m["log_level"])
	}
	agent, ok := m["agent"].(map[string]any)
	if !ok {
		t.Fatalf("expected agent to be map, got %T", m["agent"])
	}
	if agent["name"] != "weather" {
		t.Errorf("expected agent.name=weather, got %v", agent["name"])
	}
	llm := m["llm"].(map[string]any)
	// JSON numbers are float64
	if llm["max_tokens"] != float64(2000) {
		t.Errorf("expected llm.max_tokens=2000, got %v", llm["max_tokens"])
	}
}

func TestListValues(t *testing.T) {
	cfg := &Config{LogLevel: "info"}
	cfg.Nostr.PrivateKey = "nsec1secretvalue9876"
	cfg.Nostr.NWC = "nostr+walletconnect://x?secret=1234"
	cfg.LLM.APIKey = "sk-secret-key-1234"
	cfg.Redis.Password = "hunter22"

	plain, err := ListValues(cfg, false)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}
	if plain["nostr.private_key"] != "nsec1secretvalue9876" {
		t.Errorf("expected unmasked nostr.private_key, got %v", plain["nostr.private_key"])
	}

	masked, err := ListValues(cfg, true)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}
	want := map[string]string{
		"nostr.private_key": "***9876",
		"nostr.nwc":         "***1234",
		"llm.api_key":       "***1234",
		"redis.password":    "***er22",
		"log_level":         "info",
	}
	for k, v := range want {
		if masked[k] != v {
			t.Errorf("%s: expected %q, got %v", k, v, masked[k])
		}
	}
}

func TestGetValue(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "debug", MaxConcurrent: 8}
	cfg.Agent.Name = "weather"
	writeTestConfig(t, path, cfg)

	v, err := GetValue(path, "agent.name")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "weather" {
		t.Errorf("expected agent.name=weather, got %v", v)
	}

	v, err = GetValue(path, "max_concurrent")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != float64(8) {
		t.Errorf("expected max_concurrent=8, got %v (%T)", v, v)
	}
}

func TestGetValue_UnknownKey(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, &Config{LogLevel: "info"})

	_, err := GetValue(path, "nonexistent.key")
	if err == nil {
		t.Fatal("expected error for unknown key, got nil")
	}
	expected := "unknown config key: nonexistent.key"
	if err.Error() != expected {
		t.Errorf("expected error %q, got %q", expected, err.Error())
	}
}

func TestGetValue_NewFileHasDefaults(t *testing.T) {
	path := tempConfigPath(t)

	v, err := GetValue(path, "log_level")
	if err != nil {
		t.Fatalf("GetValue on new config failed: %v", err)
	}
	if v != "info" {
		t.Errorf("expected default log_level=info, got %v", v)
	}
}

func TestSetValue_Types(t *testing.T) {
	path := tempConfigPath(t)
	cfg := defaults()
	writeTestConfig(t, path, cfg)

	cases := []struct {
		key, value string
		want       any
	}{
		{"log_level", "debug", "debug"},
		{"max_concurrent", "16", float64(16)},
		{"http.enabled", "true", true},
		{"llm.temperature", "0.3", 0.3},
		{"agent.satoshis", "42", float64(42)},
		{"custom.setting", "value", "value"},
	}
	for _, tc := range cases {
		if err := SetValue(path, tc.key, tc.value); err != nil {
			t.Fatalf("SetValue(%s) failed: %v", tc.key, err)
		}
		v, err := GetValue(path, tc.key)
		if err != nil {
			t.Fatalf("GetValue(%s) failed: %v", tc.key, err)
		}
		if v != tc.want {
			t.Errorf("%s: expected %v (%T), got %v (%T)", tc.key, tc.want, tc.want, v, v)
		}
	}

	// Other values are preserved.
	v, err := GetValue(path, "llm.provider")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "openai" {
		t.Errorf("expected llm.provider=openai (preserved), got %v", v)
	}
}

func TestSetValue_ListFromCommaSeparated(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, defaults())

	if err := SetValue(path, "delegators", "aa, bb"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	if err := SetValue(path, "nostr.relays", `["wss://one.example"]`); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Delegators) != 2 || cfg.Delegators[0] != "aa" || cfg.Delegators[1] != "bb" {
		t.Errorf("unexpected delegators: %v", cfg.Delegators)
	}
	if os.Getenv("NOSTR_RELAYS") == "" && (len(cfg.Nostr.Relays) != 1 || cfg.Nostr.Relays[0] != "wss://one.example") {
		t.Errorf("unexpected relays: %v", cfg.Nostr.Relays)
	}
}

func TestSetValue_NonexistentFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist", "config.json")
	if err := SetValue(path, "log_level", "debug"); err == nil {
		t.Fatal("expected error for nonexistent file, got nil")
	}
}

func TestSave_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subdir", "config.json")

	if err := Save(path, &Config{LogLevel: "warn"}); err != nil {
		t.Fatalf("Save should create parent directory, got: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file should exist: %v", err)
	}
}
