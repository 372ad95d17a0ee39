package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	DataDir       string   `json:"data_dir"`
	LogLevel      string   `json:"log_level"`
	LogFormat     string   `json:"log_format"`
	MaxConcurrent int      `json:"max_concurrent"`
	LaneSize      int      `json:"lane_size"`
	MaxToolRounds int      `json:"max_tool_rounds"`
	HistoryLimit  int      `json:"history_limit"`
	Delegators    []string `json:"delegators"`
	Agent         struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Satoshis    int64  `json:"satoshis"`
		// Pricing is "static" (card price) or "llm" (per-request estimate).
		Pricing         string           `json:"pricing"`
		ToolPrices      map[string]int64 `json:"tool_prices"`
		ProfileSchedule string           `json:"profile_schedule"`
		Picture         string           `json:"picture"`
		Website         string           `json:"website"`
	} `json:"agent"`
	Nostr struct {
		PrivateKey string   `json:"private_key"`
		Relays     []string `json:"relays"`
		// NWC is the nostr+walletconnect:// connection string.
		NWC               string `json:"nwc"`
		SettlementTimeout int    `json:"settlement_timeout_seconds"`
	} `json:"nostr"`
	Store struct {
		DSN string `json:"dsn"`
	} `json:"store"`
	Redis struct {
		Addr     string `json:"addr"`
		Password string `json:"password"`
		DB       int    `json:"db"`
	} `json:"redis"`
	LLM struct {
		Provider         string  `json:"provider"`
		BaseURL          string  `json:"base_url"`
		APIKey           string  `json:"api_key"`
		Model            string  `json:"model"`
		MaxTokens        int     `json:"max_tokens"`
		Temperature      float32 `json:"temperature"`
		MaxContextTokens int     `json:"max_context_tokens"`
		OutputReserve    int     `json:"output_reserve"`
		SystemPromptPath string  `json:"system_prompt_path"`
	} `json:"llm"`
	Brave struct {
		APIKey string `json:"api_key"`
	} `json:"brave"`
	Telegram struct {
		Token string `json:"token"`
	} `json:"telegram"`
	HTTP struct {
		Enabled bool   `json:"enabled"`
		Listen  string `json:"listen"`
	} `json:"http"`
	Telemetry struct {
		Endpoint    string `json:"endpoint"`
		ServiceName string `json:"service_name"`
		Insecure    bool   `json:"insecure"`
	} `json:"telemetry"`
}

// DefaultDir is ~/.nostragent.
func DefaultDir() string {
	return filepath.Join(os.Getenv("HOME"), ".nostragent")
}

func defaults() *Config {
	cfg := &Config{
		DataDir:       DefaultDir(),
		LogLevel:      "info",
		LogFormat:     "text",
		MaxConcurrent: 4,
		LaneSize:      16,
		MaxToolRounds: 10,
		HistoryLimit:  50,
		Delegators:    []string{},
	}
	cfg.Agent.Name = "nostragent"
	cfg.Agent.Description = "A helpful assistant reachable over Nostr direct messages."
	cfg.Agent.Pricing = "static"
	cfg.Agent.ProfileSchedule = "@every 6h"
	cfg.Nostr.Relays = []string{"wss://relay.damus.io", "wss://nos.lol"}
	cfg.Nostr.SettlementTimeout = 900
	cfg.Store.DSN = "file://" + filepath.Join(cfg.DataDir, "data")
	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.MaxTokens = 2000
	cfg.LLM.Temperature = 0.7
	cfg.LLM.MaxContextTokens = 128000
	cfg.LLM.OutputReserve = 4096
	cfg.HTTP.Listen = "127.0.0.1:8484"
	cfg.Telemetry.ServiceName = "nostragent"
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := defaults()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overrides file values from the environment (highest precedence).
func applyEnv(cfg *Config) {
	if v := os.Getenv("NOSTR_PRIVATE_KEY"); v != "" {
		cfg.Nostr.PrivateKey = v
	}
	if v := os.Getenv("NOSTR_RELAYS"); v != "" {
		var relays []string
		for _, r := range strings.Split(v, ",") {
			if r = strings.TrimSpace(r); r != "" {
				relays = append(relays, r)
			}
		}
		cfg.Nostr.Relays = relays
	}
	if v := os.Getenv("NWC_CONN_STR"); v != "" {
		cfg.Nostr.NWC = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("BRAVE_API_KEY"); v != "" {
		cfg.Brave.APIKey = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
	}
}

// Save writes cfg as indented JSON via a temp file and rename.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, append(data, '\n'))
}

func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap round-trips cfg through JSON, so numbers come back as float64.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues returns the flattened config, with secrets masked when mask
// is set.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue loads the config at path and returns the value at a dotted key.
func GetValue(path, key string) (any, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	flat, err := ListValues(cfg, false)
	if err != nil {
		return nil, err
	}
	// Keys set by hand that Config does not know about live only in the file.
	if v, ok := flat[key]; ok {
		return v, nil
	}
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	if v, ok := Flatten(raw)[key]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("unknown config key: %s", key)
}

// SetValue sets a dotted key in the file at path. The value is parsed as JSON
// when it can be (numbers, booleans, arrays) and stored as a string
// otherwise. The file must already exist.
func SetValue(path, key, value string) error {
	raw, err := readRaw(path)
	if err != nil {
		return err
	}

	flat := Flatten(raw)
	var v any
	if err := json.Unmarshal([]byte(value), &v); err != nil {
		v = value
		// A plain string for a list key, e.g. nostr.relays, is comma separated.
		if _, isList := flat[key].([]any); isList {
			var items []any
			for _, item := range strings.Split(value, ",") {
				if item = strings.TrimSpace(item); item != "" {
					items = append(items, item)
				}
			}
			v = items
		}
	}
	flat[key] = v
	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, append(data, '\n'))
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return raw, nil
}
