package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	DataDir          string `json:"data_dir"`
	LogLevel         string `json:"log_level" validate:"omitempty,oneof=debug info warn error"`
	MaxIterations    int    `json:"max_iterations" validate:"gte=1,lte=1000"`
	ToolParallelism  int    `json:"tool_parallelism" validate:"gte=1,lte=64"`
	SystemPromptPath string `json:"system_prompt_path"`
	Bus              struct {
		Capacity           int   `json:"capacity" validate:"gte=1"`
		HandlerConcurrency int64 `json:"handler_concurrency" validate:"gte=1"`
	} `json:"bus"`
	LLM struct {
		Provider          string  `json:"provider" validate:"oneof=openai"`
		BaseURL           string  `json:"base_url" validate:"omitempty,url"`
		APIKey            string  `json:"api_key"`
		Model             string  `json:"model" validate:"required"`
		MaxTokens         int     `json:"max_tokens" validate:"gte=1"`
		Temperature       float32 `json:"temperature" validate:"gte=0,lte=2"`
		Stream            bool    `json:"stream"`
		NativeTools       bool    `json:"native_tools"`
		TimeoutSeconds    int     `json:"timeout_seconds" validate:"gte=1"`
		RequestsPerMinute int     `json:"requests_per_minute" validate:"gte=0"`
	} `json:"llm"`
	Context struct {
		MaxContextTokens int    `json:"max_context_tokens" validate:"gte=256"`
		OutputReserve    int    `json:"output_reserve" validate:"gte=0,ltfield=MaxContextTokens"`
		SummaryFrequency int    `json:"summary_frequency" validate:"gte=0"`
		PruningStrategy  string `json:"pruning_strategy" validate:"oneof=none drop_oldest summarize"`
		PinnedIndices    []int  `json:"pinned_indices" validate:"dive,gte=0"`
		AutoPrune        bool   `json:"auto_prune"`
	} `json:"context"`
	Executor struct {
		MaxOutputBytes             int  `json:"max_output_bytes" validate:"gte=256"`
		ConfirmationTimeoutSeconds int  `json:"confirmation_timeout_seconds" validate:"gte=1"`
		PollIntervalMS             int  `json:"poll_interval_ms" validate:"gte=1"`
		SuppressDuplicateCalls     bool `json:"suppress_duplicate_calls"`
	} `json:"executor"`
	Tools struct {
		Shell       string `json:"shell"`
		BraveAPIKey string `json:"brave_api_key"`
	} `json:"tools"`
	Safety struct {
		PolicyPath string `json:"policy_path"`
	} `json:"safety"`
	Checkpoint struct {
		Path     string `json:"path"`
		Schedule string `json:"schedule"`
		Restore  bool   `json:"restore"`
	} `json:"checkpoint"`
	Journal struct {
		Enabled bool `json:"enabled"`
	} `json:"journal"`
	Telegram struct {
		Token  string `json:"token"`
		ChatID int64  `json:"chat_id"`
	} `json:"telegram"`
	HTTP struct {
		Enabled bool   `json:"enabled"`
		Listen  string `json:"listen" validate:"omitempty,hostname_port"`
	} `json:"http"`
}

// Default returns a Config holding every built-in default.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills zero-valued fields.
func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(os.Getenv("HOME"), ".clawterm")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = 25
	}
	if cfg.ToolParallelism == 0 {
		cfg.ToolParallelism = 4
	}
	if cfg.Bus.Capacity == 0 {
		cfg.Bus.Capacity = 256
	}
	if cfg.Bus.HandlerConcurrency == 0 {
		cfg.Bus.HandlerConcurrency = 16
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o-mini"
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 2000
	}
	if cfg.LLM.TimeoutSeconds == 0 {
		cfg.LLM.TimeoutSeconds = 120
	}
	if cfg.Context.MaxContextTokens == 0 {
		cfg.Context.MaxContextTokens = 128000
	}
	if cfg.Context.OutputReserve == 0 {
		cfg.Context.OutputReserve = 4096
	}
	if cfg.Context.PruningStrategy == "" {
		cfg.Context.PruningStrategy = "none"
	}
	if cfg.Executor.MaxOutputBytes == 0 {
		cfg.Executor.MaxOutputBytes = 64 * 1024
	}
	if cfg.Executor.ConfirmationTimeoutSeconds == 0 {
		cfg.Executor.ConfirmationTimeoutSeconds = 120
	}
	if cfg.Executor.PollIntervalMS == 0 {
		cfg.Executor.PollIntervalMS = 50
	}
	if cfg.Tools.Shell == "" {
		cfg.Tools.Shell = "bash"
	}
	if cfg.HTTP.Listen == "" {
		cfg.HTTP.Listen = "127.0.0.1:8484"
	}
}

// PolicyPath and CheckpointPath resolve relative paths against DataDir.

func (c *Config) PolicyPath() string {
	return c.resolve(c.Safety.PolicyPath, "policy.yaml")
}

func (c *Config) CheckpointPath() string {
	return c.resolve(c.Checkpoint.Path, "checkpoint.json")
}

func (c *Config) PIDPath() string {
	return filepath.Join(c.DataDir, "clawterm.pid")
}

func (c *Config) resolve(p, def string) string {
	if p == "" {
		return filepath.Join(c.DataDir, def)
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(os.Getenv("HOME"), p[2:])
	}
	if !filepath.IsAbs(p) {
		return filepath.Join(c.DataDir, p)
	}
	return p
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and reports every violation at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", jsonPath(fe.Namespace()), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// jsonPath turns a validator namespace like Config.LLM.MaxTokens into the
// dotted key a user would pass to "config set".
func jsonPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 0 && parts[0] == "Config" {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = snake(p)
	}
	return strings.Join(parts, ".")
}

func snake(s string) string {
	var b strings.Builder
	for i, r := range s {
		upper := r >= 'A' && r <= 'Z'
		if upper && i > 0 {
			prevLower := s[i-1] >= 'a' && s[i-1] <= 'z'
			nextLower := i+1 < len(s) && s[i+1] >= 'a' && s[i+1] <= 'z'
			if prevLower || nextLower {
				b.WriteByte('_')
			}
		}
		if upper {
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func Load(path string) (*Config, error) {
	cfg := &Config{}

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		applyDefaults(cfg)
	} else if os.IsNotExist(err) {
		applyDefaults(cfg)
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	} else {
		return nil, fmt.Errorf("stat config: %w", err)
	}

	// Override from env (highest precedence)
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}
	if model := os.Getenv("CLAWTERM_MODEL"); model != "" {
		cfg.LLM.Model = model
	}
	if braveKey := os.Getenv("BRAVE_API_KEY"); braveKey != "" {
		cfg.Tools.BraveAPIKey = braveKey
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}
	if level := os.Getenv("CLAWTERM_LOG_LEVEL"); level != "" {
		cfg.LogLevel = strings.ToLower(level)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, append(data, '\n'))
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
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

// ToMap converts cfg into the nested map its JSON form decodes to.
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

// ListValues returns cfg as dot-separated keys, optionally masking secrets.
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

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return m, nil
}

// GetValue returns the value stored under a dot-separated key. A missing
// file is created with defaults first.
func GetValue(path, key string) (any, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if _, err := Load(path); err != nil {
			return nil, err
		}
	}
	m, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(m)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under a dot-separated key. Values that parse as
// JSON (numbers, booleans, arrays) are stored typed; anything else is a
// string. The result must still validate.
func SetValue(path, key, value string) error {
	m, err := readRaw(path)
	if err != nil {
		return err
	}

	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}
	flat := Flatten(m)
	flat[key] = parsed
	nested := Unflatten(flat)

	data, err := json.MarshalIndent(nested, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	var check Config
	if err := json.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	applyDefaults(&check)
	if err := check.Validate(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return writeFile(path, append(data, '\n'))
}
