package adapter

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Model variants every adapter maps onto its tool's own model names.
const (
	ModelFast     = "fast"
	ModelBalanced = "balanced"
	ModelDeep     = "deep"
)

// DefaultBlockedCommands are destructive shell patterns refused by
// default regardless of session policy.
var DefaultBlockedCommands = []string{
	"rm -rf /",
	"rm -rf ~",
	"mkfs",
	"dd if=",
	":(){ :|:& };:",
	"> /dev/sd",
	"chmod -R 777 /",
	"shutdown",
	"reboot",
}

// Settings are the tool-facing knobs of an adapter config.
type Settings struct {
	Model         string   `yaml:"model,omitempty" json:"model,omitempty"`
	Temperature   *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	DangerousMode bool     `yaml:"dangerous_mode,omitempty" json:"dangerousMode,omitempty"`
	// DisableNetwork declares the tool must run offline. Adapters whose
	// tool cannot work without network access refuse to execute under it.
	DisableNetwork bool `yaml:"disable_network,omitempty" json:"disableNetwork,omitempty"`
}

// SecurityConfig are the adapter-level policy limits, merged with the
// session's restrictions at execute time.
type SecurityConfig struct {
	AllowedPaths    []string `yaml:"allowed_paths,omitempty" json:"allowedPaths,omitempty"`
	BlockedCommands []string `yaml:"blocked_commands,omitempty" json:"blockedCommands,omitempty"`
	TimeoutMS       int64    `yaml:"timeout_ms,omitempty" json:"timeout,omitempty"`
	MaxMemory       int64    `yaml:"max_memory,omitempty" json:"maxMemory,omitempty"`
}

// Timeout returns the configured timeout as a duration.
func (s SecurityConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// Config is an adapter's configuration, loaded once at initialization.
type Config struct {
	Name     string         `yaml:"name" json:"name"`
	Enabled  bool           `yaml:"enabled" json:"enabled"`
	Settings Settings       `yaml:"settings" json:"settings"`
	Security SecurityConfig `yaml:"security" json:"security"`
}

// LoadConfig reads an adapter config from a YAML file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read adapter config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse adapter config %s: %w", path, err)
	}
	return cfg, nil
}

// FieldSchema describes one config field.
type FieldSchema struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"` // "string", "bool", "number"
	Required    bool     `json:"required"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
}

// ConfigSchema is the declarative shape description of an adapter's
// configuration.
type ConfigSchema struct {
	Fields []FieldSchema `json:"fields"`
}

// FieldError is one validation problem, addressed to a config field so
// callers can render field-level feedback.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationResult reports a structural config check. Validation never
// throws; it reports ok plus the complete error list.
type ValidationResult struct {
	OK     bool         `json:"ok"`
	Errors []FieldError `json:"errors,omitempty"`
}

func (r *ValidationResult) add(field, message string) {
	r.Errors = append(r.Errors, FieldError{Field: field, Message: message})
}

// baseConfigSchema is the shape shared by all adapters.
func baseConfigSchema() ConfigSchema {
	zero, one := 0.0, 1.0
	return ConfigSchema{Fields: []FieldSchema{
		{Name: "name", Type: "string", Required: true, Description: "Adapter name"},
		{Name: "enabled", Type: "bool", Required: false, Description: "Whether the adapter may execute"},
		{Name: "settings.model", Type: "string", Required: false, Enum: []string{ModelFast, ModelBalanced, ModelDeep}},
		{Name: "settings.temperature", Type: "number", Required: false, Min: &zero, Max: &one},
		{Name: "settings.dangerous_mode", Type: "bool", Required: false},
		{Name: "settings.disable_network", Type: "bool", Required: false},
		{Name: "security.allowed_paths", Type: "string[]", Required: false},
		{Name: "security.blocked_commands", Type: "string[]", Required: false},
		{Name: "security.timeout_ms", Type: "number", Required: false, Min: &zero},
		{Name: "security.max_memory", Type: "number", Required: false, Min: &zero},
	}}
}

// validateConfig is the shared structural check behind ValidateConfig.
func validateConfig(cfg Config) ValidationResult {
	res := ValidationResult{}

	if cfg.Name == "" {
		res.add("name", "name is required")
	}
	switch cfg.Settings.Model {
	case "", ModelFast, ModelBalanced, ModelDeep:
	default:
		res.add("settings.model", fmt.Sprintf("must be one of %s, %s, %s", ModelFast, ModelBalanced, ModelDeep))
	}
	if t := cfg.Settings.Temperature; t != nil && (*t < 0 || *t > 1) {
		res.add("settings.temperature", "must be between 0 and 1")
	}
	if cfg.Security.TimeoutMS < 0 {
		res.add("security.timeout_ms", "must not be negative")
	}
	if cfg.Security.MaxMemory < 0 {
		res.add("security.max_memory", "must not be negative")
	}

	res.OK = len(res.Errors) == 0
	return res
}
