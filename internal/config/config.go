package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// Defaults applied to tenant fields left unset in the config file. The
// relay never forwards an unset required field upstream, so every field
// here has a concrete fallback.
const (
	DefaultVoice              = "alloy"
	DefaultInstructions       = "You are a helpful voice assistant."
	DefaultAudioFormat        = "pcm16"
	DefaultTranscriptionModel = "whisper-1"
	DefaultTemperature        = 0.8
	DefaultToolChoice         = "auto"
	DefaultMaxOutputTokens    = "inf"
)

// TurnDetection holds the upstream VAD configuration for a tenant. A nil
// TurnDetection leaves turn detection to the upstream default.
type TurnDetection struct {
	Type              string  `yaml:"type" json:"type,omitempty"`
	Threshold         float64 `yaml:"threshold" json:"threshold,omitempty"`
	PrefixPaddingMs   int     `yaml:"prefix_padding_ms" json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `yaml:"silence_duration_ms" json:"silence_duration_ms,omitempty"`
}

// Tool declares a callable function exposed to the upstream model. The
// names must match handlers registered in the side-effect registry.
type Tool struct {
	Type        string         `yaml:"type" json:"type,omitempty"`
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description,omitempty"`
	Parameters  map[string]any `yaml:"parameters" json:"parameters,omitempty"`
}

// Prompts groups the prompt material for a tenant. Kept as a nested block
// so config files stay readable when instructions grow long.
type Prompts struct {
	Instructions string `yaml:"instructions"`
}

// TenantConfig is the static per-tenant session shape sent upstream when a
// relay session is opened.
type TenantConfig struct {
	Voice              string         `yaml:"voice"`
	Prompts            Prompts        `yaml:"prompts"`
	TurnDetection      *TurnDetection `yaml:"turn_detection"`
	InputAudioFormat   string         `yaml:"input_audio_format"`
	OutputAudioFormat  string         `yaml:"output_audio_format"`
	TranscriptionModel string         `yaml:"transcription_model"`
	Temperature        *float64       `yaml:"temperature"`
	ToolChoice         string         `yaml:"tool_choice"`
	Tools              []Tool         `yaml:"tools"`
	MaxOutputTokens    string         `yaml:"max_response_output_tokens"`
}

// applyDefaults fills every unset field so downstream code never has to
// guard against zero values.
func (c *TenantConfig) applyDefaults() {
	if c.Voice == "" {
		c.Voice = DefaultVoice
	}
	if c.Prompts.Instructions == "" {
		c.Prompts.Instructions = DefaultInstructions
	}
	if c.InputAudioFormat == "" {
		c.InputAudioFormat = DefaultAudioFormat
	}
	if c.OutputAudioFormat == "" {
		c.OutputAudioFormat = DefaultAudioFormat
	}
	if c.TranscriptionModel == "" {
		c.TranscriptionModel = DefaultTranscriptionModel
	}
	if c.Temperature == nil {
		t := DefaultTemperature
		c.Temperature = &t
	}
	if c.ToolChoice == "" {
		c.ToolChoice = DefaultToolChoice
	}
	if c.Tools == nil {
		c.Tools = []Tool{}
	}
	if c.MaxOutputTokens == "" {
		c.MaxOutputTokens = DefaultMaxOutputTokens
	}
}

// Map is the static tenant → TenantConfig mapping loaded once at process
// start.
type Map map[string]*TenantConfig

// Lookup returns the configuration for a tenant, or false when the tenant
// is unknown. Unknown tenants are rejected before any upstream connection
// is attempted.
func (m Map) Lookup(tenant string) (*TenantConfig, bool) {
	c, ok := m[tenant]
	return c, ok
}

// Load reads the tenant configuration file at path. Both YAML and JSON
// files parse (JSON is a YAML subset). Defaults are applied per tenant.
func Load(path string) (Map, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tenant config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes tenant configuration bytes and applies per-field defaults.
func Parse(raw []byte) (Map, error) {
	var m Map
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parsing tenant config: %w", err)
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("tenant config declares no tenants")
	}
	for tenant, c := range m {
		if c == nil {
			c = &TenantConfig{}
			m[tenant] = c
		}
		c.applyDefaults()
	}
	return m, nil
}
