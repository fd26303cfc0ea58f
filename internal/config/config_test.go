package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseAppliesDefaults(t *testing.T) {
	m, err := Parse([]byte("acme:\n  prompts:\n    instructions: Be terse.\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c, ok := m.Lookup("acme")
	if !ok {
		t.Fatalf("tenant acme missing")
	}
	if c.Voice != DefaultVoice {
		t.Fatalf("voice default not applied: %q", c.Voice)
	}
	if c.Prompts.Instructions != "Be terse." {
		t.Fatalf("instructions lost: %q", c.Prompts.Instructions)
	}
	if c.InputAudioFormat != "pcm16" || c.OutputAudioFormat != "pcm16" {
		t.Fatalf("audio format defaults not applied")
	}
	if c.Temperature == nil || *c.Temperature != DefaultTemperature {
		t.Fatalf("temperature default not applied")
	}
	if c.ToolChoice != "auto" || c.MaxOutputTokens != "inf" {
		t.Fatalf("tool defaults not applied")
	}
	if c.Tools == nil {
		t.Fatalf("tools should default to an empty list")
	}
}

func TestParseJSONConfig(t *testing.T) {
	raw := []byte(`{"acme": {"voice": "verse", "temperature": 0.2, "turn_detection": {"type": "server_vad", "silence_duration_ms": 400}}}`)
	m, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c, _ := m.Lookup("acme")
	if c.Voice != "verse" {
		t.Fatalf("voice mismatch: %q", c.Voice)
	}
	if c.Temperature == nil || *c.Temperature != 0.2 {
		t.Fatalf("explicit temperature overridden")
	}
	if c.TurnDetection == nil || c.TurnDetection.Type != "server_vad" || c.TurnDetection.SilenceDurationMs != 400 {
		t.Fatalf("turn detection not parsed: %+v", c.TurnDetection)
	}
}

func TestParseEmptyTenantBlock(t *testing.T) {
	m, err := Parse([]byte("bare:\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c, ok := m.Lookup("bare")
	if !ok || c == nil {
		t.Fatalf("empty tenant block should produce a fully defaulted config")
	}
	if c.Voice != DefaultVoice || c.Prompts.Instructions == "" {
		t.Fatalf("defaults missing on empty block: %+v", c)
	}
}

func TestParseRejectsEmptyFile(t *testing.T) {
	if _, err := Parse([]byte("")); err == nil {
		t.Fatalf("expected error for empty config")
	}
}

func TestLookupUnknownTenant(t *testing.T) {
	m, err := Parse([]byte("acme:\n  voice: alloy\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, ok := m.Lookup("nobody"); ok {
		t.Fatalf("unknown tenant should not resolve")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tenants.yaml")
	if err := os.WriteFile(path, []byte("acme:\n  voice: echo\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c, _ := m.Lookup("acme"); c == nil || c.Voice != "echo" {
		t.Fatalf("file config not loaded")
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
