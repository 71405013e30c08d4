package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	if config.DebugPort != 9222 {
		t.Errorf("Expected DebugPort to be 9222, got %d", config.DebugPort)
	}
	if config.PollAttempts != 30 || config.PollInterval != 2*time.Second {
		t.Errorf("Expected 30 polls every 2s, got %d every %v", config.PollAttempts, config.PollInterval)
	}
	if config.Cooldown != 60*time.Second {
		t.Errorf("Expected Cooldown to be 60s, got %v", config.Cooldown)
	}
	if config.ExistsCheckWindow != 2*time.Second {
		t.Errorf("Expected ExistsCheckWindow to be 2s, got %v", config.ExistsCheckWindow)
	}
	if config.MaxRetries != 0 {
		t.Errorf("Expected unlimited retries (0), got %d", config.MaxRetries)
	}
	if config.Headless {
		t.Error("Expected Headless to be false")
	}
	if config.EvidencePath != "cap-util.png" {
		t.Errorf("Expected EvidencePath cap-util.png, got %s", config.EvidencePath)
	}
	if config.Values.DiscountType != "type-pct" || config.Values.Target != "what-sw" || config.Values.Restriction != "restrictions-card" {
		t.Errorf("Unexpected form values: %+v", config.Values)
	}
	if len(config.Selectors.CodeExists) == 0 || config.Selectors.CodeExists[0] != "#code-exists" {
		t.Errorf("Unexpected code_exists selectors: %v", config.Selectors.CodeExists)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Default config should validate: %v", err)
	}
}

func TestConfigSaveAndLoad(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "test-config.yaml")

	config := DefaultConfig()
	config.FormURL = "https://example.test/editor/add/shop"
	config.DebugPort = 9223
	config.Headless = true
	config.Cooldown = 90 * time.Second
	config.ExtraFlags = []string{"--lang=es"}

	if err := config.Save(configPath); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "cooldown: 1m30s") {
		t.Errorf("Expected durations to be written as strings, got:\n%s", data)
	}

	loaded, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if loaded.FormURL != config.FormURL {
		t.Errorf("Expected FormURL %s, got %s", config.FormURL, loaded.FormURL)
	}
	if loaded.DebugPort != 9223 {
		t.Errorf("Expected DebugPort 9223, got %d", loaded.DebugPort)
	}
	if !loaded.Headless {
		t.Error("Expected Headless to be true")
	}
	if loaded.Cooldown != 90*time.Second {
		t.Errorf("Expected Cooldown 90s, got %v", loaded.Cooldown)
	}
	if len(loaded.ExtraFlags) != 1 || loaded.ExtraFlags[0] != "--lang=es" {
		t.Errorf("Unexpected ExtraFlags: %v", loaded.ExtraFlags)
	}
}

func TestLoadConfigCreatesDefaultFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	config, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if config.DebugPort != 9222 {
		t.Errorf("Expected default port, got %d", config.DebugPort)
	}
	if _, err := os.Stat(configPath); err != nil {
		t.Errorf("Expected config file to be created: %v", err)
	}
}

func TestLoadConfigPartialKeepsDefaults(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	content := "debug_port: 9223\nstep_timeout: 5s\n"
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	config, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if config.DebugPort != 9223 {
		t.Errorf("Expected port 9223, got %d", config.DebugPort)
	}
	if config.StepTimeout != 5*time.Second {
		t.Errorf("Expected step timeout 5s, got %v", config.StepTimeout)
	}
	if config.Cooldown != 60*time.Second {
		t.Errorf("Expected default cooldown to survive, got %v", config.Cooldown)
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("debug_port: [not a port\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadConfig(configPath); err == nil {
		t.Error("Expected an error for invalid YAML")
	}
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty form url", func(c *Config) { c.FormURL = "" }, "form_url"},
		{"port zero", func(c *Config) { c.DebugPort = 0 }, "debug_port"},
		{"port too high", func(c *Config) { c.DebugPort = 70000 }, "debug_port"},
		{"no poll attempts", func(c *Config) { c.PollAttempts = 0 }, "poll_attempts"},
		{"zero step timeout", func(c *Config) { c.StepTimeout = 0 }, "positive"},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, "max_retries"},
		{"no submit selector", func(c *Config) { c.Selectors.SubmitButton = nil }, "submit_button"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			config := DefaultConfig()
			tc.mutate(config)
			err := config.Validate()
			if err == nil {
				t.Fatal("Expected a validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Expected error mentioning %q, got %v", tc.wantErr, err)
			}
		})
	}
}
