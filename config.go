package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	FormURL string `yaml:"form_url"`

	ChromePath  string   `yaml:"chrome_path"`
	DebugPort   int      `yaml:"debug_port"`
	ProfileDir  string   `yaml:"profile_dir"`
	PIDFile     string   `yaml:"pid_file"`
	Headless    bool     `yaml:"headless"`
	Stealth     bool     `yaml:"stealth"`
	ExtraFlags  []string `yaml:"extra_flags"`
	BrowserIDs  []string `yaml:"browser_ids"`
	ProcessName []string `yaml:"process_names"`

	ProbeTimeout       time.Duration `yaml:"probe_timeout"`
	PollAttempts       int           `yaml:"poll_attempts"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	LivenessGraceTicks int           `yaml:"liveness_grace_ticks"`
	ConflictGrace      time.Duration `yaml:"conflict_grace"`

	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
	StepTimeout       time.Duration `yaml:"step_timeout"`
	ExistsCheckWindow time.Duration `yaml:"exists_check_window"`
	PostSubmitWait    time.Duration `yaml:"post_submit_wait"`
	Cooldown          time.Duration `yaml:"cooldown"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	MaxRetries        int           `yaml:"max_retries"` // 0 = unlimited

	EvidencePath    string `yaml:"evidence_path"`
	FinalScreenshot string `yaml:"final_screenshot"`

	MetricsAddr string `yaml:"metrics_addr"`
	DebugMode   bool   `yaml:"debug_mode"`

	Selectors SelectorConfig `yaml:"selectors"`
	Values    FormValues     `yaml:"values"`
}

// SelectorConfig lists ordered CSS candidates per form element; the first match wins.
type SelectorConfig struct {
	CodeInput         []string `yaml:"code_input"`
	CheckButton       []string `yaml:"check_button"`
	CodeExists        []string `yaml:"code_exists"`
	CodeInfo          []string `yaml:"code_info"`
	DiscountType      []string `yaml:"discount_type"`
	PercentageInput   []string `yaml:"percentage_input"`
	TargetSelect      []string `yaml:"target_select"`
	RestrictionSelect []string `yaml:"restriction_select"`
	EvidenceInput     []string `yaml:"evidence_input"`
	FinalContinue     []string `yaml:"final_continue"`
	SubmitButton      []string `yaml:"submit_button"`
}

// FormValues are the option values picked in the form's select elements.
type FormValues struct {
	DiscountType string `yaml:"discount_type"`
	Target       string `yaml:"target"`
	Restriction  string `yaml:"restriction"`
}

func DefaultConfig() *Config {
	tmp := os.TempDir()

	return &Config{
		FormURL:            "https://simplycodes.com/editor/add/fitzgerald",
		DebugPort:          9222,
		ProfileDir:         filepath.Join(tmp, "couponpilot-chrome-profile"),
		PIDFile:            filepath.Join(tmp, "couponpilot-chrome.pid"),
		Headless:           false,
		Stealth:            false,
		BrowserIDs:         []string{"Chrome", "Chromium"},
		ProcessName:        defaultProcessNames(),
		ProbeTimeout:       2 * time.Second,
		PollAttempts:       30,
		PollInterval:       2 * time.Second,
		LivenessGraceTicks: 3,
		ConflictGrace:      5 * time.Second,
		NavigationTimeout:  30 * time.Second,
		StepTimeout:        3 * time.Second,
		ExistsCheckWindow:  2 * time.Second,
		PostSubmitWait:     60 * time.Second,
		Cooldown:           60 * time.Second,
		RetryBackoff:       5 * time.Second,
		MaxRetries:         0,
		EvidencePath:       "cap-util.png",
		FinalScreenshot:    "couponpilot-final.png",
		DebugMode:          false,
		Selectors: SelectorConfig{
			CodeInput:         []string{`input[name="code"]`},
			CheckButton:       []string{"#check-code", `span[class*="pointer"][id*="check"]`, "span.gr8.fs15.pointer"},
			CodeExists:        []string{"#code-exists"},
			CodeInfo:          []string{"#code-info"},
			DiscountType:      []string{`select[name="type"]`},
			PercentageInput:   []string{"#type-pct-input"},
			TargetSelect:      []string{`select[name="what"]`},
			RestrictionSelect: []string{`select[name="restrictions"]`},
			EvidenceInput:     []string{"#screenshot-valid"},
			FinalContinue:     []string{"span.btn.btn--grey.btn--s1.preview-title.pointer"},
			SubmitButton:      []string{"#submit"},
		},
		Values: FormValues{
			DiscountType: "type-pct",
			Target:       "what-sw",
			Restriction:  "restrictions-card",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := config.Save(path); err != nil {
			return nil, err
		}
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return config, nil
}

// Validate rejects settings the acquirer or workflow cannot run with.
func (c *Config) Validate() error {
	if c.FormURL == "" {
		return errors.New("form_url is required")
	}
	if c.DebugPort < 1 || c.DebugPort > 65535 {
		return fmt.Errorf("debug_port %d out of range", c.DebugPort)
	}
	if c.PollAttempts < 1 {
		return errors.New("poll_attempts must be at least 1")
	}
	if c.PollInterval <= 0 || c.StepTimeout <= 0 || c.NavigationTimeout <= 0 {
		return errors.New("timeouts and poll_interval must be positive")
	}
	if c.MaxRetries < 0 {
		return errors.New("max_retries must not be negative")
	}

	required := map[string][]string{
		"code_input":         c.Selectors.CodeInput,
		"check_button":       c.Selectors.CheckButton,
		"code_exists":        c.Selectors.CodeExists,
		"code_info":          c.Selectors.CodeInfo,
		"discount_type":      c.Selectors.DiscountType,
		"percentage_input":   c.Selectors.PercentageInput,
		"target_select":      c.Selectors.TargetSelect,
		"restriction_select": c.Selectors.RestrictionSelect,
		"evidence_input":     c.Selectors.EvidenceInput,
		"final_continue":     c.Selectors.FinalContinue,
		"submit_button":      c.Selectors.SubmitButton,
	}
	for name, list := range required {
		if len(list) == 0 {
			return fmt.Errorf("selectors.%s needs at least one candidate", name)
		}
	}
	return nil
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
