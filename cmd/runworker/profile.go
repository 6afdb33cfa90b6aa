package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/animus-labs/runqueue/internal/domain"
	"github.com/animus-labs/runqueue/internal/platform/env"
	"github.com/animus-labs/runqueue/internal/workerclient"
	"gopkg.in/yaml.v3"
)

// Profile is the worker's YAML configuration.
type Profile struct {
	BaseURL         string   `yaml:"base_url"`
	WorkerID        string   `yaml:"worker_id"`
	Token           string   `yaml:"token,omitempty"`
	TokenFile       string   `yaml:"token_file,omitempty"`
	ScheduleModes   []string `yaml:"schedule_modes,omitempty"`
	Lease           Duration `yaml:"lease,omitempty"`
	PollInterval    Duration `yaml:"poll_interval,omitempty"`
	MaxBackoff      Duration `yaml:"max_backoff,omitempty"`
	ClaimsPerSecond float64  `yaml:"claims_per_second,omitempty"`
	RequestTimeout  Duration `yaml:"request_timeout,omitempty"`
	Command         []string `yaml:"command"`
	Env             []string `yaml:"env,omitempty"`
	Timeout         Duration `yaml:"timeout,omitempty"`
}

// Duration accepts Go duration strings ("45s", "5m") in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", node.Line, err)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func ParseProfile(input []byte) (Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(input, &p); err != nil {
		return Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	return p, nil
}

func LoadProfile(path string) (Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	return ParseProfile(raw)
}

// ApplyEnv lets the environment override connection settings so one profile
// can serve several worker instances.
func (p *Profile) ApplyEnv() {
	p.BaseURL = env.String("RUNQUEUE_BASE_URL", p.BaseURL)
	p.WorkerID = env.String("RUNQUEUE_WORKER_ID", p.WorkerID)
	p.Token = env.String("RUNQUEUE_WORKER_TOKEN", p.Token)
	p.TokenFile = env.String("RUNQUEUE_WORKER_TOKEN_FILE", p.TokenFile)
	p.ScheduleModes = env.CSV("RUNQUEUE_SCHEDULE_MODES", p.ScheduleModes)
}

func (p Profile) Validate() error {
	if strings.TrimSpace(p.BaseURL) == "" {
		return errors.New("base_url is required")
	}
	if strings.TrimSpace(p.WorkerID) == "" {
		return errors.New("worker_id is required")
	}
	if len(p.Command) == 0 || strings.TrimSpace(p.Command[0]) == "" {
		return errors.New("command is required")
	}
	if _, err := domain.ParseScheduleModes(p.ScheduleModes); err != nil {
		return fmt.Errorf("schedule_modes: %w", err)
	}
	for name, d := range map[string]Duration{
		"lease":           p.Lease,
		"poll_interval":   p.PollInterval,
		"max_backoff":     p.MaxBackoff,
		"request_timeout": p.RequestTimeout,
		"timeout":         p.Timeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must be >= 0", name)
		}
	}
	if p.ClaimsPerSecond < 0 {
		return errors.New("claims_per_second must be >= 0")
	}
	for _, kv := range p.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("env entry %q must be KEY=VALUE", kv)
		}
	}
	return nil
}

// ResolveToken returns the inline token, or the trimmed contents of token_file.
func (p Profile) ResolveToken() (string, error) {
	if token := strings.TrimSpace(p.Token); token != "" {
		return token, nil
	}
	if strings.TrimSpace(p.TokenFile) == "" {
		return "", nil
	}
	raw, err := os.ReadFile(p.TokenFile)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func (p Profile) PollerConfig() workerclient.PollerConfig {
	return workerclient.PollerConfig{
		ScheduleModes:   p.ScheduleModes,
		Lease:           time.Duration(p.Lease),
		PollInterval:    time.Duration(p.PollInterval),
		MaxBackoff:      time.Duration(p.MaxBackoff),
		ClaimsPerSecond: p.ClaimsPerSecond,
	}
}

func (p Profile) Executor() workerclient.CommandExecutor {
	return workerclient.CommandExecutor{
		Command: p.Command,
		Env:     p.Env,
		Timeout: time.Duration(p.Timeout),
	}
}
