package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr    string         `yaml:"listen_addr"`
	DB            DBConfig       `yaml:"db"`
	DirectoryPath string         `yaml:"directory_path"`
	PolicyPath    string         `yaml:"policy_path"`
	Log           LogConfig      `yaml:"log"`
	Access        AccessConfig   `yaml:"access"`
	Workflow      WorkflowConfig `yaml:"workflow"`
	Notify        NotifyConfig   `yaml:"notify"`
	Auth          AuthConfig     `yaml:"auth"`
}

type DBConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type AccessConfig struct {
	BusinessHours     BusinessHoursConfig `yaml:"business_hours"`
	AllowedIPPrefixes []string            `yaml:"allowed_ip_prefixes"`

	// TrustProxy reads the client address from X-Forwarded-For / X-Real-IP.
	TrustProxy bool `yaml:"trust_proxy"`
}

type BusinessHoursConfig struct {
	Enabled bool   `yaml:"enabled"`
	Start   string `yaml:"start"`
	End     string `yaml:"end"`
}

type WorkflowConfig struct {
	// MissingApprover is "skip" (omit the step) or "fail".
	MissingApprover string `yaml:"missing_approver"`
}

type NotifyConfig struct {
	WebhookURL   string        `yaml:"webhook_url"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type AuthConfig struct {
	// Tokens maps bearer tokens to directory user ids.
	Tokens map[string]string `yaml:"tokens"`
}

const (
	DefaultHoursStart = "09:00"
	DefaultHoursEnd   = "18:00"
)

func Load(path string) (Config, error) {
	// #nosec G304 -- path is operator-provided config path.
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	expanded := os.ExpandEnv(string(raw))
	expanded = strings.ReplaceAll(expanded, "\r\n", "\n")

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	switch c.DB.Driver {
	case "", "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("db.driver %q is not supported", c.DB.Driver)
	}
	if c.DB.Driver != "" && c.DB.Driver != "memory" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required when db.driver is set")
	}

	switch c.Workflow.MissingApprover {
	case "", "skip", "fail":
	default:
		return fmt.Errorf("workflow.missing_approver must be skip or fail")
	}

	if c.Access.BusinessHours.Enabled {
		start, end, err := c.Access.BusinessHours.Window()
		if err != nil {
			return err
		}
		if start >= end {
			return fmt.Errorf("access.business_hours.start must be before end")
		}
	}

	if c.Notify.PollInterval < 0 {
		return fmt.Errorf("notify.poll_interval must not be negative")
	}

	return nil
}

// Window returns the configured hours as offsets from midnight, defaulting to 09:00-18:00.
func (b BusinessHoursConfig) Window() (time.Duration, time.Duration, error) {
	start, err := parseClock(firstNonEmpty(b.Start, DefaultHoursStart))
	if err != nil {
		return 0, 0, fmt.Errorf("access.business_hours.start: %w", err)
	}
	end, err := parseClock(firstNonEmpty(b.End, DefaultHoursEnd))
	if err != nil {
		return 0, 0, fmt.Errorf("access.business_hours.end: %w", err)
	}
	return start, end, nil
}

func parseClock(value string) (time.Duration, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", value)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
