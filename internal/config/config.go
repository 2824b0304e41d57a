package config

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models a project's delivery configuration, stored as YAML in the
// project_configs table and imported with `redress project config import`.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"project"`
	Council struct {
		Email string `yaml:"email"`
		// TestOverride redirects direct-pathway council mail while a
		// project is being set up. Empty means live sends.
		TestOverride string `yaml:"test_override"`
		Reference    string `yaml:"reference"`
	} `yaml:"council"`
	Sender struct {
		From    string `yaml:"from"`
		ReplyTo string `yaml:"reply_to"`
	} `yaml:"sender"`
	Review struct {
		DeadlineDays    int `yaml:"deadline_days"`
		ReminderLeadHrs int `yaml:"reminder_lead_hours"`
	} `yaml:"review"`
	Validator struct {
		MaxWords     int      `yaml:"max_words"`
		AllowedLinks []string `yaml:"allowed_links"`
	} `yaml:"validator"`
	Providers struct {
		// Order is the fallback preference, first entry tried first.
		Order []string `yaml:"order"`
	} `yaml:"providers"`
	Queue struct {
		BatchSize      int `yaml:"batch_size"`
		MaxRetries     int `yaml:"max_retries"`
		BackoffBaseMin int `yaml:"backoff_base_minutes"`
	} `yaml:"queue"`
	Admin struct {
		NotifyEmail string `yaml:"notify_email"`
	} `yaml:"admin"`
}

// Default returns a config with conservative defaults for a new project.
func Default(projectID string) *Config {
	cfg := &Config{}
	cfg.Project.ID = projectID
	cfg.Project.Name = projectID
	cfg.Sender.From = "submissions@redress.local"
	cfg.Review.DeadlineDays = 7
	cfg.Review.ReminderLeadHrs = 24
	cfg.Validator.MaxWords = 1000
	cfg.Providers.Order = []string{"primary", "fallback"}
	cfg.Queue.BatchSize = 10
	cfg.Queue.MaxRetries = 3
	cfg.Queue.BackoffBaseMin = 5
	return cfg
}

// FromYAML parses and validates raw config bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ToYAML serializes the config for export.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Council.Email != "" {
		if _, err := mail.ParseAddress(c.Council.Email); err != nil {
			return fmt.Errorf("config.council.email invalid: %w", err)
		}
	}
	if c.Council.TestOverride != "" {
		if _, err := mail.ParseAddress(c.Council.TestOverride); err != nil {
			return fmt.Errorf("config.council.test_override invalid: %w", err)
		}
	}
	if c.Sender.From == "" {
		return fmt.Errorf("config.sender.from is required")
	}
	if _, err := mail.ParseAddress(c.Sender.From); err != nil {
		return fmt.Errorf("config.sender.from invalid: %w", err)
	}
	if c.Review.DeadlineDays <= 0 {
		return fmt.Errorf("config.review.deadline_days must be positive")
	}
	if c.Validator.MaxWords <= 0 {
		return fmt.Errorf("config.validator.max_words must be positive")
	}
	for _, link := range c.Validator.AllowedLinks {
		if strings.TrimSpace(link) == "" {
			return fmt.Errorf("config.validator.allowed_links contains empty entry")
		}
	}
	if len(c.Providers.Order) == 0 {
		return fmt.Errorf("config.providers.order must name at least one provider")
	}
	seen := map[string]bool{}
	for _, name := range c.Providers.Order {
		if name == "" {
			return fmt.Errorf("config.providers.order contains empty name")
		}
		if seen[name] {
			return fmt.Errorf("config.providers.order repeats %s", name)
		}
		seen[name] = true
	}
	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("config.queue.batch_size must be positive")
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("config.queue.max_retries must not be negative")
	}
	if c.Queue.BackoffBaseMin <= 0 {
		return fmt.Errorf("config.queue.backoff_base_minutes must be positive")
	}
	return nil
}

// CouncilRecipient returns the address council mail goes to, honouring the
// test override for the direct pathway.
func (c *Config) CouncilRecipient() string {
	if c.Council.TestOverride != "" {
		return c.Council.TestOverride
	}
	return c.Council.Email
}

// ReviewDeadline computes the review deadline from a start time.
func (c *Config) ReviewDeadline(start time.Time) time.Time {
	days := c.Review.DeadlineDays
	if days <= 0 {
		days = 7
	}
	return start.AddDate(0, 0, days)
}

// ReminderLead is how long before the deadline the reminder goes out.
func (c *Config) ReminderLead() time.Duration {
	hrs := c.Review.ReminderLeadHrs
	if hrs <= 0 {
		hrs = 24
	}
	return time.Duration(hrs) * time.Hour
}
