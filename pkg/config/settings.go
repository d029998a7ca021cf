package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	StoreDriverMemory = "memory"
	StoreDriverYAML   = "yaml"
	StoreDriverSQLite = "sqlite"
)

const (
	DefaultBaseURL         = "http://localhost:8000"
	DefaultUserID          = "user123"
	DefaultCategory        = "manual"
	DefaultGreeting        = "Hello! How can I help you?"
	DefaultHealthInterval  = 30 * time.Second
	DefaultProbeTimeout    = 3 * time.Second
	DefaultSaveTimeout     = 5 * time.Second
	DefaultTitleTimeout    = 5 * time.Second
	DefaultSettingsTimeout = 3 * time.Second
	DefaultChatTimeout     = 90 * time.Second
)

type StoreSettings struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
	Path   string `yaml:"path,omitempty" mapstructure:"path"`
}

// Settings are the policy constants of the sync engine. None of the timeouts
// are protocol requirements.
type Settings struct {
	BaseURL string `yaml:"base-url" mapstructure:"base-url"`
	UserID  string `yaml:"user-id" mapstructure:"user-id"`

	DefaultCategory string `yaml:"default-category" mapstructure:"default-category"`
	Greeting        string `yaml:"greeting" mapstructure:"greeting"`
	// SQLMode routes submits to the SQL-and-LLM endpoint instead of the chat endpoint.
	SQLMode bool `yaml:"sql-mode" mapstructure:"sql-mode"`

	HealthInterval  time.Duration `yaml:"health-interval" mapstructure:"health-interval"`
	ProbeTimeout    time.Duration `yaml:"probe-timeout" mapstructure:"probe-timeout"`
	SaveTimeout     time.Duration `yaml:"save-timeout" mapstructure:"save-timeout"`
	TitleTimeout    time.Duration `yaml:"title-timeout" mapstructure:"title-timeout"`
	SettingsTimeout time.Duration `yaml:"settings-timeout" mapstructure:"settings-timeout"`
	ChatTimeout     time.Duration `yaml:"chat-timeout" mapstructure:"chat-timeout"`

	Store StoreSettings `yaml:"store" mapstructure:"store"`
}

func NewSettings() *Settings {
	return &Settings{
		BaseURL:         DefaultBaseURL,
		UserID:          DefaultUserID,
		DefaultCategory: DefaultCategory,
		Greeting:        DefaultGreeting,
		HealthInterval:  DefaultHealthInterval,
		ProbeTimeout:    DefaultProbeTimeout,
		SaveTimeout:     DefaultSaveTimeout,
		TitleTimeout:    DefaultTitleTimeout,
		SettingsTimeout: DefaultSettingsTimeout,
		ChatTimeout:     DefaultChatTimeout,
		Store: StoreSettings{
			Driver: StoreDriverSQLite,
			Path:   DefaultStorePath(),
		},
	}
}

// DefaultStorePath lives in the user config dir, falling back to the working
// directory when no config dir can be determined.
func DefaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "chatsync.db"
	}
	return filepath.Join(dir, "chatsync", "chatsync.db")
}

func (s *Settings) Clone() *Settings {
	return clone.Clone(s).(*Settings)
}

func (s *Settings) Validate() error {
	if strings.TrimSpace(s.BaseURL) == "" {
		return errors.New("base-url is required")
	}
	timeouts := map[string]time.Duration{
		"health-interval":  s.HealthInterval,
		"probe-timeout":    s.ProbeTimeout,
		"save-timeout":     s.SaveTimeout,
		"title-timeout":    s.TitleTimeout,
		"settings-timeout": s.SettingsTimeout,
		"chat-timeout":     s.ChatTimeout,
	}
	for name, d := range timeouts {
		if d <= 0 {
			return errors.Errorf("%s must be positive, got %s", name, d)
		}
	}
	switch s.Store.Driver {
	case StoreDriverMemory:
	case StoreDriverYAML, StoreDriverSQLite:
		if s.Store.Path == "" {
			return errors.Errorf("store.path is required for driver %s", s.Store.Driver)
		}
	default:
		return errors.Errorf("unknown store driver %q", s.Store.Driver)
	}
	return nil
}

// ChatEndpoint returns the streaming endpoint path for the configured mode.
func (s *Settings) ChatEndpoint() string {
	if s.SQLMode {
		return "/api/sql-and-llm"
	}
	return "/api/chat"
}

// LoadFile reads settings from a YAML file on top of the defaults.
func LoadFile(path string) (*Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "could not read config file")
	}
	s := NewSettings()
	if err := yaml.Unmarshal(b, s); err != nil {
		return nil, errors.Wrapf(err, "could not parse config file %s", path)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// FromViper overlays the values known to viper (config file, environment,
// bound flags) on top of the defaults.
func FromViper(v *viper.Viper) (*Settings, error) {
	s := NewSettings()
	if err := v.Unmarshal(s); err != nil {
		return nil, errors.Wrap(err, "could not decode settings")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
