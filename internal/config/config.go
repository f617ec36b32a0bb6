package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type SMSConfig struct {
	APIKey   string `yaml:"api_key"`
	SenderID string `yaml:"sender_id"`
	DryRun   bool   `yaml:"dry_run"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
}

type JWTConfig struct {
	AccessSecret    string `yaml:"access_secret"`
	RefreshSecret   string `yaml:"refresh_secret"`
	AccessTTLMin    int    `yaml:"access_ttl_minutes"`
	RefreshTTLHours int    `yaml:"refresh_ttl_hours"`
}

type OTPConfig struct {
	Digits            int `yaml:"digits"`
	TTLMinutes        int `yaml:"ttl_minutes"`
	MaxAttempts       int `yaml:"max_attempts"`
	AttemptWindowMin  int `yaml:"attempt_window_minutes"`
	MaxSendsPerWindow int `yaml:"max_sends_per_window"`
	SendWindowMin     int `yaml:"send_window_minutes"`
}

type Config struct {
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
	Database struct {
		DSN string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Email struct {
		SMTPHost     string `yaml:"smtp_host"`
		SMTPPort     int    `yaml:"smtp_port"`
		SMTPUser     string `yaml:"smtp_user"`
		SMTPPassword string `yaml:"smtp_password"`
		FromEmail    string `yaml:"from_email"`
	} `yaml:"email"`
	JWT      JWTConfig      `yaml:"jwt"`
	OTP      OTPConfig      `yaml:"otp"`
	SMS      SMSConfig      `yaml:"sms"`
	Telegram TelegramConfig `yaml:"telegram"`
	Sweep    struct {
		IntervalMinutes int `yaml:"interval_minutes"`
	} `yaml:"sweep"`
}

func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.JWT.AccessTTLMin == 0 {
		c.JWT.AccessTTLMin = 15
	}
	if c.JWT.RefreshTTLHours == 0 {
		c.JWT.RefreshTTLHours = 7 * 24
	}
	if c.OTP.Digits == 0 {
		c.OTP.Digits = 6
	}
	if c.OTP.TTLMinutes == 0 {
		c.OTP.TTLMinutes = 5
	}
	if c.OTP.MaxAttempts == 0 {
		c.OTP.MaxAttempts = 3
	}
	if c.OTP.AttemptWindowMin == 0 {
		c.OTP.AttemptWindowMin = 15
	}
	if c.OTP.MaxSendsPerWindow == 0 {
		c.OTP.MaxSendsPerWindow = 3
	}
	if c.OTP.SendWindowMin == 0 {
		c.OTP.SendWindowMin = 10
	}
	if c.Sweep.IntervalMinutes == 0 {
		c.Sweep.IntervalMinutes = 10
	}
}

// validate rejects configs that would make issued tokens forgeable or
// interchangeable. These are startup failures, not degraded modes.
func (c *Config) validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.JWT.AccessSecret == "" || c.JWT.RefreshSecret == "" {
		return fmt.Errorf("jwt.access_secret and jwt.refresh_secret are required")
	}
	if c.JWT.AccessSecret == c.JWT.RefreshSecret {
		return fmt.Errorf("jwt.access_secret and jwt.refresh_secret must differ")
	}
	return nil
}

func (c *Config) AccessTTL() time.Duration {
	return time.Duration(c.JWT.AccessTTLMin) * time.Minute
}

func (c *Config) RefreshTTL() time.Duration {
	return time.Duration(c.JWT.RefreshTTLHours) * time.Hour
}

func (c *Config) OTPTTL() time.Duration {
	return time.Duration(c.OTP.TTLMinutes) * time.Minute
}

func (c *Config) AttemptWindow() time.Duration {
	return time.Duration(c.OTP.AttemptWindowMin) * time.Minute
}

func (c *Config) SendWindow() time.Duration {
	return time.Duration(c.OTP.SendWindowMin) * time.Minute
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Sweep.IntervalMinutes) * time.Minute
}
