// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"eventbell/internal/policy"
)

// Roles maps a role name to the role id that grants it, parsed from "name=id,...".
type Roles map[string]string

// Decode implements envconfig.Decoder.
func (r *Roles) Decode(value string) error {
	parsed, err := ParseRoles(value)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseRoles parses the "name=id,name=id" role list.
func ParseRoles(s string) (Roles, error) {
	out := Roles{}
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, id, ok := strings.Cut(item, "=")
		name, id = strings.TrimSpace(name), strings.TrimSpace(id)
		if !ok || name == "" || id == "" {
			return nil, fmt.Errorf("invalid role entry %q, expected name=id", item)
		}
		out[name] = id
	}
	return out, nil
}

// Config is the process configuration.
type Config struct {
	DiscordToken          string `envconfig:"DISCORD_TOKEN"`
	GuildID               string `envconfig:"GUILD_ID"`
	NotificationChannelID string `envconfig:"NOTIFICATION_CHANNEL_ID"`
	APIBaseURL            string `envconfig:"API_BASE_URL" default:"https://discord.com/api/v10"`
	AllowedRoles          Roles  `envconfig:"ALLOWED_ROLES"`
	Timezone              string `envconfig:"TIMEZONE" default:"US/Eastern"`

	NotificationTimings string `envconfig:"NOTIFICATION_TIMINGS" default:"24,12"`
	CheckInterval       int    `envconfig:"CHECK_INTERVAL" default:"5"` // minutes
	PolicyFile          string `envconfig:"POLICY_FILE"`
	RemoteSync          bool   `envconfig:"REMOTE_SYNC" default:"true"`

	Listen        string `envconfig:"LISTEN" default:":8080"`
	JWTSecret     string `envconfig:"JWT_SECRET"`
	WebhookSecret string `envconfig:"WEBHOOK_SECRET"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RedisChannel  string `envconfig:"REDIS_CHANNEL" default:"eventbell:changes"`

	CalDAVURL      string `envconfig:"CALDAV_URL"`
	CalDAVUsername string `envconfig:"CALDAV_USERNAME"`
	CalDAVPassword string `envconfig:"CALDAV_PASSWORD"`
	CalDAVCalendar string `envconfig:"CALDAV_CALENDAR"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads the configuration from the environment. Callers load any .env file first.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to read configuration: %w", err)
	}
	return cfg, nil
}

// ValidateServe checks the settings the serve command cannot run without.
func (c Config) ValidateServe() error {
	var errs []error
	if c.DiscordToken == "" {
		errs = append(errs, errors.New("DISCORD_TOKEN is not set"))
	}
	if c.GuildID == "" {
		errs = append(errs, errors.New("GUILD_ID is not set"))
	}
	if c.NotificationChannelID == "" {
		errs = append(errs, errors.New("NOTIFICATION_CHANNEL_ID is not set"))
	}
	if len(c.AllowedRoles) == 0 {
		errs = append(errs, errors.New("ALLOWED_ROLES is not set"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is not set"))
	}
	if (c.CalDAVURL == "") != (c.CalDAVCalendar == "") {
		errs = append(errs, errors.New("CALDAV_URL and CALDAV_CALENDAR must be set together"))
	}
	return errors.Join(errs...)
}

// Location resolves the configured time zone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone '%s': %w", c.Timezone, err)
	}
	return loc, nil
}

// Policy builds the startup notification policy. A policy file, when set,
// overrides the environment values it names.
func (c Config) Policy() (policy.Policy, error) {
	offsets, err := policy.ParseOffsets(c.NotificationTimings)
	if err != nil {
		return policy.Policy{}, err
	}
	p, err := policy.New(offsets, time.Duration(c.CheckInterval)*time.Minute)
	if err != nil {
		return policy.Policy{}, err
	}
	if c.PolicyFile == "" {
		return p, nil
	}
	return policy.LoadFile(c.PolicyFile, p)
}
