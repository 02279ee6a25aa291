/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cascade

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the daemon's top-level configuration, unmarshaled by viper
// from the main config file. Split into Service/Apiserver/Db sections so
// validation-by-section discipline applies.
type Config struct {
	App       AppDetails
	Service   ServiceConf
	Apiserver ApiserverConf
	Db        DbConf
	Log       LogConf

	PolicyDir string `mapstructure:"policy_dir" validate:"required"`
	StateDir  string `mapstructure:"state_dir" validate:"required"`

	Zones map[string]ZoneConf

	Internal InternalConf `mapstructure:"-"`
}

// AppDetails carries build/runtime metadata, unvalidated.
type AppDetails struct {
	Name             string
	Version          string
	Date             string
	ServerBootTime   time.Time
	ServerConfigTime time.Time
}

// ServiceConf toggles background services.
type ServiceConf struct {
	Name   string `validate:"required"`
	Resign bool
	Debug  bool
}

// ApiserverConf configures the HTTP control plane.
type ApiserverConf struct {
	Address  string `validate:"required"`
	ApiKey   string `validate:"required"`
	CertFile string
	KeyFile  string
	UseTLS   bool
}

// DbConf configures the key database.
type DbConf struct {
	File string `validate:"required"`
}

// LogConf configures log rotation, consumed by SetupLogging.
type LogConf struct {
	File       string `validate:"required"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// ZoneConf is one zone's configuration entry, as read from the config
// file.
type ZoneConf struct {
	Name     string `validate:"required"`
	Zonefile string
	Primary  string // upstream server for Server-sourced zones
	TsigKey  string `mapstructure:"tsig_key"`
	Policy   string `validate:"required"`
}

// InternalConf holds runtime-only wiring (channels, shared stores) that is
// never unmarshaled from the config file.
type InternalConf struct {
	KeyDB       *KeyDB
	PolicyStore *PolicyStore
	ResignCh    chan ResignEvent
}

// ValidateConfig unmarshals v into a Config and validates the sections
// that carry `validate:"required"` tags, returning an error on failure;
// the daemon's startup treats that error as fatal.
func ValidateConfig(v *viper.Viper) (*Config, error) {
	var config Config
	if v == nil {
		v = viper.GetViper()
	}
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("ValidateConfig: unmarshal error: %w", err)
	}

	sections := map[string]interface{}{
		"log":       config.Log,
		"service":   config.Service,
		"db":        config.Db,
		"apiserver": config.Apiserver,
	}
	if err := ValidateBySection(&config, sections); err != nil {
		return nil, err
	}
	return &config, nil
}

// ValidateZones validates each zone entry individually, since
// go-playground/validator cannot validate a map value directly.
func ValidateZones(c *Config) error {
	sections := make(map[string]interface{}, len(c.Zones))
	for name, zc := range c.Zones {
		sections["zone:"+name] = zc
	}
	return ValidateBySection(c, sections)
}

// ValidateBySection runs the validator over each named section, logging
// which section is being checked at startup.
func ValidateBySection(config *Config, sections map[string]interface{}) error {
	validate := validator.New()
	appName := strings.ToUpper(config.Service.Name)

	for name, data := range sections {
		log.Printf("%s: validating config section %q", appName, name)
		if err := validate.Struct(data); err != nil {
			return fmt.Errorf("%s: config section %q: missing required attributes: %w", appName, name, err)
		}
	}
	return nil
}

// ReloadConfig re-reads the config file from disk via viper and
// re-validates it. Cascade's zone list lives in the registry rather than
// being re-derived from the file on every reload, so this is a single
// read-and-validate pass.
func ReloadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("ReloadConfig: %w", err)
	}
	config, err := ValidateConfig(v)
	if err != nil {
		return nil, err
	}
	if err := ValidateZones(config); err != nil {
		return nil, err
	}
	config.App.ServerConfigTime = time.Now()
	return config, nil
}
