package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config for YAML files. Pointers distinguish unset keys.
type fileConfig struct {
	Server struct {
		BindAddr        *string   `yaml:"bind_addr"`
		ShutdownTimeout *Duration `yaml:"shutdown_timeout"`
		ConnIdleTimeout *Duration `yaml:"conn_idle_timeout"`
		AllowAnyOrigin  *bool     `yaml:"allow_any_origin"`
	} `yaml:"server"`
	Metrics struct {
		Namespace *string `yaml:"namespace"`
	} `yaml:"metrics"`
	Database struct {
		URL *string `yaml:"url"`
	} `yaml:"database"`
	Messages struct {
		PerLoad        *int    `yaml:"per_load"`
		UploadDir      *string `yaml:"upload_dir"`
		MaxUploadBytes *int64  `yaml:"max_upload_bytes"`
	} `yaml:"messages"`
	Limits struct {
		OpsPerSecond *float64 `yaml:"ops_per_second"`
		OpsBurst     *int     `yaml:"ops_burst"`
	} `yaml:"limits"`
	Digest struct {
		Enabled *bool   `yaml:"enabled"`
		Cron    *string `yaml:"cron"`
	} `yaml:"digest"`
}

// Duration accepts "90s" style strings or plain numbers of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = 0
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid duration %q", raw)
	}
	*d = Duration(time.Duration(f * float64(time.Second)))
	return nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.BindAddr, fc.Server.BindAddr)
	if fc.Server.ShutdownTimeout != nil {
		cfg.ShutdownTimeout = time.Duration(*fc.Server.ShutdownTimeout)
	}
	if fc.Server.ConnIdleTimeout != nil {
		cfg.ConnIdleTimeout = time.Duration(*fc.Server.ConnIdleTimeout)
	}
	if fc.Server.AllowAnyOrigin != nil {
		cfg.AllowAnyOrigin = *fc.Server.AllowAnyOrigin
	}
	setString(&cfg.MetricsNamespace, fc.Metrics.Namespace)
	setString(&cfg.DatabaseURL, fc.Database.URL)
	if fc.Messages.PerLoad != nil {
		cfg.MessagesPerLoad = *fc.Messages.PerLoad
	}
	setString(&cfg.UploadDir, fc.Messages.UploadDir)
	if fc.Messages.MaxUploadBytes != nil {
		cfg.MaxUploadBytes = *fc.Messages.MaxUploadBytes
	}
	if fc.Limits.OpsPerSecond != nil {
		cfg.OpsPerSecond = *fc.Limits.OpsPerSecond
	}
	if fc.Limits.OpsBurst != nil {
		cfg.OpsBurst = *fc.Limits.OpsBurst
	}
	if fc.Digest.Enabled != nil {
		cfg.DigestEnabled = *fc.Digest.Enabled
	}
	setString(&cfg.DigestCron, fc.Digest.Cron)
	return nil
}

func setString(dst *string, v *string) {
	if v == nil {
		return
	}
	if s := strings.TrimSpace(*v); s != "" {
		*dst = s
	}
}
