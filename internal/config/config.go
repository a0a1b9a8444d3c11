package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DatabaseURL string
	SchemaName  string // AUDIT_SCHEMA
	ActorTable  string // AUDIT_ACTOR_TABLE, empty keeps actor_id as text
	LogLevel    zapcore.Level
}

// Load reads .env (if present) and then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SchemaName:  getEnv("AUDIT_SCHEMA", "audit"),
		ActorTable:  os.Getenv("AUDIT_ACTOR_TABLE"),
		LogLevel:    zapcore.InfoLevel,
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		lvl, err := zapcore.ParseLevel(v)
		if err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL value %q: %w", v, err)
		}
		cfg.LogLevel = lvl
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	return cfg, nil
}

// NewLogger builds a production logger, or a development one at debug level.
func (c *Config) NewLogger() (*zap.Logger, error) {
	if c.LogLevel == zapcore.DebugLevel {
		return zap.NewDevelopment()
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(c.LogLevel)
	return zc.Build()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Targets lists the tables to audit.
type Targets struct {
	Tables []Table `yaml:"tables"`
}

type Table struct {
	Name    string   `yaml:"name"`
	Exclude []string `yaml:"exclude"`
}

// LoadTargets reads a YAML targets file.
func LoadTargets(path string) (*Targets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading targets file: %w", err)
	}

	var t Targets
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing targets YAML: %w", err)
	}
	for i, tbl := range t.Tables {
		if strings.TrimSpace(tbl.Name) == "" {
			return nil, fmt.Errorf("tables[%d].name is required", i)
		}
		for _, col := range tbl.Exclude {
			if strings.TrimSpace(col) == "" {
				return nil, fmt.Errorf("tables[%d].exclude contains an empty column", i)
			}
		}
	}
	return &t, nil
}
