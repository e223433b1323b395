package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type APIConfig struct {
	Addr             string
	DatabaseURL      string
	DataDir          string
	AdminToken       string
	StartupSeedTeams bool
	StarterCash      string
}

type FinalizerConfig struct {
	DatabaseURL string
	DataDir     string
	Round       int
	RunOnce     bool
}

type CLIConfig struct {
	APIBaseURL string
	AdminToken string
}

func LoadAPIFromEnv() (APIConfig, error) {
	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("CAKESIM_API_ADDR", ":8080")
	}

	cfg := APIConfig{
		Addr:             addr,
		DatabaseURL:      strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DataDir:          envDefault("CAKESIM_DATA_DIR", "data"),
		AdminToken:       strings.TrimSpace(os.Getenv("CAKESIM_ADMIN_TOKEN")),
		StartupSeedTeams: envBoolDefault("CAKESIM_STARTUP_SEED_TEAMS", false),
		StarterCash:      envDefault("CAKESIM_STARTER_CASH", ""),
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.AdminToken == "" {
		return cfg, fmt.Errorf("CAKESIM_ADMIN_TOKEN is required")
	}
	return cfg, nil
}

func LoadFinalizerFromEnv() (FinalizerConfig, error) {
	cfg := FinalizerConfig{
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DataDir:     envDefault("CAKESIM_DATA_DIR", "data"),
		Round:       envIntDefault("CAKESIM_FINALIZE_ROUND", 0),
		RunOnce:     envBoolDefault("CAKESIM_RUN_ONCE", true),
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func LoadCLIFromEnv() CLIConfig {
	return CLIConfig{
		APIBaseURL: strings.TrimRight(envDefault("CAKECTL_API_BASE_URL", "http://localhost:8080"), "/"),
		AdminToken: strings.TrimSpace(os.Getenv("CAKESIM_ADMIN_TOKEN")),
	}
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
