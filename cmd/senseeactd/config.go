// Copyright 2025 Roessingh Research and Development
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/RoessinghResearch/senseeact-sub001/senseeact"
)

// config holds everything the server needs to run. Values come from the
// optional YAML config file, overridden by SENSEEACT_* environment
// variables; a .env file in the working directory is loaded first.
type config struct {
	Addr        string
	DatabaseURL string
	JWTSecret   string
	LogLevel    string
	LogJSON     bool

	MaxBatchSize      int
	MaxReadCount      int
	HangingGetTimeout time.Duration

	FCMEndpoint  string
	FCMServerKey string

	Projects []senseeact.ProjectDef
}

func loadConfig(cfgFile string) (*config, error) {
	// Missing .env is fine; environment variables still apply.
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("senseeactd")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("senseeact")
	viper.AutomaticEnv()

	viper.SetDefault("addr", ":8080")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_json", true)
	viper.SetDefault("max_batch_size", 1000)
	viper.SetDefault("max_read_count", 1000)
	viper.SetDefault("hanging_get_timeout", "60s")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &config{
		Addr:              viper.GetString("addr"),
		DatabaseURL:       viper.GetString("database_url"),
		JWTSecret:         viper.GetString("jwt_secret"),
		LogLevel:          viper.GetString("log_level"),
		LogJSON:           viper.GetBool("log_json"),
		MaxBatchSize:      viper.GetInt("max_batch_size"),
		MaxReadCount:      viper.GetInt("max_read_count"),
		HangingGetTimeout: viper.GetDuration("hanging_get_timeout"),
		FCMEndpoint:       viper.GetString("fcm_endpoint"),
		FCMServerKey:      viper.GetString("fcm_server_key"),
	}
	if err := viper.UnmarshalKey("projects", &cfg.Projects); err != nil {
		return nil, fmt.Errorf("parse projects: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database_url is required (SENSEEACT_DATABASE_URL)")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("jwt_secret is required (SENSEEACT_JWT_SECRET)")
	}
	if len(cfg.Projects) == 0 {
		return nil, errors.New("at least one project must be configured")
	}
	return cfg, nil
}
