package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lockgame/duelcore/src/app/battles"
)

type Config struct {
	HTTPAddress    string        `yaml:"http_address"`
	DatabaseURL    string        `yaml:"database_url"`
	JWTSecret      string        `yaml:"jwt_secret"`
	CatalogFile    string        `yaml:"catalog_file"`
	LogFile        string        `yaml:"log_file"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	SnapshotTick   time.Duration `yaml:"snapshot_tick"`
	CleanupEvery   time.Duration `yaml:"cleanup_every"`
	Game           GameSettings  `yaml:"game"`
}

type GameSettings struct {
	TrophiesWin   int `yaml:"trophies_win"`
	TrophiesLoss  int `yaml:"trophies_loss"`
	TrophiesDraw  int `yaml:"trophies_draw"`
	GameTimer     int `yaml:"game_timer"`
	QuestionTimer int `yaml:"question_timer"`
}

func defaultConfig() Config {
	game := battles.DefaultGameConfig()
	return Config{
		HTTPAddress:  ":8080",
		SnapshotTick: 150 * time.Millisecond,
		CleanupEvery: 5 * time.Minute,
		Game: GameSettings{
			TrophiesWin:   game.TrophiesWin,
			TrophiesLoss:  game.TrophiesLoss,
			TrophiesDraw:  game.TrophiesDraw,
			GameTimer:     game.GameTimer,
			QuestionTimer: game.QuestionTimer,
		},
	}
}

// loadConfig reads the optional YAML file named by DUELCORE_CONFIG, then
// applies DUELCORE_* environment overrides on top.
func loadConfig() (Config, error) {
	cfg := defaultConfig()
	if path := os.Getenv("DUELCORE_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.HTTPAddress = getEnv("DUELCORE_HTTP_ADDR", cfg.HTTPAddress)
	cfg.DatabaseURL = getEnv("DUELCORE_DATABASE_URL", cfg.DatabaseURL)
	cfg.JWTSecret = getEnv("DUELCORE_JWT_SECRET", cfg.JWTSecret)
	cfg.CatalogFile = getEnv("DUELCORE_CATALOG_FILE", cfg.CatalogFile)
	cfg.LogFile = getEnv("DUELCORE_LOG_FILE", cfg.LogFile)
	if origins := os.Getenv("DUELCORE_ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = strings.Split(origins, ",")
	}
	if tick := os.Getenv("DUELCORE_SNAPSHOT_TICK"); tick != "" {
		d, err := time.ParseDuration(tick)
		if err != nil {
			return cfg, fmt.Errorf("parse DUELCORE_SNAPSHOT_TICK: %w", err)
		}
		cfg.SnapshotTick = d
	}
	if every := os.Getenv("DUELCORE_CLEANUP_EVERY"); every != "" {
		d, err := time.ParseDuration(every)
		if err != nil {
			return cfg, fmt.Errorf("parse DUELCORE_CLEANUP_EVERY: %w", err)
		}
		cfg.CleanupEvery = d
	}
	return cfg, nil
}

func (c Config) gameConfig() battles.GameConfig {
	return battles.GameConfig{
		TrophiesWin:   c.Game.TrophiesWin,
		TrophiesLoss:  c.Game.TrophiesLoss,
		TrophiesDraw:  c.Game.TrophiesDraw,
		GameTimer:     c.Game.GameTimer,
		QuestionTimer: c.Game.QuestionTimer,
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
