package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/loykin/fielddaq"
	"github.com/loykin/fielddaq/internal/logger"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

func loadConfig(path string) (*fielddaq.Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file required. Use --config=fielddaq.toml")
	}
	cfg, err := fielddaq.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

func logConfig(cfg *fielddaq.Config) logger.Config {
	return logger.Config{
		Level:      cfg.Log.Level,
		FileLevel:  cfg.Log.FileLevel,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		NoColor:    cfg.Log.NoColor,
	}
}
