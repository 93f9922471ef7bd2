package app

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/jmehdipour/sms-broadcast/internal/config"
	"github.com/jmehdipour/sms-broadcast/internal/logger"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Load reads .env (if present) into the environment, then the config, and initializes the
// process logger at the configured level.
func Load(path string) (config.Config, *zap.Logger, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return config.Config{}, nil, fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, logger.Init(cfg.Log.Level), nil
}
