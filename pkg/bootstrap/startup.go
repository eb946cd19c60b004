package bootstrap

import (
	"errors"
	"fmt"
	"os"

	"mailtrail/internal/config"
	"mailtrail/internal/logger"
	"mailtrail/pkg/logging"
)

// ConfigFileEnv names the fallback for the --config flag.
const ConfigFileEnv = "CONFIG_FILE"

var ErrConfigFileRequired = errors.New("config file is required")

// ResolveConfigFile returns flag, or the CONFIG_FILE environment variable
// when flag is empty.
func ResolveConfigFile(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if env := os.Getenv(ConfigFileEnv); env != "" {
		return env, nil
	}
	return "", ErrConfigFileRequired
}

// Startup loads the configuration and builds the service logger. Failures
// are reported on stderr since no logger exists yet.
func Startup(configFlag, service string) (*config.Config, logger.Logger, error) {
	early := logging.NewEarlyLog()

	path, err := ResolveConfigFile(configFlag)
	if err != nil {
		early.Error("Config file is required. Use --config flag or %s environment variable", ConfigFileEnv)
		return nil, nil, err
	}

	cfg, err := config.Load(path)
	if err != nil {
		early.Error("Failed to load config %s: %v", path, err)
		return nil, nil, err
	}

	log, err := logger.ForService(cfg.Logging.Level, cfg.Logging.Format, service)
	if err != nil {
		early.Error("Failed to init logger: %v", err)
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, log, nil
}
