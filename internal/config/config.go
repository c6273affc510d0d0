// Package config holds the explicit runtime configuration. It is built once
// in the command layer and passed down; nothing in the core reads flags or
// globals.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	apperrors "github.com/vectra-tools/tags2groups/internal/errors"
	"github.com/vectra-tools/tags2groups/internal/mapfile"
)

// Config is the full runtime configuration for a pull or push run.
type Config struct {
	BrainURL string
	APIToken string

	Pull       bool
	Push       bool
	PopTags    bool
	ActiveOnly bool

	MappingFile string
	VerifySSL   bool
	Fingerprint string
	Timeout     time.Duration

	LogLevel  string
	LogFormat string
}

// Load builds the configuration from the positional CLI arguments, filling
// gaps from the environment (a .env file in the working directory is loaded
// first, matching deployment-override behavior). URL and token may come from
// TAGS2GROUPS_URL / TAGS2GROUPS_TOKEN when not passed on the command line.
func Load(brainURL, apiToken string) (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded .env from current directory")
	}

	cfg := &Config{
		BrainURL:    brainURL,
		APIToken:    apiToken,
		MappingFile: mapfile.DefaultFilename,
		Timeout:     60 * time.Second,
		LogLevel:    "info",
		LogFormat:   "auto",
	}

	if cfg.BrainURL == "" {
		cfg.BrainURL = os.Getenv("TAGS2GROUPS_URL")
	}
	if cfg.APIToken == "" {
		cfg.APIToken = os.Getenv("TAGS2GROUPS_TOKEN")
	}
	if cfg.BrainURL == "" {
		return nil, fmt.Errorf("%w: brain URL is required (argument or TAGS2GROUPS_URL)", apperrors.ErrInvalidInput)
	}
	if cfg.APIToken == "" {
		return nil, fmt.Errorf("%w: API token is required (argument or TAGS2GROUPS_TOKEN)", apperrors.ErrInvalidInput)
	}

	if v := os.Getenv("TAGS2GROUPS_FILE"); v != "" {
		cfg.MappingFile = v
	}
	if v := os.Getenv("TAGS2GROUPS_FINGERPRINT"); v != "" {
		cfg.Fingerprint = v
	}
	if v := os.Getenv("TAGS2GROUPS_VERIFY_SSL"); v != "" {
		verify, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid TAGS2GROUPS_VERIFY_SSL %q", apperrors.ErrInvalidInput, v)
		}
		cfg.VerifySSL = verify
	}
	if v := os.Getenv("TAGS2GROUPS_TIMEOUT"); v != "" {
		timeout, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid TAGS2GROUPS_TIMEOUT %q", apperrors.ErrInvalidInput, v)
		}
		cfg.Timeout = timeout
	}
	if v := os.Getenv("TAGS2GROUPS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TAGS2GROUPS_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	return cfg, nil
}
