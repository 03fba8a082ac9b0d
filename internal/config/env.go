package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadEnvFiles loads each existing file into the process environment.
// Variables already set are not overridden; missing files are skipped.
func LoadEnvFiles(paths ...string) error {
	seen := make(map[string]bool)
	for _, p := range paths {
		if seen[p] {
			continue
		}
		seen[p] = true
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("checking env file %s: %w", p, err)
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("loading env file %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides cfg with SNAPBRIDGE_* environment variables.
func ApplyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = splitList(v)
		}
	}

	str("SNAPBRIDGE_LOG_LEVEL", &cfg.Log.Level)
	str("SNAPBRIDGE_LOG_FORMAT", &cfg.Log.Format)
	str("SNAPBRIDGE_DB_TYPE", &cfg.Database.Type)
	str("SNAPBRIDGE_DB_DSN", &cfg.Database.DSN)
	str("SNAPBRIDGE_NATS_URL", &cfg.NATS.URL)
	str("SNAPBRIDGE_JOBS_TYPE", &cfg.Jobs.Type)
	str("SNAPBRIDGE_NOTIFY_TYPE", &cfg.Notify.Type)
	list("SNAPBRIDGE_OPERATOR_EMAILS", &cfg.Notify.OperatorEmails)
	list("SNAPBRIDGE_NODE_EMAILS", &cfg.Notify.NodeEmails)
	str("SNAPBRIDGE_CREDENTIALS_USERNAME", &cfg.Credentials.Username)
	str("SNAPBRIDGE_CREDENTIALS_PASSWORD", &cfg.Credentials.Password)
	str("SNAPBRIDGE_ARCHIVE_ACCESS_KEY", &cfg.Archive.AccessKey)
	str("SNAPBRIDGE_ARCHIVE_SECRET_KEY", &cfg.Archive.SecretKey)
	str("SNAPBRIDGE_METRICS_ADDR", &cfg.Metrics.Addr)

	if v, ok := os.LookupEnv("SNAPBRIDGE_FINALIZER_PERIOD"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SNAPBRIDGE_FINALIZER_PERIOD: %w", err)
		}
		cfg.Finalizer.Period = Duration{d}
	}
	if v, ok := os.LookupEnv("SNAPBRIDGE_DAYS_TO_EXPIRE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SNAPBRIDGE_DAYS_TO_EXPIRE: %w", err)
		}
		cfg.Restore.DaysToExpire = n
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
