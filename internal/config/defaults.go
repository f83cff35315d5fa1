package config

import (
	"github.com/knadh/koanf/v2"
)

func loadDefaults(k *koanf.Koanf) error {
	defaults := map[string]any{
		"store.driver":          "sqlite",
		"store.dsn":             "pagesync.db",
		"store.max_connections": 10,

		"load.driver":     "none",
		"load.database":   "pagesync",
		"load.batch_size": 100,
		"load.dry_run":    false,

		"engine.page_size":                100,
		"engine.checkpoint_interval":      10,
		"engine.max_pages":                10000,
		"engine.max_retries":              3,
		"engine.backoff_base":             "1s",
		"engine.max_retry_wait":           "120s",
		"engine.job_timeout":              "24h",
		"engine.abort_on_transform_error": false,

		"source.base_url":   "https://api.hubapi.com",
		"source.timeout":    "30s",
		"source.user_agent": "pagesync/1.0",

		"jobs.concurrency":    5,
		"jobs.queue_size":     100,
		"jobs.poll_interval":  "5s",
		"jobs.stale_after":    "10m",
		"jobs.sweep_interval": "1m",
		"jobs.retention":      "168h",

		"logging.level":  "info",
		"logging.format": "pretty",

		"mappings_dir": "configs",
	}

	for key, val := range defaults {
		if err := k.Set(key, val); err != nil {
			return err
		}
	}
	return nil
}
