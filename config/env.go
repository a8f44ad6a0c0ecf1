package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/united-manufacturing-hub/umh-utils/env"
)

// ApplyEnv overlays the environment variables that are set onto cfg.
// Durations are given in milliseconds.
func ApplyEnv(cfg *Config) error {
	strs := map[string]*string{
		"DATABASE_URL":    &cfg.Database.URL,
		"DB_DRIVER":       &cfg.Database.Driver,
		"OVERFLOW_POLICY": &cfg.Batch.OverflowPolicy,
		"SPILL_DIR":       &cfg.Batch.SpillDir,
		"LOG_LEVEL":       &cfg.Logging.Level,
		"LOG_FORMAT":      &cfg.Logging.Format,
		"DEVICE_DRIVER":   &cfg.Device.Driver,
		"PARKED_RULE":     &cfg.Parked.Expression,
	}
	for name, dst := range strs {
		if !isSet(name) {
			continue
		}
		v, err := env.GetAsString(name, true, *dst)
		if err != nil {
			return fmt.Errorf("env %s: %w", name, err)
		}
		*dst = v
	}

	ints := map[string]*int{
		"DB_POOL_SIZE":             &cfg.Database.PoolSize,
		"COHORT_COUNT":             &cfg.Pool.CohortCount,
		"MAX_CONCURRENT_POLLS":     &cfg.Polling.MaxConcurrentPolls,
		"MAX_RECONNECT_ATTEMPTS":   &cfg.Pool.MaxReconnectAttempts,
		"MAX_BATCH_SIZE":           &cfg.Batch.MaxBatchSize,
		"MAX_QUEUE_SIZE":           &cfg.Batch.MaxQueueSize,
		"MAX_CONCURRENT_BACKFILLS": &cfg.Backfill.MaxConcurrent,
		"BACKFILL_BATCH_SIZE":      &cfg.Backfill.BatchSize,
		"DM_PORT":                  &cfg.Server.Port,
	}
	for name, dst := range ints {
		if !isSet(name) {
			continue
		}
		v, err := env.GetAsInt(name, true, *dst)
		if err != nil {
			return fmt.Errorf("env %s: %w", name, err)
		}
		*dst = v
	}

	millis := map[string]*Duration{
		"POLL_INTERVAL_MS":           &cfg.Polling.Interval,
		"POLL_JITTER_MS":             &cfg.Polling.Jitter,
		"POLL_TIMEOUT_MS":            &cfg.Pool.PollTimeout,
		"BASE_RECONNECT_DELAY_MS":    &cfg.Pool.BaseReconnectDelay,
		"MAX_RECONNECT_DELAY_MS":     &cfg.Pool.MaxReconnectDelay,
		"BATCH_FLUSH_INTERVAL_MS":    &cfg.Batch.FlushInterval,
		"GAP_THRESHOLD_MS":           &cfg.Backfill.GapThreshold,
		"BACKFILL_CHECK_INTERVAL_MS": &cfg.Backfill.CheckInterval,
	}
	for name, dst := range millis {
		if !isSet(name) {
			continue
		}
		v, err := env.GetAsInt(name, true, int(dst.Milliseconds()))
		if err != nil {
			return fmt.Errorf("env %s: %w", name, err)
		}
		dst.Duration = time.Duration(v) * time.Millisecond
	}

	if isSet("HOT_RELOAD") {
		v, err := env.GetAsBool("HOT_RELOAD", true, cfg.HotReload)
		if err != nil {
			return fmt.Errorf("env HOT_RELOAD: %w", err)
		}
		cfg.HotReload = v
	}
	if isSet("PARKED_VOLTAGE_THRESHOLD") {
		raw, err := env.GetAsString("PARKED_VOLTAGE_THRESHOLD", true, "")
		if err != nil {
			return fmt.Errorf("env PARKED_VOLTAGE_THRESHOLD: %w", err)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("env PARKED_VOLTAGE_THRESHOLD %q: %w", raw, err)
		}
		cfg.Parked.VoltageThreshold = v
	}
	return nil
}

func isSet(name string) bool {
	_, ok := os.LookupEnv(name)
	return ok
}
