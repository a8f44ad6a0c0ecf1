package config

import (
	_ "embed"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSource string

// schemaView is the shape checked against #Config. Durations are flattened to
// milliseconds so the schema can bound them numerically.
type schemaView struct {
	Database struct {
		Driver   string `json:"driver"`
		URL      string `json:"url"`
		PoolSize int    `json:"poolSize"`
	} `json:"database"`
	Device struct {
		Driver string `json:"driver"`
	} `json:"device"`
	Pool struct {
		CohortCount            int   `json:"cohortCount"`
		ConnectTimeoutMs       int64 `json:"connectTimeoutMs"`
		PollTimeoutMs          int64 `json:"pollTimeoutMs"`
		MaxConsecutiveFailures int   `json:"maxConsecutiveFailures"`
		MaxReconnectAttempts   int   `json:"maxReconnectAttempts"`
		BaseReconnectDelayMs   int64 `json:"baseReconnectDelayMs"`
		MaxReconnectDelayMs    int64 `json:"maxReconnectDelayMs"`
		RefreshIntervalMs      int64 `json:"refreshIntervalMs"`
	} `json:"pool"`
	Polling struct {
		IntervalMs         int64 `json:"intervalMs"`
		JitterMs           int64 `json:"jitterMs"`
		MaxConcurrentPolls int   `json:"maxConcurrentPolls"`
	} `json:"polling"`
	Batch struct {
		FlushIntervalMs int64  `json:"flushIntervalMs"`
		MaxBatchSize    int    `json:"maxBatchSize"`
		MaxQueueSize    int    `json:"maxQueueSize"`
		OverflowPolicy  string `json:"overflowPolicy"`
		SpillDir        string `json:"spillDir"`
	} `json:"batch"`
	Backfill struct {
		MaxConcurrent   int   `json:"maxConcurrent"`
		CheckIntervalMs int64 `json:"checkIntervalMs"`
		BatchSize       int   `json:"batchSize"`
		GapThresholdMs  int64 `json:"gapThresholdMs"`
	} `json:"backfill"`
	Parked struct {
		VoltageThreshold float64 `json:"voltageThreshold"`
	} `json:"parked"`
	Server struct {
		Port int `json:"port"`
	} `json:"server"`
}

func viewOf(cfg *Config) schemaView {
	var v schemaView
	v.Database.Driver = strings.ToLower(cfg.Database.Driver)
	v.Database.URL = cfg.Database.URL
	v.Database.PoolSize = cfg.Database.PoolSize
	v.Device.Driver = cfg.Device.Driver

	v.Pool.CohortCount = cfg.Pool.CohortCount
	v.Pool.ConnectTimeoutMs = cfg.Pool.ConnectTimeout.Milliseconds()
	v.Pool.PollTimeoutMs = cfg.Pool.PollTimeout.Milliseconds()
	v.Pool.MaxConsecutiveFailures = cfg.Pool.MaxConsecutiveFailures
	v.Pool.MaxReconnectAttempts = cfg.Pool.MaxReconnectAttempts
	v.Pool.BaseReconnectDelayMs = cfg.Pool.BaseReconnectDelay.Milliseconds()
	v.Pool.MaxReconnectDelayMs = cfg.Pool.MaxReconnectDelay.Milliseconds()
	v.Pool.RefreshIntervalMs = cfg.Pool.RefreshInterval.Milliseconds()

	v.Polling.IntervalMs = cfg.Polling.Interval.Milliseconds()
	v.Polling.JitterMs = cfg.Polling.Jitter.Milliseconds()
	v.Polling.MaxConcurrentPolls = cfg.Polling.MaxConcurrentPolls

	v.Batch.FlushIntervalMs = cfg.Batch.FlushInterval.Milliseconds()
	v.Batch.MaxBatchSize = cfg.Batch.MaxBatchSize
	v.Batch.MaxQueueSize = cfg.Batch.MaxQueueSize
	v.Batch.OverflowPolicy = strings.ToLower(cfg.Batch.OverflowPolicy)
	v.Batch.SpillDir = cfg.Batch.SpillDir

	v.Backfill.MaxConcurrent = cfg.Backfill.MaxConcurrent
	v.Backfill.CheckIntervalMs = cfg.Backfill.CheckInterval.Milliseconds()
	v.Backfill.BatchSize = cfg.Backfill.BatchSize
	v.Backfill.GapThresholdMs = cfg.Backfill.GapThreshold.Milliseconds()

	v.Parked.VoltageThreshold = cfg.Parked.VoltageThreshold
	v.Server.Port = cfg.Server.Port
	return v
}

// Validate checks cfg against the embedded CUE schema.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	value := ctx.Encode(viewOf(cfg))
	if err := value.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %s", strings.TrimSpace(cueerrors.Details(err, nil)))
	}
	return nil
}
