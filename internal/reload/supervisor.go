package reload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/fleetcollector/config"
	"github.com/timzifer/fleetcollector/telemetry"
)

// Service is one running generation of the collector.
type Service interface {
	Run(ctx context.Context) error
	Close() error
}

// Factory builds a service generation for cfg together with the logger it
// logs to.
type Factory func(cfg *config.Config) (Service, zerolog.Logger, error)

// Loader reads and validates the configuration at path.
type Loader func(path string) (*config.Config, error)

// Supervisor restarts the service whenever its configuration file changes.
// A changed file that fails to load or validate is logged and the running
// generation is kept.
type Supervisor struct {
	Path      string
	Load      Loader
	Build     Factory
	Interval  time.Duration
	Collector telemetry.Collector
}

// Run starts the first generation from initial and supervises it until ctx
// ends or a generation fails on its own.
func (s *Supervisor) Run(ctx context.Context, initial *config.Config) error {
	collector := s.Collector
	if collector == nil {
		collector = telemetry.Noop()
	}
	load := s.Load
	if load == nil {
		load = config.Load
	}
	interval := s.Interval
	if interval <= 0 {
		interval = time.Second
	}

	watcher, err := NewWatcher(s.Path, initial)
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	cfg := initial
	for {
		srv, logger, err := s.Build(cfg)
		if err != nil {
			return err
		}

		runCtx, cancelRun := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Run(runCtx)
		}()

		var changed []string
	loop:
		for {
			select {
			case <-ctx.Done():
				cancelRun()
				runErr := <-errCh
				closeErr := srv.Close()
				if runErr != nil && !isCancel(runErr) {
					return errors.Join(runErr, closeErr)
				}
				return ctx.Err()
			case err := <-errCh:
				cancelRun()
				return errors.Join(err, srv.Close())
			case <-ticker.C:
				changes, err := watcher.Check()
				if err != nil {
					logger.Error().Err(err).Msg("failed to check configuration changes")
					continue
				}
				if len(changes) == 0 {
					continue
				}
				newCfg, err := load(s.Path)
				if err != nil {
					logger.Error().Err(err).Strs("files", changes).Msg("reloaded configuration invalid, keeping current")
					// Track the broken state so the same edit is not reported every tick.
					_ = watcher.Update(s.Path, cfg)
					continue
				}
				logger.Info().Strs("files", changes).Msg("configuration changed, restarting collector")
				cancelRun()
				if err := <-errCh; err != nil && !isCancel(err) {
					logger.Error().Err(err).Msg("collector stopped with error during reload")
				}
				if err := srv.Close(); err != nil {
					logger.Warn().Err(err).Msg("closing previous collector")
				}
				if err := watcher.Update(s.Path, newCfg); err != nil {
					logger.Error().Err(err).Msg("failed to update watcher state")
				}
				changed = changes
				cfg = newCfg
				break loop
			}
		}

		for _, file := range changed {
			collector.IncHotReload(file)
		}
	}
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
