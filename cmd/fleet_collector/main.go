package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/timzifer/fleetcollector/config"
	"github.com/timzifer/fleetcollector/internal/logging"
	"github.com/timzifer/fleetcollector/internal/reload"
	"github.com/timzifer/fleetcollector/service"
	"github.com/timzifer/fleetcollector/telemetry"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to configuration file")
	healthcheck := flag.Bool("healthcheck", false, "Validate configuration and storage reachability, then exit")
	configCheck := flag.Bool("config-check", false, "Print the effective configuration and exit")
	flag.Parse()

	if *healthcheck {
		if err := executeHealthCheck(*cfgPath); err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if *configCheck {
			fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
			os.Exit(1)
		}
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *configCheck {
		os.Exit(executeConfigCheck(cfg))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	collector, err := newTelemetryCollector(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry disabled: %v\n", err)
		collector = telemetry.Noop()
	}

	if cfg.HotReload {
		sup := &reload.Supervisor{
			Path:      *cfgPath,
			Build:     buildGeneration(collector),
			Collector: collector,
		}
		if err := sup.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatal().Err(err).Msg("collector stopped")
		}
		return
	}

	logger, cleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	defer cleanup()
	log.Logger = logger

	srv, err := service.New(cfg, logger, service.WithCollector(collector))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create collector")
	}
	defer srv.Close()

	if err := srv.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("collector stopped with error")
	}
}

// generation couples a service with the log sink it was built with so both
// are released together on reload.
type generation struct {
	*service.Service
	cleanup func()
}

func (g generation) Close() error {
	defer g.cleanup()
	return g.Service.Close()
}

func buildGeneration(collector telemetry.Collector) reload.Factory {
	return func(cfg *config.Config) (reload.Service, zerolog.Logger, error) {
		logger, cleanup, err := logging.Setup(cfg.Logging)
		if err != nil {
			return nil, zerolog.Nop(), err
		}
		log.Logger = logger
		srv, err := service.New(cfg, logger, service.WithCollector(collector))
		if err != nil {
			cleanup()
			return nil, logger, err
		}
		return generation{Service: srv, cleanup: cleanup}, logger, nil
	}
}

func executeHealthCheck(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	return service.Validate(cfg, zerolog.Nop())
}

func executeConfigCheck(cfg *config.Config) int {
	out, err := yaml.Marshal(redacted(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "render configuration: %v\n", err)
		return 1
	}
	if cfg.Source != "" {
		fmt.Printf("# effective configuration (file %s plus environment)\n", cfg.Source)
	} else {
		fmt.Println("# effective configuration (defaults plus environment)")
	}
	fmt.Print(string(out))
	fmt.Println("Configuration check completed successfully.")
	return 0
}

func redacted(cfg *config.Config) *config.Config {
	clone := *cfg
	if clone.Database.URL != "" {
		clone.Database.URL = "<redacted>"
	}
	return &clone
}

func newTelemetryCollector(cfg config.TelemetryConfig) (telemetry.Collector, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil
	}
	return telemetry.NewPrometheusCollector(prometheus.DefaultRegisterer)
}
