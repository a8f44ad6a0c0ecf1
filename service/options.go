package service

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/timzifer/fleetcollector/config"
	"github.com/timzifer/fleetcollector/drivers/simulator"
	"github.com/timzifer/fleetcollector/runtime/clock"
	"github.com/timzifer/fleetcollector/runtime/device"
	"github.com/timzifer/fleetcollector/storage"
	"github.com/timzifer/fleetcollector/telemetry"
)

// DriverFactory builds the device factory of a driver from its
// driver_settings node.
type DriverFactory func(settings *yaml.Node, logger zerolog.Logger) (device.Factory, error)

// Option customises how a Service is assembled.
type Option func(*factoryRegistry)

type factoryRegistry struct {
	drivers   map[string]DriverFactory
	store     storage.Store
	collector telemetry.Collector
	clock     clock.Clock
}

func newFactoryRegistry() factoryRegistry {
	return factoryRegistry{
		drivers: map[string]DriverFactory{
			simulator.DriverName: simulatorDriver,
		},
	}
}

func applyOptions(reg factoryRegistry, opts []Option) factoryRegistry {
	for _, opt := range opts {
		if opt != nil {
			opt(&reg)
		}
	}
	return reg
}

// WithDriver registers or overrides a device driver. A nil factory removes it.
func WithDriver(name string, factory DriverFactory) Option {
	return func(reg *factoryRegistry) {
		if reg.drivers == nil {
			reg.drivers = make(map[string]DriverFactory)
		}
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			return
		}
		if factory == nil {
			delete(reg.drivers, name)
			return
		}
		reg.drivers[name] = factory
	}
}

// WithStore supplies an already opened store. The service does not close it.
func WithStore(store storage.Store) Option {
	return func(reg *factoryRegistry) {
		reg.store = store
	}
}

// WithCollector replaces the metrics collector built from the telemetry config.
func WithCollector(c telemetry.Collector) Option {
	return func(reg *factoryRegistry) {
		reg.collector = c
	}
}

// WithClock replaces the clock driving every timer of the service.
func WithClock(c clock.Clock) Option {
	return func(reg *factoryRegistry) {
		reg.clock = c
	}
}

func (reg factoryRegistry) deviceFactory(cfg config.DeviceConfig, logger zerolog.Logger) (device.Factory, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	build, ok := reg.drivers[name]
	if !ok {
		return nil, fmt.Errorf("device driver %q is not registered", cfg.Driver)
	}
	factory, err := build(cfg.Settings(), logger)
	if err != nil {
		return nil, fmt.Errorf("device driver %s: %w", name, err)
	}
	return factory, nil
}

func simulatorDriver(settings *yaml.Node, logger zerolog.Logger) (device.Factory, error) {
	parsed, err := simulator.ParseSettings(settings)
	if err != nil {
		return nil, err
	}
	driver, err := simulator.New(parsed)
	if err != nil {
		return nil, err
	}
	logger.Info().
		Str("component", "driver").
		Str("driver", simulator.DriverName).
		Float64("poll_failure_rate", parsed.PollFailureRate).
		Float64("drop_rate", parsed.DropRate).
		Msg("simulated devices enabled")
	return driver.Factory(), nil
}
