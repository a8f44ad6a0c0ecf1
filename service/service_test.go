package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/timzifer/fleetcollector/config"
	"github.com/timzifer/fleetcollector/drivers/simulator"
	"github.com/timzifer/fleetcollector/runtime/clock"
	"github.com/timzifer/fleetcollector/runtime/device"
	"github.com/timzifer/fleetcollector/storage/sqlite"
)

func newTestStore(t *testing.T, devices int) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(context.Background(), ":memory:", nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	for i := 1; i <= devices; i++ {
		serial := fmt.Sprintf("PM%04d", i)
		require.NoError(t, store.SeedDevice(context.Background(), sqlite.DeviceSeed{
			DeviceID:       int64(i),
			OrganizationID: 1,
			SerialNumber:   serial,
			DeviceName:     "Truck " + serial,
			AccessURL:      "https://applinks.thornwave.com/?n=Truck&s=secret&c=key-" + serial,
			ConnectionKey:  "key-" + serial,
			AccessKey:      "secret",
		}))
	}
	return store
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Database.Driver = "sqlite"
	cfg.Database.URL = ":memory:"
	cfg.Telemetry.Enabled = false
	cfg.Pool.CohortCount = 1
	cfg.Polling.Jitter = config.Duration{}
	cfg.Server = config.ServerConfig{Enabled: true, Listen: "127.0.0.1", Port: 0}
	return cfg
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil {
		require.NoError(t, json.Unmarshal(body, out), string(body))
	}
	return resp.StatusCode
}

func TestServiceRunPollsAndShutsDownInOrder(t *testing.T) {
	store := newTestStore(t, 3)
	clk := clock.NewFake(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	cfg := testConfig()

	srv, err := New(cfg, zerolog.Nop(), WithStore(store), WithClock(clk))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		return srv.Scheduler().Running() && srv.Addr() != ""
	}, 2*time.Second, time.Millisecond)
	require.Equal(t, 3, srv.Pool().Stats().Connected)

	clk.Advance(cfg.Polling.Interval.Duration)
	require.Equal(t, int64(3), srv.Scheduler().Stats().SuccessfulPolls)

	base := "http://" + srv.Addr()
	var stats Stats
	require.Equal(t, http.StatusOK, getJSON(t, base+"/stats", &stats))
	require.Equal(t, 3, stats.Pool.TotalDevices)
	require.Equal(t, int64(3), stats.Scheduler.TotalPolls)

	var health Health
	require.Equal(t, http.StatusOK, getJSON(t, base+"/health", &health))
	require.Equal(t, "running", health.Status)
	require.Equal(t, 3, health.Devices.Connected)

	require.Equal(t, http.StatusOK, getJSON(t, base+"/ready", nil))
	require.Equal(t, http.StatusOK, getJSON(t, base+"/live", nil))
	require.Equal(t, http.StatusOK, getJSON(t, base+"/metrics", nil))

	cancel()
	require.NoError(t, <-done)

	// the final flush persisted every polled reading
	var rows, snapshots int
	require.NoError(t, store.DB().QueryRow("SELECT COUNT(*) FROM device_measurements").Scan(&rows))
	require.NoError(t, store.DB().QueryRow("SELECT COUNT(*) FROM device_snapshots").Scan(&snapshots))
	require.Equal(t, 3, rows)
	require.Equal(t, 3, snapshots)

	require.Zero(t, srv.Pool().Stats().TotalDevices)
	require.False(t, srv.Scheduler().Running())
	require.False(t, srv.Writer().Stats().IsRunning)

	// the store was supplied by the caller and stays open
	require.NoError(t, store.Ping(context.Background()))
}

func postJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil {
		require.NoError(t, json.Unmarshal(body, out), string(body))
	}
	return resp.StatusCode
}

func TestOperatorEndpoints(t *testing.T) {
	store := newTestStore(t, 2)
	clk := clock.NewFake(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	cfg := testConfig()

	srv, err := New(cfg, zerolog.Nop(), WithStore(store), WithClock(clk))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		return srv.Scheduler().Running() && srv.Backfill().Stats().Running && srv.Addr() != ""
	}, 2*time.Second, time.Millisecond)
	base := "http://" + srv.Addr()

	var poll PollResult
	require.Equal(t, http.StatusOK, postJSON(t, base+"/devices/1/poll", &poll))
	require.Equal(t, int64(1), poll.DeviceID)
	require.False(t, poll.RecordedAt.IsZero())
	require.Equal(t, 1, srv.Writer().Stats().CurrentQueueSize)

	var apiErr apiError
	require.Equal(t, http.StatusNotFound, postJSON(t, base+"/devices/42/poll", &apiErr))
	require.NotEmpty(t, apiErr.Error)
	require.Equal(t, http.StatusBadRequest, postJSON(t, base+"/devices/x/poll", nil))
	require.Equal(t, http.StatusMethodNotAllowed, getJSON(t, base+"/devices/1/poll", nil))

	var trigger BackfillTrigger
	require.Equal(t, http.StatusAccepted, postJSON(t, base+"/devices/2/backfill", &trigger))
	require.Equal(t, int64(2), trigger.DeviceID)
	require.True(t, trigger.Started)
	require.Equal(t, http.StatusNotFound, postJSON(t, base+"/devices/42/backfill", nil))

	cancel()
	require.NoError(t, <-done)
}

func TestServiceRunWithoutDevices(t *testing.T) {
	store := newTestStore(t, 0)
	cfg := testConfig()
	cfg.Server.Enabled = false

	srv, err := New(cfg, zerolog.Nop(), WithStore(store), WithClock(clock.NewFake(time.Now())))
	require.NoError(t, err)
	require.Empty(t, srv.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	require.Eventually(t, srv.Scheduler().Running, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, srv.Close())
}

func TestNewRejectsUnknownDriverAndPolicy(t *testing.T) {
	store := newTestStore(t, 0)

	cfg := testConfig()
	cfg.Device.Driver = "bluetooth"
	_, err := New(cfg, zerolog.Nop(), WithStore(store))
	require.ErrorContains(t, err, "not registered")

	cfg = testConfig()
	cfg.Batch.OverflowPolicy = "shrug"
	_, err = New(cfg, zerolog.Nop(), WithStore(store))
	require.Error(t, err)

	cfg = testConfig()
	cfg.Parked.Expression = "voltage2 <"
	_, err = New(cfg, zerolog.Nop(), WithStore(store))
	require.Error(t, err)
}

func TestNewWithSpillPolicy(t *testing.T) {
	store := newTestStore(t, 0)
	cfg := testConfig()
	cfg.Batch.OverflowPolicy = "spill"
	cfg.Batch.SpillDir = t.TempDir()

	srv, err := New(cfg, zerolog.Nop(), WithStore(store))
	require.NoError(t, err)
	require.Equal(t, "spill", srv.Writer().Stats().Policy)
	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())
}

func TestWithDriverOverridesRegistry(t *testing.T) {
	store := newTestStore(t, 0)
	cfg := testConfig()
	cfg.Device.Driver = "Custom"
	var node yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte("answer: 42"), &node))
	cfg.Device.DriverSettings = *node.Content[0]

	var seen *yaml.Node
	_, err := New(cfg, zerolog.Nop(), WithStore(store), WithDriver("custom", func(settings *yaml.Node, _ zerolog.Logger) (device.Factory, error) {
		seen = settings
		return func() (device.Handle, error) { return nil, fmt.Errorf("unused") }, nil
	}))
	require.NoError(t, err)
	require.NotNil(t, seen)
	var decoded struct {
		Answer int `yaml:"answer"`
	}
	require.NoError(t, seen.Decode(&decoded))
	require.Equal(t, 42, decoded.Answer)

	_, err = New(testConfig(), zerolog.Nop(), WithStore(store), WithDriver("simulator", nil))
	require.Error(t, err)
}

func TestDriverSettingsFromFileReachSimulator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: sqlite
  url: ":memory:"
device:
  driver: simulator
  driver_settings:
    poll_failure_rate: 0.1
    drop_rate: 0.05
    history_files: 2
`), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	var parsed simulator.Settings
	reg := applyOptions(newFactoryRegistry(), []Option{
		WithDriver(simulator.DriverName, func(settings *yaml.Node, logger zerolog.Logger) (device.Factory, error) {
			var err error
			parsed, err = simulator.ParseSettings(settings)
			if err != nil {
				return nil, err
			}
			return simulatorDriver(settings, logger)
		}),
	})
	factory, err := reg.deviceFactory(cfg.Device, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, factory)
	require.Equal(t, 0.1, parsed.PollFailureRate)
	require.Equal(t, 0.05, parsed.DropRate)
	require.Equal(t, 2, parsed.HistoryFiles)

	cfg.Device.DriverSettings = yaml.Node{}
	_, err = reg.deviceFactory(cfg.Device, zerolog.Nop())
	require.NoError(t, err)
	require.Zero(t, parsed.PollFailureRate)
}

func TestValidate(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, Validate(cfg, zerolog.Nop()))

	cfg.Database.URL = ""
	require.Error(t, Validate(cfg, zerolog.Nop()))

	cfg = testConfig()
	cfg.Device.Driver = "bluetooth"
	require.Error(t, Validate(cfg, zerolog.Nop()))
}

func TestOpenStore(t *testing.T) {
	store, err := OpenStore(context.Background(), config.DatabaseConfig{Driver: "sqlite", URL: ":memory:"}, nil, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, store.Close())

	_, err = OpenStore(context.Background(), config.DatabaseConfig{Driver: "mysql", URL: "x"}, nil, zerolog.Nop())
	require.ErrorContains(t, err, "unsupported database driver")
}
