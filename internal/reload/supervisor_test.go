package reload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/fleetcollector/config"
	"github.com/timzifer/fleetcollector/telemetry"
)

type fakeService struct {
	name   string
	fail   error
	closed chan struct{}
}

func (s *fakeService) Run(ctx context.Context) error {
	if s.fail != nil {
		return s.fail
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *fakeService) Close() error {
	close(s.closed)
	return nil
}

type reloadCounter struct {
	telemetry.Collector
	mu    sync.Mutex
	files []string
}

func (c *reloadCounter) IncHotReload(file string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files = append(c.files, file)
}

func (c *reloadCounter) reloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.files...)
}

func fileLoader(path string) (*config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if string(data) == "broken" {
		return nil, errors.New("invalid")
	}
	return &config.Config{Name: string(data), Source: path}, nil
}

func TestSupervisorRestartsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collector.yaml")
	writeFile(t, path, "first")
	initial, err := fileLoader(path)
	require.NoError(t, err)

	var mu sync.Mutex
	var built []*fakeService
	collector := &reloadCounter{Collector: telemetry.Noop()}
	sup := &Supervisor{
		Path:      path,
		Load:      fileLoader,
		Interval:  5 * time.Millisecond,
		Collector: collector,
		Build: func(cfg *config.Config) (Service, zerolog.Logger, error) {
			mu.Lock()
			defer mu.Unlock()
			srv := &fakeService{name: cfg.Name, closed: make(chan struct{})}
			built = append(built, srv)
			return srv, zerolog.Nop(), nil
		},
	}
	generations := func() []*fakeService {
		mu.Lock()
		defer mu.Unlock()
		return append([]*fakeService(nil), built...)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx, initial) }()

	require.Eventually(t, func() bool { return len(generations()) == 1 }, time.Second, time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	writeFile(t, path, "broken")
	time.Sleep(50 * time.Millisecond)
	require.Len(t, generations(), 1, "invalid configuration must keep the running generation")

	writeFile(t, path, "second!")
	require.Eventually(t, func() bool { return len(generations()) == 2 }, 2*time.Second, time.Millisecond)

	gens := generations()
	require.Equal(t, "second!", gens[1].name)
	<-gens[0].closed
	require.Equal(t, []string{path}, collector.reloads())

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	<-gens[1].closed
}

func TestSupervisorReturnsServiceFailure(t *testing.T) {
	boom := errors.New("storage unreachable")
	srv := &fakeService{fail: boom, closed: make(chan struct{})}
	sup := &Supervisor{
		Build: func(*config.Config) (Service, zerolog.Logger, error) {
			return srv, zerolog.Nop(), nil
		},
	}
	err := sup.Run(context.Background(), &config.Config{})
	require.ErrorIs(t, err, boom)
	<-srv.closed
}

func TestSupervisorReturnsBuildError(t *testing.T) {
	boom := errors.New("bad driver")
	sup := &Supervisor{
		Build: func(*config.Config) (Service, zerolog.Logger, error) {
			return nil, zerolog.Nop(), boom
		},
	}
	require.ErrorIs(t, sup.Run(context.Background(), &config.Config{}), boom)
}
