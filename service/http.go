package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/timzifer/fleetcollector/runtime/backfill"
	"github.com/timzifer/fleetcollector/runtime/batch"
	"github.com/timzifer/fleetcollector/runtime/pool"
	"github.com/timzifer/fleetcollector/runtime/scheduler"
	"github.com/timzifer/fleetcollector/storage"
)

// queueReadyRatio is the writer fill level above which the service reports
// not ready.
const queueReadyRatio = 0.9

// Health is the body of GET /health.
type Health struct {
	Status    string     `json:"status"`
	StartedAt time.Time  `json:"startedAt"`
	Uptime    string     `json:"uptime"`
	Devices   pool.Stats `json:"devices"`
	Scheduler bool       `json:"schedulerRunning"`
	Queue     int        `json:"queueDepth"`
}

// Stats is the body of GET /stats.
type Stats struct {
	Pool      pool.Stats      `json:"connectionPool"`
	Scheduler scheduler.Stats `json:"pollingScheduler"`
	Writer    batch.Stats     `json:"batchWriter"`
	Backfill  backfill.Stats  `json:"backfillService"`
}

type httpServer struct {
	srv    *http.Server
	logger zerolog.Logger
	errs   chan error
	bound  atomic.Value
}

func (s *Service) newHTTPServer(addr string, goroutineThreshold int) *httpServer {
	health := healthcheck.NewHandler()
	if goroutineThreshold > 0 {
		health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(goroutineThreshold))
	}
	health.AddReadinessCheck("storage", healthcheck.Timeout(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return s.store.Ping(ctx)
	}, 3*time.Second))
	health.AddReadinessCheck("writer-queue", s.checkQueue)
	health.AddReadinessCheck("scheduler", func() error {
		if !s.scheduler.Running() {
			return errors.New("polling scheduler not running")
		}
		return nil
	})

	mux := http.NewServeMux()
	mux.Handle("/live", health)
	mux.Handle("/ready", health)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.logger, s.Health())
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.logger, s.Stats())
	})
	mux.HandleFunc("POST /devices/{id}/poll", s.handleForcePoll)
	mux.HandleFunc("POST /devices/{id}/backfill", s.handleTriggerBackfill)

	return &httpServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: s.logger.With().Str("component", "http").Logger(),
		errs:   make(chan error, 1),
	}
}

func (s *Service) checkQueue() error {
	depth, capacity := s.writer.QueueDepth(), s.writer.Capacity()
	if capacity > 0 && float64(depth) >= queueReadyRatio*float64(capacity) {
		return fmt.Errorf("writer queue at %d of %d", depth, capacity)
	}
	return nil
}

func (h *httpServer) start() error {
	ln, err := net.Listen("tcp", h.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", h.srv.Addr, err)
	}
	h.bound.Store(ln.Addr().String())
	h.logger.Info().Str("addr", ln.Addr().String()).Msg("health and metrics server listening")
	go func() {
		if err := h.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.errs <- err
		}
	}()
	return nil
}

func (h *httpServer) addr() string {
	if v, ok := h.bound.Load().(string); ok {
		return v
	}
	return ""
}

func (h *httpServer) shutdown(ctx context.Context) error {
	return h.srv.Shutdown(ctx)
}

// PollResult is the body returned by POST /devices/{id}/poll.
type PollResult struct {
	DeviceID    int64     `json:"deviceId"`
	RecordedAt  time.Time `json:"recordedAt"`
	Voltage1    float64   `json:"voltage1"`
	Voltage2    float64   `json:"voltage2"`
	Current     float64   `json:"current"`
	Power       float64   `json:"power"`
	Temperature float64   `json:"temperature"`
	SOC         float64   `json:"soc"`
}

// BackfillTrigger is the body returned by POST /devices/{id}/backfill.
type BackfillTrigger struct {
	DeviceID int64 `json:"deviceId"`
	Started  bool  `json:"started"`
}

type apiError struct {
	Error string `json:"error"`
}

func deviceID(w http.ResponseWriter, r *http.Request, logger zerolog.Logger) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSONStatus(w, logger, http.StatusBadRequest, apiError{Error: "invalid device id"})
		return 0, false
	}
	return id, true
}

func (s *Service) handleForcePoll(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceID(w, r, s.logger)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Pool.ConnectTimeout.Duration+s.cfg.Pool.PollTimeout.Duration)
	defer cancel()

	m, err := s.scheduler.ForcePoll(ctx, id)
	switch {
	case errors.Is(err, pool.ErrDeviceNotFound):
		writeJSONStatus(w, s.logger, http.StatusNotFound, apiError{Error: err.Error()})
		return
	case err != nil:
		s.logger.Warn().Err(err).Int64("device_id", id).Msg("forced poll failed")
		writeJSONStatus(w, s.logger, http.StatusBadGateway, apiError{Error: err.Error()})
		return
	}
	s.logger.Info().Int64("device_id", id).Msg("forced poll")
	writeJSON(w, s.logger, PollResult{
		DeviceID:    m.DeviceID,
		RecordedAt:  m.RecordedAt,
		Voltage1:    m.Voltage1,
		Voltage2:    m.Voltage2,
		Current:     m.Current,
		Power:       m.Power,
		Temperature: m.Temperature,
		SOC:         m.SOC,
	})
}

func (s *Service) handleTriggerBackfill(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceID(w, r, s.logger)
	if !ok {
		return
	}
	started, err := s.backfill.TriggerBackfill(r.Context(), id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeJSONStatus(w, s.logger, http.StatusNotFound, apiError{Error: err.Error()})
		return
	case errors.Is(err, backfill.ErrSessionActive):
		writeJSONStatus(w, s.logger, http.StatusConflict, apiError{Error: err.Error()})
		return
	case err != nil:
		s.logger.Error().Err(err).Int64("device_id", id).Msg("trigger backfill failed")
		writeJSONStatus(w, s.logger, http.StatusInternalServerError, apiError{Error: err.Error()})
		return
	}
	s.logger.Info().Int64("device_id", id).Bool("started", started).Msg("backfill triggered")
	writeJSONStatus(w, s.logger, http.StatusAccepted, BackfillTrigger{DeviceID: id, Started: started})
}

func writeJSON(w http.ResponseWriter, logger zerolog.Logger, v interface{}) {
	writeJSONStatus(w, logger, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, logger zerolog.Logger, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		logger.Error().Err(err).Msg("encode response")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
