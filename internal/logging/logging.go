package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/grafana/loki-client-go/loki"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"

	"github.com/timzifer/fleetcollector/config"
)

// DefaultApp is the app label attached to shipped log lines when none is configured.
const DefaultApp = "fleet-collector"

// Setup creates a zerolog logger according to the provided configuration.
func Setup(cfg config.LoggingConfig) (zerolog.Logger, func(), error) {
	return setup(cfg, os.Stdout)
}

func setup(cfg config.LoggingConfig, out io.Writer) (zerolog.Logger, func(), error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("parse log level: %w", err)
		}
		level = parsed
	}

	stdout := out
	switch strings.ToLower(cfg.Format) {
	case "", "json":
	case "text", "console":
		stdout = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	default:
		return zerolog.Logger{}, nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	writers := []io.Writer{stdout}
	cleanup := func() {}

	if cfg.Loki.Enabled {
		lokiWriter, closer, err := newLokiWriter(cfg.Loki)
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		writers = append(writers, lokiWriter)
		cleanup = closer
	}

	multi := zerolog.MultiLevelWriter(writers...)
	logger := zerolog.New(multi).With().Timestamp().Logger().Level(level)
	return logger, cleanup, nil
}

// Labels converts configured labels into a Loki label set with the app label
// filled in.
func Labels(configured map[string]string) model.LabelSet {
	labels := model.LabelSet{}
	for k, v := range configured {
		name := model.LabelName(k)
		if !name.IsValid() || v == "" {
			continue
		}
		labels[name] = model.LabelValue(v)
	}
	if _, ok := labels["app"]; !ok {
		labels["app"] = DefaultApp
	}
	return labels
}

func newLokiWriter(cfg config.LokiConfig) (io.Writer, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("loki url is required")
	}
	lokiCfg, err := loki.NewDefaultConfig(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("prepare loki config: %w", err)
	}
	client, err := loki.New(lokiCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create loki client: %w", err)
	}
	writer := &lokiWriter{client: client, labels: Labels(cfg.Labels)}
	return writer, client.Stop, nil
}

type lokiWriter struct {
	client *loki.Client
	labels model.LabelSet
}

func (l *lokiWriter) Write(p []byte) (int, error) {
	entry := strings.TrimSpace(string(p))
	if entry == "" {
		return len(p), nil
	}
	err := l.client.Handle(entryLabels(l.labels, p), time.Now(), entry)
	return len(p), err
}

// entryLabels adds the zerolog level of a JSON log line as a stream label.
func entryLabels(base model.LabelSet, line []byte) model.LabelSet {
	var head struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(line, &head); err != nil || head.Level == "" {
		return base
	}
	return base.Merge(model.LabelSet{"level": model.LabelValue(head.Level)})
}
