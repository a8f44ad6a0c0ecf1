package simulator

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultSamplesPerFile = 360
	defaultSampleInterval = 10 * time.Second
	defaultHistoryFiles   = 4
)

// Settings describes the simulator's driver_settings node.
type Settings struct {
	Source             string        `yaml:"source,omitempty"`
	Seed               *int64        `yaml:"seed,omitempty"`
	ConnectFailureRate float64       `yaml:"connect_failure_rate,omitempty"`
	PollFailureRate    float64       `yaml:"poll_failure_rate,omitempty"`
	DropRate           float64       `yaml:"drop_rate,omitempty"`
	Latency            time.Duration `yaml:"latency,omitempty"`
	HistoryFiles       int           `yaml:"history_files,omitempty"`
	SamplesPerFile     int           `yaml:"samples_per_file,omitempty"`
	SampleInterval     time.Duration `yaml:"sample_interval,omitempty"`
}

// ParseSettings decodes a driver_settings node. A nil node yields defaults.
func ParseSettings(node *yaml.Node) (Settings, error) {
	var s Settings
	if node != nil && node.Kind != 0 {
		if err := node.Decode(&s); err != nil {
			return Settings{}, fmt.Errorf("decode simulator settings: %w", err)
		}
	}
	return s.resolve()
}

func (s Settings) resolve() (Settings, error) {
	for name, rate := range map[string]float64{
		"connect_failure_rate": s.ConnectFailureRate,
		"poll_failure_rate":    s.PollFailureRate,
		"drop_rate":            s.DropRate,
	} {
		if rate < 0 || rate > 1 {
			return Settings{}, fmt.Errorf("simulator %s must be between 0 and 1", name)
		}
	}
	if s.Latency < 0 {
		return Settings{}, fmt.Errorf("simulator latency must not be negative")
	}
	if s.HistoryFiles <= 0 {
		s.HistoryFiles = defaultHistoryFiles
	}
	if s.SamplesPerFile <= 0 {
		s.SamplesPerFile = defaultSamplesPerFile
	}
	if s.SampleInterval <= 0 {
		s.SampleInterval = defaultSampleInterval
	}
	return s, nil
}
