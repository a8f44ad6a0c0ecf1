package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/shopspring/decimal"
)

const (
	// DefaultParkedThreshold is the chassis voltage below which a truck is
	// considered parked.
	DefaultParkedThreshold = 13.8
	// DefaultParkedExpression flags a truck as parked when voltage2 (chassis)
	// drops below the threshold.
	DefaultParkedExpression = "voltage2 < threshold"

	parkedDateLayout = "2006-01-02"
)

// ParkedRule decides from a reading whether the truck carrying the device is
// parked. The expression sees the reading fields and the configured threshold.
type ParkedRule struct {
	expression string
	threshold  float64
	program    *vm.Program
}

// NewParkedRule compiles expression. An empty expression selects the default.
func NewParkedRule(expression string, threshold float64) (*ParkedRule, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		expression = DefaultParkedExpression
	}
	program, err := expr.Compile(expression, expr.Env(parkedEnv(Reading{}, threshold)), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("parked rule %q: %w", expression, err)
	}
	return &ParkedRule{expression: expression, threshold: threshold, program: program}, nil
}

// DefaultParkedRule returns the voltage2 threshold rule at 13.8V.
func DefaultParkedRule() *ParkedRule {
	rule, err := NewParkedRule(DefaultParkedExpression, DefaultParkedThreshold)
	if err != nil {
		panic(err)
	}
	return rule
}

// Expression returns the source of the rule.
func (r *ParkedRule) Expression() string { return r.expression }

// Parked evaluates the rule against reading.
func (r *ParkedRule) Parked(reading Reading) (bool, error) {
	out, err := expr.Run(r.program, parkedEnv(reading, r.threshold))
	if err != nil {
		return false, fmt.Errorf("evaluate parked rule: %w", err)
	}
	parked, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("parked rule returned %T", out)
	}
	return parked, nil
}

func parkedEnv(reading Reading, threshold float64) map[string]interface{} {
	return map[string]interface{}{
		"voltage1":    reading.Voltage1,
		"voltage2":    reading.Voltage2,
		"current":     reading.Current,
		"power":       reading.Power,
		"temperature": reading.Temperature,
		"soc":         reading.SOC,
		"threshold":   threshold,
	}
}

// ParkedState is the parked bookkeeping stored next to a device snapshot.
type ParkedState struct {
	IsParked           bool
	ParkedSince        *time.Time
	TodayParkedSeconds int64
	TodayParkedMinutes int
	ParkedDate         string
	UpdatedAt          time.Time
}

// NextParkedState folds a new reading taken at `at` into the previous state.
//
// Parked time accrues between consecutive readings while the previous reading
// was parked, clipped to the current UTC day. The daily total resets when the
// date changes. prev is nil for a device without a snapshot.
func (r *ParkedRule) NextParkedState(prev *ParkedState, reading Reading, at time.Time) (ParkedState, error) {
	at = at.UTC()
	parked, err := r.Parked(reading)
	if err != nil {
		return ParkedState{}, err
	}
	today := at.Format(parkedDateLayout)
	next := ParkedState{IsParked: parked, ParkedDate: today, UpdatedAt: at}
	if parked {
		since := at
		next.ParkedSince = &since
	}
	if prev == nil {
		return next, nil
	}

	var seconds int64
	if prev.ParkedDate == today {
		seconds = prev.TodayParkedSeconds
	}
	if prev.IsParked {
		start := prev.UpdatedAt.UTC()
		if midnight := startOfDay(at); start.Before(midnight) {
			start = midnight
		}
		if at.After(start) {
			seconds += int64(at.Sub(start) / time.Second)
		}
		if parked && prev.ParkedSince != nil {
			since := prev.ParkedSince.UTC()
			next.ParkedSince = &since
		}
	}
	next.TodayParkedSeconds = seconds
	next.TodayParkedMinutes = int(decimal.NewFromInt(seconds).Div(decimal.NewFromInt(60)).Round(0).IntPart())
	return next, nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
