// internal/chaos/chaos.go
package chaos

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var ErrSteadyStateInvalid = errors.New("steady state invalid - aborting experiment")

// Experiment injects faults while a workload runs and checks that the
// steady-state metrics hold throughout.
type Experiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Metric
	Method      []Action
	Rollback    []Action
	// Workload is called repeatedly for Duration. Its errors are recorded,
	// not fatal: rejected operations are expected under faults.
	Workload    func(context.Context) error
	Duration    time.Duration
	SampleEvery time.Duration
}

// Metric defines a measurable system property
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

// Action represents a fault injection or recovery action
type Action struct {
	Type    string
	Target  string
	Execute func(context.Context) error
}

// Result captures experiment execution data
type Result struct {
	ExperimentName   string                 `json:"experiment_name"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	Duration         time.Duration          `json:"duration"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	Violations       []MetricViolation      `json:"violations"`
	Observations     map[string][]DataPoint `json:"observations"`
	ErrorEvents      []ErrorEvent           `json:"error_events"`
	WorkloadRuns     int                    `json:"workload_runs"`
	WorkloadErrors   int                    `json:"workload_errors"`
}

type MetricViolation struct {
	MetricName string    `json:"metric_name"`
	Expected   float64   `json:"expected"`
	Actual     float64   `json:"actual"`
	Timestamp  time.Time `json:"timestamp"`
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

// Engine runs experiments and keeps their results.
type Engine struct {
	tracer  trace.Tracer
	logger  *zap.Logger
	mu      sync.Mutex
	results []Result
}

// NewEngine creates an Engine with no recorded results.
func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{
		tracer: otel.Tracer("lending/chaos"),
		logger: logger,
	}
}

// Results returns every result recorded so far.
func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.results...)
}

// Run executes one experiment: steady state check, fault injection,
// observation under load, rollback and a final steady state check.
func (e *Engine) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()

	result := &Result{
		ExperimentName: exp.Name,
		StartTime:      time.Now(),
		Observations:   make(map[string][]DataPoint),
	}

	span.AddEvent("validating_steady_state")
	if violations := e.check(ctx, exp.SteadyState, result); len(violations) > 0 {
		result.Violations = violations
		return result, ErrSteadyStateInvalid
	}
	result.SteadyStateValid = true

	span.AddEvent("injecting_chaos")
	e.execute(ctx, exp.Method, result)

	span.AddEvent("observing_system")
	e.observe(ctx, exp, result)

	span.AddEvent("rolling_back")
	e.execute(ctx, exp.Rollback, result)

	span.AddEvent("validating_assertions")
	result.Violations = append(result.Violations, e.check(ctx, exp.SteadyState, result)...)
	result.HypothesisHeld = len(result.Violations) == 0
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.mu.Lock()
	e.results = append(e.results, *result)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
		attribute.Int("workload.errors", result.WorkloadErrors),
	)
	e.logger.Info("experiment finished",
		zap.String("experiment", exp.Name),
		zap.Bool("hypothesis_held", result.HypothesisHeld),
		zap.Int("violations", len(result.Violations)),
		zap.Int("workload_runs", result.WorkloadRuns),
		zap.Int("workload_errors", result.WorkloadErrors),
	)
	return result, nil
}

// observe drives the workload until the experiment's duration is up and
// samples the metrics on every tick.
func (e *Engine) observe(ctx context.Context, exp Experiment, result *Result) {
	observationCtx, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	if exp.Workload != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for observationCtx.Err() == nil {
				err := exp.Workload(observationCtx)
				mu.Lock()
				result.WorkloadRuns++
				if err != nil {
					result.WorkloadErrors++
				}
				mu.Unlock()
			}
		}()
	}

	every := exp.SampleEvery
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-observationCtx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			violations := e.check(ctx, exp.SteadyState, result)
			mu.Lock()
			result.Violations = append(result.Violations, violations...)
			mu.Unlock()
		}
	}
}

func (e *Engine) execute(ctx context.Context, actions []Action, result *Result) {
	for _, action := range actions {
		if err := action.Execute(ctx); err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
				Timestamp: time.Now(),
				Error:     err.Error(),
				Component: action.Target,
			})
			trace.SpanFromContext(ctx).RecordError(err)
		}
	}
}

// check samples every metric once and returns the ones off threshold.
func (e *Engine) check(ctx context.Context, metrics []Metric, result *Result) []MetricViolation {
	var violations []MetricViolation
	for _, metric := range metrics {
		now := time.Now()
		value, err := metric.Query(ctx)
		if err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
				Timestamp: now,
				Error:     err.Error(),
				Component: metric.Name,
			})
			violations = append(violations, MetricViolation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     -1,
				Timestamp:  now,
			})
			continue
		}
		result.Observations[metric.Name] = append(result.Observations[metric.Name], DataPoint{Timestamp: now, Value: value})
		if !metric.Threshold.Holds(value) {
			violations = append(violations, MetricViolation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     value,
				Timestamp:  now,
			})
		}
	}
	return violations
}

// Holds reports whether value satisfies the threshold.
func (t Threshold) Holds(value float64) bool {
	switch t.Operator {
	case ">":
		return value > t.Value
	case "<":
		return value < t.Value
	case ">=":
		return value >= t.Value
	case "<=":
		return value <= t.Value
	case "==":
		return value == t.Value
	default:
		return false
	}
}

// GameDay is a series of experiments run back to back.
type GameDay struct {
	Name      string
	Scenarios []Experiment
	Pause     time.Duration
}

// RunGameDay runs every scenario, continuing past failures, and reports
// whether every hypothesis held.
func (e *Engine) RunGameDay(ctx context.Context, gameDay GameDay) bool {
	ctx, span := e.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(attribute.String("gameday.name", gameDay.Name)),
	)
	defer span.End()

	e.logger.Info("starting game day", zap.String("name", gameDay.Name), zap.Int("scenarios", len(gameDay.Scenarios)))
	held := true
	for i, scenario := range gameDay.Scenarios {
		e.logger.Info("running experiment",
			zap.Int("index", i+1),
			zap.String("experiment", scenario.Name),
			zap.String("hypothesis", scenario.Hypothesis),
		)
		result, err := e.Run(ctx, scenario)
		if err != nil {
			e.logger.Error("experiment aborted", zap.String("experiment", scenario.Name), zap.Error(err))
			held = false
			continue
		}
		if !result.HypothesisHeld {
			held = false
			for _, v := range result.Violations {
				e.logger.Warn("violation",
					zap.String("metric", v.MetricName),
					zap.Float64("expected", v.Expected),
					zap.Float64("actual", v.Actual),
				)
			}
		}

		if i < len(gameDay.Scenarios)-1 && gameDay.Pause > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(gameDay.Pause):
			}
		}
	}
	return held
}
