package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/seedvault/internal/config"
)

// minSamples is the number of outcomes needed before an error rate is judged.
const minSamples = 5

// AnomalyDetector flags operations whose error rate over a sliding window
// crosses a threshold, e.g. a store that starts refusing writes.
type AnomalyDetector struct {
	mu        sync.Mutex
	errors    map[string]*slidingWindow
	successes map[string]*slidingWindow
	alerting  map[string]bool // Operations currently above threshold.
	threshold float64
	window    time.Duration
	onAnomaly func(operation string, rate float64)
	logger    *slog.Logger
	now       func() time.Time
}

type slidingWindow struct {
	entries []time.Time
	window  time.Duration
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	secs := cfg.WindowSeconds
	if secs <= 0 {
		secs = 300
	}
	return &AnomalyDetector{
		errors:    make(map[string]*slidingWindow),
		successes: make(map[string]*slidingWindow),
		alerting:  make(map[string]bool),
		threshold: cfg.ErrorRateThreshold,
		window:    time.Duration(secs) * time.Second,
		logger:    logger,
		now:       time.Now,
	}
}

// OnAnomaly registers fn to run when an operation first crosses the threshold.
// It fires again only after the rate has dropped back below it.
func (a *AnomalyDetector) OnAnomaly(fn func(operation string, rate float64)) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onAnomaly = fn
}

// RecordError records a failed operation.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.windowFor(a.errors, operation).add(a.now())
	a.evaluate(operation)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.windowFor(a.successes, operation).add(a.now())
	a.evaluate(operation)
}

// ErrorRate returns the current error rate of operation and the sample count.
func (a *AnomalyDetector) ErrorRate(operation string) (float64, int) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rate(operation)
}

// rate must be called with a.mu held.
func (a *AnomalyDetector) rate(operation string) (float64, int) {
	now := a.now()
	errs := a.windowFor(a.errors, operation).count(now)
	total := errs + a.windowFor(a.successes, operation).count(now)
	if total == 0 {
		return 0, 0
	}
	return float64(errs) / float64(total), total
}

// evaluate must be called with a.mu held.
func (a *AnomalyDetector) evaluate(operation string) {
	if a.threshold <= 0 {
		return
	}
	rate, total := a.rate(operation)
	if total < minSamples {
		return
	}
	if rate <= a.threshold {
		a.alerting[operation] = false
		return
	}
	if a.alerting[operation] {
		return
	}
	a.alerting[operation] = true
	if a.logger != nil {
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", a.threshold),
			slog.Int("samples", total),
		)
	}
	if a.onAnomaly != nil {
		a.onAnomaly(operation, rate)
	}
}

func (a *AnomalyDetector) windowFor(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.window}
		m[key] = w
	}
	return w
}

func (w *slidingWindow) add(now time.Time) {
	w.entries = append(w.entries, now)
	w.prune(now)
}

func (w *slidingWindow) count(now time.Time) int {
	w.prune(now)
	return len(w.entries)
}

// prune drops entries older than the window. Entries are in time order.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
