package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/codegate/internal/config"
)

// AnomalyDetector flags clients whose execution failure rate spikes within a
// sliding window. A burst of rejected or failing scripts from one client is
// the usual signature of someone probing the sandbox.
type AnomalyDetector struct {
	mu         sync.Mutex
	failures   map[string]*slidingWindow
	successes  map[string]*slidingWindow
	threshold  float64
	minSamples int
	window     time.Duration
	now        func() time.Time
	logger     *slog.Logger
	onAnomaly  func(Anomaly)
}

// Anomaly describes a client whose failure rate crossed the threshold.
type Anomaly struct {
	ClientID    string
	FailureRate float64
	Threshold   float64
	Failures    int
	Total       int
	DetectedAt  time.Time
}

type slidingWindow struct {
	entries []time.Time
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	windowSecs := cfg.WindowSeconds
	if windowSecs <= 0 {
		windowSecs = 300
	}
	minSamples := cfg.MinSamples
	if minSamples <= 0 {
		minSamples = 10
	}
	return &AnomalyDetector{
		failures:   make(map[string]*slidingWindow),
		successes:  make(map[string]*slidingWindow),
		threshold:  cfg.ErrorRateThreshold,
		minSamples: minSamples,
		window:     time.Duration(windowSecs) * time.Second,
		now:        time.Now,
		logger:     logger,
	}
}

// OnAnomaly registers fn to be called, outside the detector lock, each time
// a client is flagged. Call at startup only.
func (a *AnomalyDetector) OnAnomaly(fn func(Anomaly)) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onAnomaly = fn
}

// RecordFailure records a failed or rejected execution for client and
// reports whether the client's failure rate is now above the threshold.
func (a *AnomalyDetector) RecordFailure(client string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	now := a.now()
	a.windowFor(a.failures, client).add(now, a.window)
	anomaly, flagged := a.checkFailureRate(client, now)
	hook := a.onAnomaly
	a.mu.Unlock()

	if flagged && hook != nil {
		hook(anomaly)
	}
	return flagged
}

// RecordSuccess records a successful execution for client.
func (a *AnomalyDetector) RecordSuccess(client string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.windowFor(a.successes, client).add(a.now(), a.window)
}

// Prune drops clients with no events left in the window and returns how many
// were removed.
func (a *AnomalyDetector) Prune() int {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	removed := 0
	for client, f := range a.failures {
		f.prune(now, a.window)
		s := a.successes[client]
		if s != nil {
			s.prune(now, a.window)
		}
		if len(f.entries) == 0 && (s == nil || len(s.entries) == 0) {
			delete(a.failures, client)
			delete(a.successes, client)
			removed++
		}
	}
	for client, s := range a.successes {
		if _, ok := a.failures[client]; ok {
			continue
		}
		s.prune(now, a.window)
		if len(s.entries) == 0 {
			delete(a.successes, client)
			removed++
		}
	}
	return removed
}

// checkFailureRate must be called with a.mu held.
func (a *AnomalyDetector) checkFailureRate(client string, now time.Time) (Anomaly, bool) {
	if a.threshold <= 0 {
		return Anomaly{}, false
	}

	failures := a.windowFor(a.failures, client).count(now, a.window)
	successes := a.windowFor(a.successes, client).count(now, a.window)
	total := failures + successes
	if total < a.minSamples {
		return Anomaly{}, false
	}

	rate := float64(failures) / float64(total)
	if rate <= a.threshold {
		return Anomaly{}, false
	}
	if a.logger != nil {
		a.logger.Warn("anomaly detected: high execution failure rate",
			slog.String("client_id", client),
			slog.Float64("failure_rate", rate),
			slog.Float64("threshold", a.threshold),
			slog.Int("failures", failures),
			slog.Int("total", total),
		)
	}
	return Anomaly{
		ClientID:    client,
		FailureRate: rate,
		Threshold:   a.threshold,
		Failures:    failures,
		Total:       total,
		DetectedAt:  now,
	}, true
}

func (a *AnomalyDetector) windowFor(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{}
		m[key] = w
	}
	return w
}

func (w *slidingWindow) add(now time.Time, window time.Duration) {
	w.entries = append(w.entries, now)
	w.prune(now, window)
}

func (w *slidingWindow) count(now time.Time, window time.Duration) int {
	w.prune(now, window)
	return len(w.entries)
}

// prune removes entries older than the window. Entries are in time order.
func (w *slidingWindow) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(w.entries) && w.entries[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
