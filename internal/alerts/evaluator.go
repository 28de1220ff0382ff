package alerts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/datanyx/fungid/internal/events"
	"github.com/datanyx/fungid/internal/telemetry"
)

// Notifier delivers a raised alert to the grower. Implemented by
// EmailNotifier; nil disables notification.
type Notifier interface {
	Notify(ctx context.Context, a Alert, r telemetry.Reading) error
}

// Evaluator applies species thresholds to each stored reading and
// maintains alert state transitions in the store.
type Evaluator struct {
	store    *Store
	bus      *events.Bus
	notifier Notifier
	cooldown time.Duration
	logger   *slog.Logger

	mu           sync.Mutex
	lastNotified map[string]time.Time // chamber/metric → last email time
}

// NewEvaluator creates an evaluator. bus and notifier may be nil.
func NewEvaluator(store *Store, bus *events.Bus, notifier Notifier, cooldown time.Duration, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Minute
	}
	return &Evaluator{
		store:        store,
		bus:          bus,
		notifier:     notifier,
		cooldown:     cooldown,
		logger:       logger,
		lastNotified: make(map[string]time.Time),
	}
}

// Process classifies a reading and reconciles alert state: raising
// alerts for metrics that left their optimal band, escalating or
// de-escalating active ones, and resolving those that recovered.
// Returns the alerts raised by this reading.
func (e *Evaluator) Process(ctx context.Context, r telemetry.Reading) ([]Alert, error) {
	findings := Evaluate(r)

	var raised []Alert
	for _, f := range findings {
		active, err := e.store.ActiveFor(r.Chamber, f.Metric)
		if err != nil {
			return raised, err
		}

		switch {
		case f.Severity == SeverityOK && active != nil:
			if err := e.store.Resolve(active.ID); err != nil {
				return raised, err
			}
			e.logger.Info("alert cleared",
				"chamber", r.Chamber,
				"metric", f.Metric,
				"value", f.Value,
			)
			e.bus.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceAlerts,
				Kind:      events.KindAlertCleared,
				Data: map[string]any{
					"chamber": r.Chamber,
					"metric":  string(f.Metric),
				},
			})

		case f.Severity != SeverityOK && active == nil:
			a, err := e.store.Raise(r.Chamber, f)
			if err != nil {
				return raised, err
			}
			raised = append(raised, *a)
			e.logger.Warn("alert raised",
				"chamber", r.Chamber,
				"metric", f.Metric,
				"severity", f.Severity,
				"value", f.Value,
			)
			e.bus.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceAlerts,
				Kind:      events.KindAlertRaised,
				Data: map[string]any{
					"chamber":  r.Chamber,
					"metric":   string(f.Metric),
					"severity": string(f.Severity),
					"value":    f.Value,
				},
			})
			if f.Severity == SeverityCritical {
				e.maybeNotify(ctx, *a, r)
			}

		case f.Severity != SeverityOK && active != nil && active.Severity != f.Severity:
			if err := e.store.UpdateSeverity(active.ID, f.Severity, f.Value, f.Message); err != nil {
				return raised, err
			}
			e.logger.Info("alert severity changed",
				"chamber", r.Chamber,
				"metric", f.Metric,
				"from", active.Severity,
				"to", f.Severity,
			)
			// Escalation to critical counts as a fresh notification trigger.
			if f.Severity == SeverityCritical {
				escalated := *active
				escalated.Severity = f.Severity
				escalated.Value = f.Value
				escalated.Message = f.Message
				e.maybeNotify(ctx, escalated, r)
			}
		}
	}
	return raised, nil
}

// maybeNotify sends an email unless the chamber/metric pair was
// notified within the cooldown window. Notification failure never
// fails the evaluation; it is logged and retried on the next trigger.
func (e *Evaluator) maybeNotify(ctx context.Context, a Alert, r telemetry.Reading) {
	if e.notifier == nil {
		return
	}

	key := a.Chamber + "/" + string(a.Metric)
	e.mu.Lock()
	last, seen := e.lastNotified[key]
	if seen && time.Since(last) < e.cooldown {
		e.mu.Unlock()
		e.logger.Debug("alert notification suppressed by cooldown",
			"chamber", a.Chamber,
			"metric", a.Metric,
		)
		return
	}
	e.lastNotified[key] = time.Now()
	e.mu.Unlock()

	if err := e.notifier.Notify(ctx, a, r); err != nil {
		e.logger.Error("alert notification failed",
			"chamber", a.Chamber,
			"metric", a.Metric,
			"error", err,
		)
		// Allow a retry before the cooldown expires.
		e.mu.Lock()
		delete(e.lastNotified, key)
		e.mu.Unlock()
	}
}
