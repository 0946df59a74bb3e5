package notifications

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ContextSource reports the current client situation of a user.
type ContextSource interface {
	RuntimeContext(userID string) RuntimeContext
}

// Dispatcher classifies events, decides how to deliver them and hands them
// to the executors, recording every step in the delivery log.
type Dispatcher struct {
	store   *Store
	prefs   PreferenceSource
	push    PushSender
	inApp   *InAppExecutor
	batcher *Batcher
	source  ContextSource
	now     func() time.Time
	logger  *zap.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBatcher routes batchable pushes through b.
func WithBatcher(b *Batcher) Option {
	return func(d *Dispatcher) { d.batcher = b }
}

// WithContextSource sets where Dispatch reads the runtime context from.
func WithContextSource(src ContextSource) Option {
	return func(d *Dispatcher) { d.source = src }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(store *Store, prefs PreferenceSource, push PushSender, inApp *InAppExecutor, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:  store,
		prefs:  prefs,
		push:   push,
		inApp:  inApp,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch delivers ev using the runtime context reported by the context
// source. Without a source the user is treated as away.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (*Outcome, error) {
	rc := RuntimeContext{AppState: AppBackground, Activity: ActivityLow}
	if d.source != nil {
		rc = d.source.RuntimeContext(ev.UserID)
	}
	return d.DispatchWithContext(ctx, ev, rc)
}

// DispatchWithContext delivers ev for the given runtime context. Delivery
// failures are recorded on the log rows; only bookkeeping failures are
// returned.
func (d *Dispatcher) DispatchWithContext(ctx context.Context, ev Event, rc RuntimeContext) (*Outcome, error) {
	if ev.UserID == "" || ev.Type == "" {
		return nil, errors.New("event requires user_id and type")
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = d.now().UTC()
	}
	if rc.Now.IsZero() {
		rc.Now = d.now()
	}
	if rc.AppState == "" {
		rc.AppState = AppUnknown
	}
	if rc.Activity == "" {
		rc.Activity = ActivityMedium
	}

	log := d.logger.With(
		zap.String("notification_id", ev.ID),
		zap.String("user_id", ev.UserID),
		zap.String("event_type", string(ev.Type)),
	)

	cfg, err := Classify(ev.Type)
	if err != nil {
		log.Warn("classifying event, using fallback profile", zap.Error(err))
	}

	prefs := d.loadPreferences(ctx, ev.UserID, log)
	dec := Decide(ev, prefs, cfg, rc)

	log.Info("delivery decided",
		zap.String("priority", string(cfg.Priority)),
		zap.String("method", string(dec.Method)),
		zap.String("reason", dec.Reason),
		zap.String("app_state", string(rc.AppState)),
		zap.String("activity", string(rc.Activity)))

	out := &Outcome{Event: ev, Config: cfg, Decision: dec}

	base := DeliveryLog{
		NotificationID: ev.ID,
		UserID:         ev.UserID,
		EventType:      ev.Type,
		Decision:       dec.Method,
		Reason:         dec.Reason,
	}

	if dec.Method == MethodSkipped {
		row := base
		row.Method = MethodSkipped
		row.Status = StatusSkipped
		if _, err := d.store.Append(ctx, row); err != nil {
			return nil, err
		}
		return d.finish(ctx, out)
	}

	var pushLog, inAppLog DeliveryLog
	if dec.SendPush {
		row := base
		row.Method = MethodPush
		if pushLog, err = d.store.Append(ctx, row); err != nil {
			return nil, err
		}
	}
	if dec.SendInApp {
		row := base
		row.Method = MethodInApp
		if inAppLog, err = d.store.Append(ctx, row); err != nil {
			return nil, err
		}
	}

	if dec.SendPush {
		job := pushJobFor(ev, prefs, cfg, pushLog.ID)
		if d.batcher != nil && cfg.CanBeBatched && prefs.BatchNotifications {
			d.batcher.Add(job, ev.CreatedAt.Add(cfg.MaxDelay()))
			out.Batched = true
		} else if err := d.push.Send(ctx, job); err != nil {
			log.Warn("push not delivered", zap.Error(err))
		}
	}
	if dec.SendInApp {
		if err := d.inApp.Deliver(ctx, ev, prefs, cfg, rc, inAppLog.ID); err != nil {
			log.Warn("in-app notification not delivered", zap.Error(err))
		}
	}

	return d.finish(ctx, out)
}

func (d *Dispatcher) loadPreferences(ctx context.Context, userID string, log *zap.Logger) Preferences {
	p, err := d.prefs.Get(ctx, userID)
	if err != nil || p == nil {
		log.Error("loading preferences, using fallback", zap.Error(err))
		return FallbackPreferences(userID)
	}
	return *p
}

func (d *Dispatcher) finish(ctx context.Context, out *Outcome) (*Outcome, error) {
	logs, err := d.store.List(ctx, LogFilter{NotificationID: out.Event.ID})
	if err != nil {
		return nil, fmt.Errorf("reading delivery logs: %w", err)
	}
	out.Logs = logs
	return out, nil
}
