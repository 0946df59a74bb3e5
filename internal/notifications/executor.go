package notifications

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// LogUpdater records delivery log status transitions.
type LogUpdater interface {
	UpdateStatus(ctx context.Context, id string, u LogUpdate) error
}

// TokenStore looks up and prunes device push tokens.
type TokenStore interface {
	Tokens(ctx context.Context, userID string) ([]string, error)
	RemoveToken(ctx context.Context, token string) error
}

// PushJob is one push to deliver to a user. LogIDs lists every delivery log
// row whose outcome the job decides; batched jobs carry several.
type PushJob struct {
	UserID string
	Title  string
	Body   string
	Data   map[string]string
	Sound  bool
	Urgent bool
	LogIDs []string
}

func pushJobFor(ev Event, prefs Preferences, cfg PriorityConfig, logID string) PushJob {
	data := map[string]string{
		"notification_id": ev.ID,
		"type":            string(ev.Type),
	}
	if ev.RelatedID != "" {
		data["related_id"] = ev.RelatedID
		data["related_type"] = ev.RelatedType
	}
	for k, v := range ev.Data {
		data[k] = v
	}
	return PushJob{
		UserID: ev.UserID,
		Title:  ev.Title,
		Body:   ev.Body,
		Data:   data,
		Sound:  prefs.SoundEnabled,
		Urgent: cfg.Priority == PriorityUrgent,
		LogIDs: []string{logID},
	}
}

var errNoPushToken = errors.New("no push token registered")

// PushExecutor delivers push jobs with bounded retries.
type PushExecutor struct {
	tokens      TokenStore
	transport   PushTransport
	logs        LogUpdater
	maxAttempts int
	backoff     time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *zap.Logger
}

// NewPushExecutor creates a PushExecutor. maxAttempts below one is treated as one.
func NewPushExecutor(tokens TokenStore, transport PushTransport, logs LogUpdater, maxAttempts int, backoff time.Duration, logger *zap.Logger) *PushExecutor {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PushExecutor{
		tokens:      tokens,
		transport:   transport,
		logs:        logs,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		sleep:       sleepContext,
		logger:      logger,
	}
}

// Send delivers job and records the outcome on its log rows. The returned
// error is the last delivery failure, if any.
func (e *PushExecutor) Send(ctx context.Context, job PushJob) error {
	tokens, err := e.tokens.Tokens(ctx, job.UserID)
	if err != nil {
		e.finish(ctx, job, StatusFailed, 0, err)
		return fmt.Errorf("loading push tokens: %w", err)
	}
	if len(tokens) == 0 {
		e.finish(ctx, job, StatusFailed, 0, errNoPushToken)
		return errNoPushToken
	}

	msg := PushMessage{To: tokens, Title: job.Title, Body: job.Body, Data: job.Data}
	if job.Sound {
		msg.Sound = "default"
	}
	if job.Urgent {
		msg.Priority = "high"
	}

	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		lastErr = e.attempt(ctx, msg)
		if lastErr == nil {
			e.finish(ctx, job, StatusSent, attempt, nil)
			return nil
		}

		e.logger.Warn("push attempt failed",
			zap.String("user_id", job.UserID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))

		var pe *PushError
		if (errors.As(lastErr, &pe) && !pe.Temporary()) || attempt == e.maxAttempts {
			e.finish(ctx, job, StatusFailed, attempt, lastErr)
			return lastErr
		}

		e.record(ctx, job, LogUpdate{Status: StatusPending, AttemptNumber: attempt, ErrorMessage: lastErr.Error()})
		if err := e.sleep(ctx, e.backoff*time.Duration(attempt)); err != nil {
			e.finish(ctx, job, StatusFailed, attempt, lastErr)
			return lastErr
		}
	}
	return lastErr
}

// attempt sends msg once. It succeeds when at least one token was accepted;
// tokens the service reports as unregistered are pruned.
func (e *PushExecutor) attempt(ctx context.Context, msg PushMessage) error {
	tickets, err := e.transport.Send(ctx, msg)
	if err != nil {
		return err
	}

	var firstErr *PushError
	accepted := len(tickets) == 0
	for i, t := range tickets {
		if t.OK() {
			accepted = true
			continue
		}
		if t.Details.Error == "DeviceNotRegistered" && i < len(msg.To) {
			if err := e.tokens.RemoveToken(ctx, msg.To[i]); err != nil {
				e.logger.Warn("pruning push token", zap.Error(err))
			}
		}
		if firstErr == nil {
			firstErr = &PushError{Code: t.Details.Error, Message: t.Message}
		}
	}
	if accepted {
		return nil
	}
	return firstErr
}

func (e *PushExecutor) finish(ctx context.Context, job PushJob, status DeliveryStatus, attempt int, err error) {
	u := LogUpdate{Status: status, AttemptNumber: attempt}
	if err != nil {
		u.ErrorMessage = err.Error()
		e.logger.Error("push delivery failed", zap.String("user_id", job.UserID), zap.Error(err))
	}
	e.record(ctx, job, u)
}

func (e *PushExecutor) record(ctx context.Context, job PushJob, u LogUpdate) {
	for _, id := range job.LogIDs {
		// The log row must reflect the outcome even when the request context ended.
		if err := e.logs.UpdateStatus(context.WithoutCancel(ctx), id, u); err != nil {
			e.logger.Error("updating delivery log", zap.String("log_id", id), zap.Error(err))
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// InAppNotification is the payload rendered by a connected client.
type InAppNotification struct {
	ID          string            `json:"id"`
	Type        EventType         `json:"type"`
	Priority    Priority          `json:"priority"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	RelatedID   string            `json:"related_id,omitempty"`
	RelatedType string            `json:"related_type,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
	Sound       bool              `json:"sound"`
	Vibrate     bool              `json:"vibrate"`
	CreatedAt   time.Time         `json:"created_at"`
}

// InAppTransport shows a notification inside the running client.
type InAppTransport interface {
	Deliver(ctx context.Context, userID string, n InAppNotification) error
}

const reasonNotForeground = "app not in foreground"

// InAppExecutor renders in-app notifications for foreground clients.
type InAppExecutor struct {
	transport InAppTransport
	logs      LogUpdater
	logger    *zap.Logger
}

// NewInAppExecutor creates an InAppExecutor.
func NewInAppExecutor(transport InAppTransport, logs LogUpdater, logger *zap.Logger) *InAppExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InAppExecutor{transport: transport, logs: logs, logger: logger}
}

// Deliver renders ev when the client is in the foreground and records the
// outcome on the log row.
func (e *InAppExecutor) Deliver(ctx context.Context, ev Event, prefs Preferences, cfg PriorityConfig, rc RuntimeContext, logID string) error {
	ctx = context.WithoutCancel(ctx)

	if rc.AppState != AppForeground {
		return e.record(ctx, logID, LogUpdate{Status: StatusSkipped, ErrorMessage: reasonNotForeground})
	}

	n := InAppNotification{
		ID:          ev.ID,
		Type:        ev.Type,
		Priority:    cfg.Priority,
		Title:       ev.Title,
		Body:        ev.Body,
		RelatedID:   ev.RelatedID,
		RelatedType: ev.RelatedType,
		Data:        ev.Data,
		Sound:       prefs.SoundEnabled,
		Vibrate:     prefs.VibrationEnabled,
		CreatedAt:   ev.CreatedAt,
	}
	if err := e.transport.Deliver(ctx, ev.UserID, n); err != nil {
		e.logger.Error("in-app delivery failed", zap.String("user_id", ev.UserID), zap.Error(err))
		_ = e.record(ctx, logID, LogUpdate{Status: StatusFailed, AttemptNumber: 1, ErrorMessage: err.Error()})
		return err
	}
	return e.record(ctx, logID, LogUpdate{Status: StatusDelivered, AttemptNumber: 1})
}

func (e *InAppExecutor) record(ctx context.Context, id string, u LogUpdate) error {
	if err := e.logs.UpdateStatus(ctx, id, u); err != nil {
		e.logger.Error("updating delivery log", zap.String("log_id", id), zap.Error(err))
		return err
	}
	return nil
}
