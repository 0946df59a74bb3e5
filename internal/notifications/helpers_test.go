package notifications

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type transportResult struct {
	tickets []PushTicket
	err     error
}

// fakeTransport replays results in order; the last one repeats.
type fakeTransport struct {
	mu      sync.Mutex
	results []transportResult
	calls   []PushMessage
}

func (f *fakeTransport) Send(_ context.Context, msg PushMessage) ([]PushTicket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, msg)

	if len(f.results) == 0 {
		tickets := make([]PushTicket, len(msg.To))
		for i := range tickets {
			tickets[i] = PushTicket{Status: "ok", ID: "ticket"}
		}
		return tickets, nil
	}
	r := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return r.tickets, r.err
}

func (f *fakeTransport) Calls() []PushMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PushMessage(nil), f.calls...)
}

type fakeInApp struct {
	mu        sync.Mutex
	err       error
	delivered []InAppNotification
}

func (f *fakeInApp) Deliver(_ context.Context, _ string, n InAppNotification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.delivered = append(f.delivered, n)
	return nil
}

func (f *fakeInApp) Delivered() []InAppNotification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]InAppNotification(nil), f.delivered...)
}

type staticContext map[string]RuntimeContext

func (s staticContext) RuntimeContext(userID string) RuntimeContext {
	return s[userID]
}

type brokenPreferences struct{}

func (brokenPreferences) Get(context.Context, string) (*Preferences, error) {
	return nil, errors.New("database is locked")
}

func noSleep(context.Context, time.Duration) error { return nil }

type harness struct {
	store      *Store
	prefs      *PreferenceStore
	transport  *fakeTransport
	inApp      *fakeInApp
	push       *PushExecutor
	batcher    *Batcher
	dispatcher *Dispatcher
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	database := setupTestDB(t)
	logger := zaptest.NewLogger(t)

	h := &harness{
		store:     NewStore(database),
		prefs:     NewPreferenceStore(database),
		transport: &fakeTransport{},
		inApp:     &fakeInApp{},
	}
	h.push = NewPushExecutor(h.store, h.transport, h.store, 3, time.Millisecond, logger)
	h.push.sleep = noSleep
	h.batcher = NewBatcher(h.push, logger)
	t.Cleanup(h.batcher.FlushAll)

	all := append([]Option{WithBatcher(h.batcher), WithLogger(logger), WithClock(func() time.Time { return noon })}, opts...)
	h.dispatcher = NewDispatcher(h.store, h.prefs, h.push,
		NewInAppExecutor(h.inApp, h.store, logger), all...)
	return h
}

func (h *harness) registerToken(t *testing.T, userID, token string) {
	t.Helper()
	require.NoError(t, h.store.RegisterToken(context.Background(), PushToken{Token: token, UserID: userID}))
}

func logByMethod(logs []DeliveryLog, m DeliveryMethod) *DeliveryLog {
	for i := range logs {
		if logs[i].Method == m {
			return &logs[i]
		}
	}
	return nil
}
