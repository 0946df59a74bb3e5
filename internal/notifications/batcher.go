package notifications

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PushSender delivers a push job.
type PushSender interface {
	Send(ctx context.Context, job PushJob) error
}

// Batcher holds batchable pushes per user and delivers them together when the
// earliest member deadline passes.
type Batcher struct {
	sender PushSender
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]*batch
	closed  bool
}

type batch struct {
	jobs     []PushJob
	deadline time.Time
	timer    *time.Timer
}

// NewBatcher creates a Batcher that delivers through sender.
func NewBatcher(sender PushSender, logger *zap.Logger) *Batcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batcher{
		sender:  sender,
		logger:  logger,
		now:     time.Now,
		pending: make(map[string]*batch),
	}
}

// Add queues job until deadline. A batch flushes at the earliest deadline of
// its members. After Close, jobs are sent immediately.
func (b *Batcher) Add(job PushJob, deadline time.Time) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.deliver(job.UserID, []PushJob{job})
		return
	}

	bt, ok := b.pending[job.UserID]
	if !ok {
		bt = &batch{deadline: deadline}
		b.pending[job.UserID] = bt
		bt.timer = time.AfterFunc(deadline.Sub(b.now()), func() { b.expire(job.UserID, bt) })
	} else if deadline.Before(bt.deadline) {
		bt.deadline = deadline
		bt.timer.Reset(deadline.Sub(b.now()))
	}
	bt.jobs = append(bt.jobs, job)
	b.mu.Unlock()
}

// Pending returns the number of queued jobs for userID.
func (b *Batcher) Pending(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bt, ok := b.pending[userID]; ok {
		return len(bt.jobs)
	}
	return 0
}

// Flush delivers the queued batch of userID now.
func (b *Batcher) Flush(userID string) {
	b.mu.Lock()
	bt, ok := b.pending[userID]
	if ok {
		delete(b.pending, userID)
		bt.timer.Stop()
	}
	b.mu.Unlock()

	if ok {
		b.deliver(userID, bt.jobs)
	}
}

// expire flushes bt when its timer fires. A timer that fires after its batch
// was already flushed leaves the next batch alone.
func (b *Batcher) expire(userID string, bt *batch) {
	b.mu.Lock()
	current := b.pending[userID] == bt
	if current {
		delete(b.pending, userID)
	}
	b.mu.Unlock()

	if current {
		b.deliver(userID, bt.jobs)
	}
}

// FlushAll delivers every queued batch and makes later Adds send directly.
func (b *Batcher) FlushAll() {
	b.mu.Lock()
	b.closed = true
	batches := b.pending
	b.pending = make(map[string]*batch)
	b.mu.Unlock()

	for userID, bt := range batches {
		bt.timer.Stop()
		b.deliver(userID, bt.jobs)
	}
}

func (b *Batcher) deliver(userID string, jobs []PushJob) {
	if len(jobs) == 0 {
		return
	}
	job := mergeJobs(jobs)
	b.logger.Info("flushing push batch", zap.String("user_id", userID), zap.Int("size", len(jobs)))
	if err := b.sender.Send(context.Background(), job); err != nil {
		b.logger.Warn("batched push failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// mergeJobs folds a batch into one push. A single job is sent unchanged.
func mergeJobs(jobs []PushJob) PushJob {
	if len(jobs) == 1 {
		return jobs[0]
	}

	merged := PushJob{
		UserID: jobs[0].UserID,
		Title:  fmt.Sprintf("%d new notifications", len(jobs)),
		Data: map[string]string{
			"batch": "true",
			"count": fmt.Sprint(len(jobs)),
		},
	}
	titles := make([]string, 0, len(jobs))
	for _, j := range jobs {
		titles = append(titles, j.Title)
		merged.Sound = merged.Sound || j.Sound
		merged.LogIDs = append(merged.LogIDs, j.LogIDs...)
	}
	merged.Body = strings.Join(titles, "\n")
	return merged
}
