// Package dispatch consumes the reply-task change feed and delivers
// generated replies through the owning tenant's live session.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/waporthq/waport/internal/session"
	"github.com/waporthq/waport/internal/store"
)

const (
	loadTimeout     = 5 * time.Second
	sweepBatchSize  = 100
	tenantQueueSize = 32
)

// TaskStore is the reply-task persistence surface. Satisfied by
// store.MessageStore.
type TaskStore interface {
	GetByID(ctx context.Context, id string) (store.InboundMessage, error)
	PendingReplies(ctx context.Context, limit int) ([]store.InboundMessage, error)
	MarkReplySent(ctx context.Context, id string) (bool, error)
	ExpirePending(ctx context.Context, olderThan time.Time) (int64, error)
}

// Sender is the live-session surface used for delivery.
type Sender interface {
	State() session.State
	Send(ctx context.Context, address, text string) error
}

// SessionLookup resolves live senders for tenants.
type SessionLookup interface {
	Lookup(tenantID string) (Sender, bool)
}

// ManagerLookup adapts session.Manager to SessionLookup.
type ManagerLookup struct {
	Manager *session.Manager
}

func (l ManagerLookup) Lookup(tenantID string) (Sender, bool) {
	sess, ok := l.Manager.Lookup(tenantID)
	if !ok {
		return nil, false
	}
	return sess, true
}

// Dispatcher routes each observed reply task to a per-tenant worker, so
// sends for one tenant never overlap even when the feed delivers duplicate
// or bursty notifications. A periodic sweep retries tasks whose
// notifications were lost and expires tasks past their TTL.
type Dispatcher struct {
	logger      *slog.Logger
	store       TaskStore
	sessions    SessionLookup
	sendTimeout time.Duration
	sweepEvery  time.Duration
	pendingTTL  time.Duration

	mu      sync.Mutex
	workers map[string]chan string
	cron    *cron.Cron
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(log *slog.Logger, taskStore TaskStore, sessions SessionLookup, sendTimeout, sweepEvery, pendingTTL time.Duration) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		logger:      log.With(slog.String("component", "dispatch")),
		store:       taskStore,
		sessions:    sessions,
		sendTimeout: sendTimeout,
		sweepEvery:  sweepEvery,
		pendingTTL:  pendingTTL,
		workers:     map[string]chan string{},
	}
}

// Start consumes the feed and schedules the sweep until the context is
// cancelled.
func (d *Dispatcher) Start(ctx context.Context, feed <-chan string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.consume(ctx, feed)
	}()

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", d.sweepEvery), func() { d.sweep(ctx) }); err != nil {
		d.logger.Error("schedule sweep failed", slog.Any("error", err))
	} else {
		c.Start()
		d.cron = c
	}
	go func() {
		<-ctx.Done()
		if d.cron != nil {
			d.cron.Stop()
		}
	}()
}

// Wait blocks until the feed consumer and all tenant workers have drained.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) consume(ctx context.Context, feed <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-feed:
			if !ok {
				return
			}
			d.route(ctx, id)
		}
	}
}

// route resolves the task's tenant and hands the id to that tenant's worker.
func (d *Dispatcher) route(ctx context.Context, id string) {
	loadCtx, cancel := context.WithTimeout(ctx, loadTimeout)
	row, err := d.store.GetByID(loadCtx, id)
	cancel()
	if err != nil {
		if !errors.Is(err, store.ErrMessageNotFound) {
			d.logger.Warn("load reply task failed", slog.String("id", id), slog.Any("error", err))
		}
		return
	}
	if row.TenantID == "" {
		return
	}
	d.enqueue(ctx, row.TenantID, id)
}

func (d *Dispatcher) enqueue(ctx context.Context, tenantID, id string) {
	d.mu.Lock()
	queue, ok := d.workers[tenantID]
	if !ok {
		queue = make(chan string, tenantQueueSize)
		d.workers[tenantID] = queue
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.worker(ctx, queue)
		}()
	}
	d.mu.Unlock()

	select {
	case queue <- id:
	default:
		// Queue full; the sweep will pick the task up again.
		d.logger.Warn("tenant dispatch queue full", slog.String("tenant", tenantID))
	}
}

// worker serializes dispatch per tenant: resolve session, send, mark
// complete, one task at a time.
func (d *Dispatcher) worker(ctx context.Context, queue <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-queue:
			d.process(ctx, id)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, id string) {
	loadCtx, cancel := context.WithTimeout(ctx, loadTimeout)
	row, err := d.store.GetByID(loadCtx, id)
	cancel()
	if err != nil {
		if !errors.Is(err, store.ErrMessageNotFound) {
			d.logger.Warn("load reply task failed", slog.String("id", id), slog.Any("error", err))
		}
		return
	}

	// Partially written or already-claimed rows are not dispatchable.
	if !row.ReplyPending || row.AutoReplyText == nil || *row.AutoReplyText == "" ||
		row.SenderAddress == "" || row.TenantID == "" {
		return
	}

	sess, ok := d.sessions.Lookup(row.TenantID)
	if !ok || sess.State() != session.StateActive {
		// Tenant not connected; the task stays pending for a later cycle.
		d.logger.Debug("reply task deferred, no live session",
			slog.String("tenant", row.TenantID), slog.String("id", id))
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	err = sess.Send(sendCtx, row.SenderAddress, *row.AutoReplyText)
	cancel()
	if err != nil {
		d.logger.Warn("reply send failed",
			slog.String("tenant", row.TenantID),
			slog.String("id", id),
			slog.Any("error", err))
		return
	}

	markCtx, cancel := context.WithTimeout(ctx, loadTimeout)
	claimed, err := d.store.MarkReplySent(markCtx, id)
	cancel()
	if err != nil {
		d.logger.Warn("mark reply sent failed", slog.String("id", id), slog.Any("error", err))
		return
	}
	if !claimed {
		d.logger.Debug("reply task already claimed", slog.String("id", id))
		return
	}
	d.logger.Info("reply dispatched",
		slog.String("tenant", row.TenantID),
		slog.String("to", row.SenderAddress),
		slog.String("id", id))
}

// sweep expires stale tasks and re-routes every still-pending one.
func (d *Dispatcher) sweep(ctx context.Context) {
	expireCtx, cancel := context.WithTimeout(ctx, loadTimeout)
	expired, err := d.store.ExpirePending(expireCtx, time.Now().UTC().Add(-d.pendingTTL))
	cancel()
	if err != nil {
		d.logger.Warn("expire pending replies failed", slog.Any("error", err))
	} else if expired > 0 {
		d.logger.Info("expired stale reply tasks", slog.Int64("count", expired))
	}

	listCtx, cancel := context.WithTimeout(ctx, loadTimeout)
	tasks, err := d.store.PendingReplies(listCtx, sweepBatchSize)
	cancel()
	if err != nil {
		d.logger.Warn("sweep pending replies failed", slog.Any("error", err))
		return
	}
	for _, task := range tasks {
		if task.TenantID == "" {
			continue
		}
		d.enqueue(ctx, task.TenantID, task.ID)
	}
}
