package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	replyChannel   = "reply_tasks"
	feedMaxBackoff = 30 * time.Second
)

// ReplyFeed is the live change feed over reply tasks. It holds a dedicated
// connection on LISTEN reply_tasks; the migration-installed trigger notifies
// with the row id whenever a row enters the pending set, including writes
// made by external processes. Delivery is best-effort: the dispatcher's
// periodic sweep covers notifications lost across reconnects.
type ReplyFeed struct {
	logger *slog.Logger
	pool   *pgxpool.Pool
	ids    chan string
}

// NewReplyFeed creates a feed backed by the given pool.
func NewReplyFeed(log *slog.Logger, pool *pgxpool.Pool) *ReplyFeed {
	if log == nil {
		log = slog.Default()
	}
	return &ReplyFeed{
		logger: log.With(slog.String("component", "replyfeed")),
		pool:   pool,
		ids:    make(chan string, 64),
	}
}

// IDs delivers row ids of observed reply tasks. Closed when Run returns.
func (f *ReplyFeed) IDs() <-chan string {
	return f.ids
}

// Run listens until the context is cancelled, reconnecting with backoff on
// connection loss.
func (f *ReplyFeed) Run(ctx context.Context) {
	defer close(f.ids)
	backoff := time.Second
	for {
		if err := f.listen(ctx); err != nil && ctx.Err() == nil {
			f.logger.Warn("reply feed listen failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, feedMaxBackoff)
	}
}

func (f *ReplyFeed) listen(ctx context.Context) error {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+replyChannel); err != nil {
		return err
	}
	f.logger.Info("reply feed listening")
	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		select {
		case f.ids <- notification.Payload:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
