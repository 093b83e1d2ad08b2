// Package reconcile runs the backstop poll that keeps a room view correct
// when push delivery drops, delays or misses events.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/metrics"
)

// DefaultInterval is the fixed backstop poll period.
const DefaultInterval = 10 * time.Second

// Fetcher reads the authoritative message list of a room, ordered by
// creation time ascending.
type Fetcher interface {
	ListMessages(ctx context.Context, roomID string) ([]chat.Message, error)
}

// Reconciler periodically fetches a room's messages and merges them into its
// view through the same merge rule as push events. It runs regardless of push
// health.
type Reconciler struct {
	fetcher  Fetcher
	view     *chat.View
	interval time.Duration
	timeout  time.Duration
	onDiff   func(chat.Diff)
	logger   *slog.Logger
	trigger  chan struct{}
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithTimeout bounds a single fetch. Defaults to the poll interval.
func WithTimeout(d time.Duration) Option {
	return func(r *Reconciler) { r.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// New creates a Reconciler for view. onDiff is called with every non-empty
// diff a poll produces; it may be nil.
func New(fetcher Fetcher, view *chat.View, onDiff func(chat.Diff), opts ...Option) *Reconciler {
	r := &Reconciler{
		fetcher:  fetcher,
		view:     view,
		interval: DefaultInterval,
		onDiff:   onDiff,
		logger:   slog.Default(),
		trigger:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.timeout <= 0 {
		r.timeout = r.interval
	}
	r.logger = r.logger.With("component", "reconcile", "room_id", view.RoomID())
	return r
}

// PollOnce fetches the room and merges the result. It returns
// chat.ErrViewClosed once the view is torn down.
func (r *Reconciler) PollOnce(ctx context.Context) (chat.Diff, error) {
	if r.view.Closed() {
		return chat.Diff{}, chat.ErrViewClosed
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	msgs, err := r.fetcher.ListMessages(ctx, r.view.RoomID())
	metrics.PollDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PollFailures.Inc()
		return chat.Diff{}, err
	}

	d, err := r.view.MergeSnapshot(msgs)
	if err != nil {
		metrics.MergesTotal.WithLabelValues(string(chat.SourcePoll), "closed").Inc()
		return chat.Diff{}, err
	}
	if d.Empty() {
		metrics.MergesTotal.WithLabelValues(string(chat.SourcePoll), "noop").Inc()
		return d, nil
	}
	metrics.MergesTotal.WithLabelValues(string(chat.SourcePoll), "changed").Inc()
	if r.onDiff != nil {
		r.onDiff(d)
	}
	return d, nil
}

// Trigger requests an immediate poll. Requests made while one is already
// queued collapse into it.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run polls every interval until ctx is cancelled or the view is closed.
// A failed poll is logged and retried on the next tick.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.trigger:
		}

		if _, err := r.PollOnce(ctx); err != nil {
			if errors.Is(err, chat.ErrViewClosed) {
				return
			}
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("poll failed", "error", err)
		}
	}
}
