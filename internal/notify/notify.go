// Package notify renders and delivers real-time post notifications and
// report messages.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/TobiSchelling/postwatch/internal/config"
	"github.com/TobiSchelling/postwatch/internal/database"
	"github.com/TobiSchelling/postwatch/internal/policy"
)

const defaultBatch = 20

// Message is one outbound chat message. Body is markdown.
type Message struct {
	Kind  string // "post", "daily", "weekly" or "manual"
	Title string
	Body  string
	Color string
	Items int
}

// Deliverer sends a message. A nil error means the channel accepted it.
type Deliverer interface {
	Deliver(ctx context.Context, msg Message) error
}

// DeliveryError reports a message that could not be delivered after every
// attempt.
type DeliveryError struct {
	Kind   string
	PostID string
	Err    error
}

func (e *DeliveryError) Error() string {
	if e.PostID != "" {
		return fmt.Sprintf("delivering %s %s: %v", e.Kind, e.PostID, e.Err)
	}
	return fmt.Sprintf("delivering %s: %v", e.Kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Store is the slice of the persistence gateway the dispatcher needs.
type Store interface {
	GetUnnotified(ctx context.Context, limit int) ([]database.Post, error)
	MarkNotified(ctx context.Context, postID string, at time.Time) error
}

// Result holds the results of one dispatch pass.
type Result struct {
	Disabled bool
	Sent     int
	Failed   int
}

// Dispatcher delivers unnotified posts and marks them notified.
type Dispatcher struct {
	store     Store
	deliverer Deliverer
	logger    *slog.Logger
	loc       *time.Location
	now       func() time.Time
	batch     int
}

// NewDispatcher creates a dispatcher. loc is the zone timestamps are shown in.
func NewDispatcher(store Store, deliverer Deliverer, loc *time.Location, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:     store,
		deliverer: deliverer,
		logger:    logger,
		loc:       loc,
		now:       time.Now,
		batch:     defaultBatch,
	}
}

// Run delivers every unnotified post, newest first. With realtime_enabled off
// nothing is sent or marked, so posts become eligible again once it is on.
func (d *Dispatcher) Run(ctx context.Context, s config.Settings) *Result {
	if !s.RealtimeEnabled {
		return &Result{Disabled: true}
	}

	posts, err := d.store.GetUnnotified(ctx, d.batch)
	if err != nil {
		d.logger.Error("loading unnotified posts", "error", err)
		return &Result{Failed: 1}
	}

	r := &Result{}
	for _, post := range posts {
		if !post.Can(database.Notified) {
			continue
		}
		msg := PostMessage(post, d.loc, d.now())
		if err := d.Send(ctx, s, msg); err != nil {
			r.Failed++
			d.logger.Warn("notification failed; will retry next cycle",
				"post_id", post.PostID, "error", &DeliveryError{Kind: msg.Kind, PostID: post.PostID, Err: err})
			continue
		}

		if err := d.store.MarkNotified(ctx, post.PostID, d.now()); err != nil && !errors.Is(err, database.ErrStageAlreadySet) {
			// Delivered but unmarked: the next cycle sends it again.
			r.Failed++
			d.logger.Error("failed to mark post notified", "post_id", post.PostID, "error", err)
			continue
		}
		r.Sent++
		d.logger.Info("notified post", "post_id", post.PostID)
	}
	return r
}

// Send delivers msg with the configured retry policy. Each attempt is bounded
// by deliver_timeout.
func (d *Dispatcher) Send(ctx context.Context, s config.Settings, msg Message) error {
	p := policy.Backoff(s.NotifyRetryAttempts, s.NotifyBaseDelay(), s.DeliverDeadline())
	return p.Do(ctx, d.logger, "deliver_"+msg.Kind, func(ctx context.Context) error {
		return d.deliverer.Deliver(ctx, msg)
	})
}

// LogDeliverer writes messages to the log instead of a chat channel.
type LogDeliverer struct {
	Logger *slog.Logger
}

func (l LogDeliverer) Deliver(_ context.Context, msg Message) error {
	l.Logger.Info("message", "kind", msg.Kind, "title", msg.Title, "body", msg.Body)
	return nil
}
