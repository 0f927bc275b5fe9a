// Package digest summarizes, per active user, what is waiting for them:
// unstashed messages per tag and drafts that were never sent.
package digest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/umportal/internal/observability"
	"github.com/ent0n29/umportal/internal/policy"
	"github.com/ent0n29/umportal/internal/reliability"
	"github.com/ent0n29/umportal/internal/store"
)

const buildConcurrency = 8

// SendPolicy governs retries of a failing Sender.
var SendPolicy = reliability.Policy{Attempts: 3, Base: 500 * time.Millisecond, Cap: 5 * time.Second}

// Entry is one user's digest.
type Entry struct {
	User   store.User
	Counts []store.TagCount
	Drafts int
}

// Empty reports whether there is nothing to tell the user.
func (e Entry) Empty() bool {
	return len(e.Counts) == 0 && e.Drafts == 0
}

func (e Entry) Unstashed() int {
	n := 0
	for _, c := range e.Counts {
		n += c.Count
	}
	return n
}

// Sender hands a digest to its user.
type Sender interface {
	Send(ctx context.Context, e Entry) error
}

// LogSender writes digests to the log instead of mailing them.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(_ context.Context, e Entry) error {
	s.Logger.Info("digest",
		"user_id", e.User.ID,
		"email", policy.MaskEmail(e.User.Email),
		"unstashed", e.Unstashed(),
		"tags", len(e.Counts),
		"drafts", e.Drafts,
	)
	return nil
}

// Build computes the digest of every active user. Users with nothing
// waiting are left out.
func Build(ctx context.Context, q store.Queries) ([]Entry, error) {
	users, err := q.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	entries := make([]Entry, len(users))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(buildConcurrency)
	for i, u := range users {
		if !u.Active {
			continue
		}
		g.Go(func() error {
			counts, err := q.UnstashedCounts(gctx, u.ID)
			if err != nil {
				return fmt.Errorf("unstashed counts for user %d: %w", u.ID, err)
			}
			drafts, err := q.UnsentDraftCount(gctx, u.ID)
			if err != nil {
				return fmt.Errorf("draft count for user %d: %w", u.ID, err)
			}
			entries[i] = Entry{User: u, Counts: counts, Drafts: drafts}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := entries[:0]
	for _, e := range entries {
		if e.User.ID == 0 || e.Empty() {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Run builds the digests and sends each one. A failed send is logged and
// does not stop the others. It returns how many were sent.
func Run(ctx context.Context, q store.Queries, sender Sender, metrics *observability.Metrics, logger *slog.Logger) (int, error) {
	entries, err := Build(ctx, q)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, e := range entries {
		err := SendPolicy.Do(ctx, func(ctx context.Context) error { return sender.Send(ctx, e) })
		if err != nil {
			logger.Warn("digest send failed", "user_id", e.User.ID, "error", err)
			continue
		}
		metrics.ObserveDigestSent()
		sent++
	}
	logger.Info("digest run done", "users", len(entries), "sent", sent)
	return sent, nil
}

// Scheduler runs the digest on a cron expression.
type Scheduler struct {
	Cron    string
	Store   store.Queries
	Sender  Sender
	Metrics *observability.Metrics
	Logger  *slog.Logger

	// Now is the clock; nil means time.Now.
	Now func() time.Time

	mu      sync.Mutex
	running bool
}

// Start validates the expression and runs the schedule loop until ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	if !gronx.IsValid(s.Cron) {
		return fmt.Errorf("invalid digest cron %q", s.Cron)
	}
	s.Logger.Info("digest scheduled", "cron", s.Cron)
	go s.loop(ctx)
	return nil
}

// Next is the first tick strictly after t.
func (s *Scheduler) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.Cron, t, false)
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		next, err := s.Next(s.now())
		if err != nil {
			s.Logger.Error("digest next tick failed", "cron", s.Cron, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-timer.C:
			s.runOnce(ctx)
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// runOnce skips the tick when the previous run is still going.
func (s *Scheduler) runOnce(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.Logger.Warn("digest run skipped, previous run still going")
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if _, err := Run(ctx, s.Store, s.Sender, s.Metrics, s.Logger); err != nil {
		s.Logger.Error("digest run failed", "error", err)
	}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
