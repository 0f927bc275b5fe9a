package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// Registry tracks the live connections of this process.
type Registry struct {
	mu          sync.RWMutex
	conns       map[string]*Conn
	idleTimeout time.Duration
	onExpire    func(*Conn)
}

func NewRegistry(idleTimeout time.Duration) *Registry {
	if idleTimeout <= 0 {
		idleTimeout = 10 * time.Minute
	}
	return &Registry{
		conns:       make(map[string]*Conn),
		idleTimeout: idleTimeout,
	}
}

func (r *Registry) SetExpireHook(hook func(*Conn)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

func (r *Registry) Get(id string) (*Conn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// Snapshot returns the live connections ordered by connect time. The slice
// is a copy; connections may close while the caller iterates.
func (r *Registry) Snapshot() []*Conn {
	r.mu.RLock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireIdle()
			}
		}
	}()
}

func (r *Registry) expireIdle() {
	now := time.Now().UTC()
	var expired []*Conn

	r.mu.Lock()
	for id, c := range r.conns {
		if now.Sub(c.LastActivity()) < r.idleTimeout {
			continue
		}
		expired = append(expired, c)
		delete(r.conns, id)
	}
	hook := r.onExpire
	r.mu.Unlock()

	for _, c := range expired {
		_ = c.Shutdown(websocket.ClosePolicyViolation, "idle timeout")
		if hook != nil {
			hook(c)
		}
	}
}

// CloseAll sends a going-away close to every live connection.
func (r *Registry) CloseAll(ctx context.Context, reason string) error {
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for _, c := range r.Snapshot() {
		c := c
		g.Go(func() error {
			return c.Shutdown(websocket.CloseGoingAway, reason)
		})
	}
	return g.Wait()
}
