// Package srv implements the relay server's subscriber side: the registry of
// connected subscribers, the per-connection writer, and the WebSocket
// registration handshake.
package srv

import (
	"context"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/codeGROOVE-dev/gitnotify/pkg/logger"
	"github.com/codeGROOVE-dev/gitnotify/pkg/protocol"
)

// Sender delivers a message to one connection without blocking the caller.
type Sender interface {
	Send(msg protocol.Message) error
}

// Subscriber is one accepted connection. Repo is only meaningful once Registered.
type Subscriber struct {
	Conn       Sender
	ID         string
	Repo       string
	Registered bool
}

// Registry maps connection IDs to subscribers. It is the only shared mutable
// state in the server; every operation holds the lock for its whole duration
// so lookups never observe a half-updated entry.
type Registry struct {
	subscribers map[string]*Subscriber
	mu          sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{subscribers: make(map[string]*Subscriber)}
}

// Add records a newly accepted, unregistered connection.
func (r *Registry) Add(id string, conn Sender) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.subscribers[id]; exists {
		return goerr.New("duplicate connection id", goerr.V("client_id", id))
	}
	r.subscribers[id] = &Subscriber{ID: id, Conn: conn}
	return nil
}

// MarkRegistered flags a connection as registered for repo. Calling it again
// with a different repo overwrites the previous one.
func (r *Registry) MarkRegistered(id, repo string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subscribers[id]
	if !ok {
		return goerr.Wrap(protocol.ErrNotFound, "unknown connection", goerr.V("client_id", id))
	}
	sub.Repo = repo
	sub.Registered = true
	return nil
}

// Remove drops a connection. Removing an absent ID is not an error;
// it reports whether anything was removed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subscribers[id]; !ok {
		return false
	}
	delete(r.subscribers, id)
	return true
}

// Lookup returns a copy of the subscriber for id.
func (r *Registry) Lookup(id string) (Subscriber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.subscribers[id]
	if !ok {
		return Subscriber{}, false
	}
	return *sub, true
}

// FindByRepo returns a snapshot of registered subscribers watching exactly repo.
func (r *Registry) FindByRepo(repo string) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []Subscriber
	for _, sub := range r.subscribers {
		if sub.Registered && sub.Repo == repo {
			matched = append(matched, *sub)
		}
	}
	return matched
}

// Stats returns the number of connections and how many have registered.
func (r *Registry) Stats() (total, registered int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, sub := range r.subscribers {
		if sub.Registered {
			registered++
		}
	}
	return len(r.subscribers), registered
}

// Broadcast queues msg for every subscriber registered for repo. A failure for
// one subscriber is logged and does not stop delivery to the rest.
func (r *Registry) Broadcast(repo string, msg protocol.Message) (delivered, failed int) {
	// Send outside the lock; the snapshot keeps lookups short.
	matched := r.FindByRepo(repo)
	if len(matched) == 0 {
		logger.Warn("broadcast with zero subscribers for repo", logger.Fields{
			"repo":    repo,
			"command": string(msg.Command),
		})
		return 0, 0
	}
	for _, sub := range matched {
		if err := sub.Conn.Send(msg); err != nil {
			failed++
			logger.Warn("delivery to subscriber failed", logger.Fields{
				"client_id": sub.ID,
				"repo":      repo,
				"command":   string(msg.Command),
				"error":     err.Error(),
			})
			continue
		}
		delivered++
		logger.Info("delivered event to subscriber", logger.Fields{
			"client_id": sub.ID,
			"repo":      repo,
			"command":   string(msg.Command),
		})
	}

	logger.Info("broadcast event", logger.Fields{
		"repo":      repo,
		"command":   string(msg.Command),
		"delivered": delivered,
		"failed":    failed,
	})
	return delivered, failed
}

// Report logs connection counts every interval until ctx is done.
func (r *Registry) Report(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			total, registered := r.Stats()
			logger.Info("PERIODIC CHECK", logger.Fields{
				"total_connections": total,
				"registered":        registered,
			})
		}
	}
}
