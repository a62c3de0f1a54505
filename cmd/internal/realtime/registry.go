package realtime

import (
	"log/slog"
	"sync"

	"github.com/samber/lo"
)

// Registry is the in-memory presence registry of online users.
//
// A user is online iff it has a bound connection. Each user has at most one
// connection (last identify wins) and each connection backs at most one user.
// Forward and reverse maps are updated under one lock so they never disagree.
type Registry struct {
	log     *slog.Logger
	metrics *Metrics

	mu     sync.RWMutex
	byUser map[string]*Conn
	byConn map[*Conn]string
}

// NewRegistry constructs an empty registry.
func NewRegistry(log *slog.Logger, metrics *Metrics) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:     log,
		metrics: metrics,
		byUser:  make(map[string]*Conn),
		byConn:  make(map[*Conn]string),
	}
}

// Bind associates userID with conn, replacing any previous binding of either side.
// It returns the connection previously bound to userID, if it was a different one.
func (p *Registry) Bind(userID string, conn *Conn) (replaced *Conn) {
	if p == nil || conn == nil || userID == "" {
		return nil
	}

	p.mu.Lock()
	// conn identified before under another user: drop that mapping.
	if prevUser, ok := p.byConn[conn]; ok && prevUser != userID {
		if p.byUser[prevUser] == conn {
			delete(p.byUser, prevUser)
		}
	}
	if old, ok := p.byUser[userID]; ok && old != conn {
		delete(p.byConn, old)
		replaced = old
	}
	p.byUser[userID] = conn
	p.byConn[conn] = userID
	online := len(p.byUser)
	p.mu.Unlock()

	p.metrics.setOnline(online)
	p.log.Info("presence.bind", "user_id", userID, "conn_id", conn.ID, "replaced", replaced != nil)
	return replaced
}

// Unbind removes the mapping owned by conn. A stale connection that was replaced
// by a newer one does not affect the newer binding.
func (p *Registry) Unbind(conn *Conn) (userID string, ok bool) {
	if p == nil || conn == nil {
		return "", false
	}

	p.mu.Lock()
	userID, ok = p.byConn[conn]
	if ok {
		delete(p.byConn, conn)
		if p.byUser[userID] == conn {
			delete(p.byUser, userID)
		}
	}
	online := len(p.byUser)
	p.mu.Unlock()

	if ok {
		p.metrics.setOnline(online)
		p.log.Info("presence.unbind", "user_id", userID, "conn_id", conn.ID)
	}
	return userID, ok
}

// Lookup returns the connection bound to userID.
func (p *Registry) Lookup(userID string) (*Conn, bool) {
	if p == nil {
		return nil, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.byUser[userID]
	return c, ok
}

// UserOf returns the user bound to conn.
func (p *Registry) UserOf(conn *Conn) (string, bool) {
	if p == nil {
		return "", false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	u, ok := p.byConn[conn]
	return u, ok
}

// Online reports whether userID has a bound connection.
func (p *Registry) Online(userID string) bool {
	_, ok := p.Lookup(userID)
	return ok
}

// Len returns the number of online users.
func (p *Registry) Len() int {
	if p == nil {
		return 0
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byUser)
}

// Close closes every bound connection and clears the registry. Used on shutdown.
func (p *Registry) Close(reason string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	conns := lo.Keys(p.byConn)
	p.byUser = make(map[string]*Conn)
	p.byConn = make(map[*Conn]string)
	p.mu.Unlock()

	p.metrics.setOnline(0)
	for _, c := range conns {
		c.CloseWithReason(reason)
	}
}
