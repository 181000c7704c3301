package event

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/Iron-Ham/teamrun/internal/domain"
	"github.com/Iron-Ham/teamrun/internal/logging"
)

// DefaultSendBuffer is the per-connection outbound queue length used when
// none is configured.
const DefaultSendBuffer = 256

// Reasons a connection was closed by the registry.
const (
	CloseDisconnected = "disconnected"
	CloseSlowConsumer = "slow consumer"
	CloseShutdown     = "shutdown"
)

// ErrEmptySubscription is returned when a subscribe names no project.
var ErrEmptySubscription = errors.New("event: subscription needs a project")

// Subscription is what a connection wants to hear about.
type Subscription struct {
	ProjectID string `json:"projectId"`
	SessionID string `json:"sessionId,omitempty"`
}

// IsZero reports whether the subscription names nothing.
func (s Subscription) IsZero() bool {
	return s.ProjectID == "" && s.SessionID == ""
}

// Matches reports whether e should be delivered to this subscription.
//
// The project must match. A session-scoped event then reaches subscribers
// that chose no session or chose the same one; an event without a session
// reaches every subscriber of the project.
func (s Subscription) Matches(e Event) bool {
	if s.ProjectID == "" || s.ProjectID != e.ProjectID {
		return false
	}
	return e.SessionID == "" || s.SessionID == "" || s.SessionID == e.SessionID
}

// Conn is one client connection's delivery queue. The transport drains
// Events until Done is closed.
type Conn struct {
	id   string
	out  chan Event
	done chan struct{}

	// sub is written under Registry.mu while the connection is in no
	// shard, and read under the lock of the shard holding it.
	sub Subscription

	mu     sync.Mutex
	seq    uint64
	closed bool
	reason string
}

// ID returns the connection identifier.
func (c *Conn) ID() string { return c.id }

// Events returns the outbound queue. It is never closed; select on Done.
func (c *Conn) Events() <-chan Event { return c.out }

// Done is closed when the registry drops the connection.
func (c *Conn) Done() <-chan struct{} { return c.done }

// enqueue stamps e with the next sequence number and queues it. It reports
// false when the queue is full. A closed connection drops e.
func (c *Conn) enqueue(e Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	e.Seq = c.seq + 1
	select {
	case c.out <- e:
		c.seq++
		return true
	default:
		return false
	}
}

// shard holds the connections subscribed to one project.
type shard struct {
	mu    sync.Mutex
	conns map[*Conn]struct{}
}

func (sh *shard) snapshot(e Event) []*Conn {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	out := make([]*Conn, 0, len(sh.conns))
	for c := range sh.conns {
		if c.sub.Matches(e) {
			out = append(out, c)
		}
	}
	return out
}

// Registry maps live connections to their subscriptions and fans published
// events out to them. It is process-wide and in memory only.
//
// Connections are sharded by project: delivery for one project takes only
// that project's lock and each target connection's lock, so publishers on
// unrelated projects never wait on each other. Delivery never blocks: each
// connection has a bounded queue, and a connection whose queue is full is
// detached. Clients must treat that like any disconnect and re-fetch state
// after resubscribing.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*Conn
	projects map[string]*shard

	sendBuffer int
	logger     *logging.Logger

	delivered atomic.Uint64
	detached  atomic.Uint64
}

// NewRegistry creates a registry whose connections buffer up to sendBuffer
// events. A non-positive sendBuffer uses DefaultSendBuffer.
func NewRegistry(sendBuffer int, logger *logging.Logger) *Registry {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Registry{
		conns:      make(map[string]*Conn),
		projects:   make(map[string]*shard),
		sendBuffer: sendBuffer,
		logger:     logger.With("component", "connection_registry"),
	}
}

// Attach subscribes the registry to every event on bus and returns the bus
// subscription ID.
func (r *Registry) Attach(bus *Bus) string {
	return bus.SubscribeAll(r.Deliver)
}

// Connect registers a new connection with no subscription. An empty id gets
// a generated one. Connecting with an id already in use replaces the old
// connection.
func (r *Registry) Connect(id string) *Conn {
	if id == "" {
		id = uuid.NewString()
	}
	c := &Conn{
		id:   id,
		out:  make(chan Event, r.sendBuffer),
		done: make(chan struct{}),
	}

	r.mu.Lock()
	if old, ok := r.conns[id]; ok {
		r.removeLocked(old, CloseDisconnected)
	}
	r.conns[id] = c
	r.mu.Unlock()

	r.logger.Debug("connection registered", "conn_id", id)
	return c
}

// Subscribe sets the connection's subscription to projectID and, when
// sessionID is set, to that session within it. It replaces any previous
// subscription.
func (r *Registry) Subscribe(connID, projectID, sessionID string) error {
	if projectID == "" {
		return ErrEmptySubscription
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return &domain.NotFoundError{Kind: "connection", ID: connID}
	}
	r.unindexLocked(c)
	c.sub = Subscription{ProjectID: projectID, SessionID: sessionID}
	r.indexLocked(c)
	return nil
}

// Unsubscribe clears the connection's subscription but keeps it connected.
func (r *Registry) Unsubscribe(connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return &domain.NotFoundError{Kind: "connection", ID: connID}
	}
	r.unindexLocked(c)
	c.sub = Subscription{}
	return nil
}

// Disconnect removes the connection and its subscription. It is a no-op for
// unknown ids.
func (r *Registry) Disconnect(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.conns[connID]; ok {
		r.removeLocked(c, CloseDisconnected)
	}
}

// Close drops every connection.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.conns {
		r.removeLocked(c, CloseShutdown)
	}
}

// Deliver enqueues e on every matching connection. Per connection, events
// are enqueued in the order Deliver is called and stamped with a
// connection-local sequence number.
func (r *Registry) Deliver(e Event) {
	r.mu.RLock()
	sh := r.projects[e.ProjectID]
	r.mu.RUnlock()
	if sh == nil {
		return
	}

	var slow []*Conn
	for _, c := range sh.snapshot(e) {
		if c.enqueue(e) {
			r.delivered.Add(1)
		} else {
			slow = append(slow, c)
		}
	}

	for _, c := range slow {
		r.mu.Lock()
		removed := r.removeLocked(c, CloseSlowConsumer)
		r.mu.Unlock()
		if removed {
			r.detached.Add(1)
			r.logger.Warn("detaching slow connection",
				"conn_id", c.id,
				"queued", len(c.out),
				"event_type", string(e.Type))
		}
	}
}

// Subscription returns the connection's current subscription.
func (r *Registry) Subscription(connID string) (Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[connID]
	if !ok {
		return Subscription{}, false
	}
	return c.sub, true
}

// CloseReason returns why the registry closed c, or "" if it is open.
func (r *Registry) CloseReason(c *Conn) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Stats returns delivered and detached counters.
func (r *Registry) Stats() (delivered, detached uint64) {
	return r.delivered.Load(), r.detached.Load()
}

func (r *Registry) indexLocked(c *Conn) {
	p := c.sub.ProjectID
	if p == "" {
		return
	}
	sh := r.projects[p]
	if sh == nil {
		sh = &shard{conns: make(map[*Conn]struct{})}
		r.projects[p] = sh
	}
	sh.mu.Lock()
	sh.conns[c] = struct{}{}
	sh.mu.Unlock()
}

func (r *Registry) unindexLocked(c *Conn) {
	p := c.sub.ProjectID
	sh := r.projects[p]
	if sh == nil {
		return
	}
	sh.mu.Lock()
	delete(sh.conns, c)
	empty := len(sh.conns) == 0
	sh.mu.Unlock()
	if empty {
		delete(r.projects, p)
	}
}

// removeLocked closes c and reports whether this call closed it.
func (r *Registry) removeLocked(c *Conn, reason string) bool {
	r.unindexLocked(c)
	if r.conns[c.id] == c {
		delete(r.conns, c.id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.reason = reason
	close(c.done)
	return true
}
