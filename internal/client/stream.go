package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/Iron-Ham/teamrun/internal/api"
	"github.com/Iron-Ham/teamrun/internal/event"
)

// Frame is one event received from the stream. Payload is left raw; use
// Decode to read it into the matching event payload type.
type Frame struct {
	Type      event.Type      `json:"type"`
	ProjectID string          `json:"projectId"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Seq       uint64          `json:"seq,omitempty"`
	Error     *api.ErrorBody  `json:"error,omitempty"`
}

// Decode unmarshals the payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return errors.New("client: frame has no payload")
	}
	return json.Unmarshal(f.Payload, v)
}

func (f Frame) control() bool {
	switch string(f.Type) {
	case api.MsgSubscribed, api.MsgUnsubscribed, api.MsgPong, api.MsgError:
		return true
	}
	return false
}

// Reconnect attempt limits for StreamOptions.MaxRetries.
const (
	DefaultMaxRetries = 10
	UnlimitedRetries  = -1
)

// StreamOptions configures an event stream.
type StreamOptions struct {
	ProjectID string
	SessionID string
	// MaxRetries bounds reconnect attempts per outage. Zero means
	// DefaultMaxRetries; UnlimitedRetries never gives up.
	MaxRetries int
	// InitialDelay and MaxDelay shape the reconnect backoff.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// OnReconnect is called after the stream is re-established. Sequence
	// numbers restart at 1 on every connection, and events published while
	// disconnected are not replayed.
	OnReconnect func(attempts int)
	// Buffer is the Events channel capacity (default 64).
	Buffer int
}

// Stream is a subscription to the server's event feed that reconnects on
// failure and re-subscribes with the same filter.
type Stream struct {
	c      *Client
	opts   StreamOptions
	events chan Frame

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn
	err  error
}

// Stream connects and subscribes. The first connection must succeed; later
// drops are retried with exponential backoff.
func (c *Client) Stream(ctx context.Context, opts StreamOptions) (*Stream, error) {
	if opts.ProjectID == "" {
		return nil, errors.New("client: stream needs a project")
	}
	if opts.MaxRetries < UnlimitedRetries {
		return nil, fmt.Errorf("client: invalid max retries %d", opts.MaxRetries)
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		c:      c,
		opts:   opts,
		events: make(chan Frame, opts.Buffer),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	conn, early, err := s.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	s.setConn(conn)
	go s.run(conn, early)
	return s, nil
}

// Events delivers bus events in order. It is closed when the stream ends.
func (s *Stream) Events() <-chan Frame { return s.events }

// Err returns why the stream ended, or nil if it was closed by the caller.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the stream and waits for its reader to exit.
func (s *Stream) Close() {
	s.cancel()
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	<-s.done
}

func (s *Stream) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	// Close may have run between dial and here.
	if s.ctx.Err() != nil {
		conn.Close()
	}
}

func (s *Stream) streamURL() string {
	u := s.c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	default:
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	q := url.Values{}
	if s.opts.ProjectID != "" {
		q.Set("projectId", s.opts.ProjectID)
	}
	if s.opts.SessionID != "" {
		q.Set("sessionId", s.opts.SessionID)
	}
	return u + "/ws?" + q.Encode()
}

// dial opens a socket and waits for the subscription to be confirmed. It
// returns any events that arrived before the confirmation.
func (s *Stream) dial(ctx context.Context) (*websocket.Conn, []Frame, error) {
	header := http.Header{}
	s.c.authorize(header)
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	conn, resp, err := dialer.DialContext(ctx, s.streamURL(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if errors.Is(err, websocket.ErrBadHandshake) {
				data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
				return nil, nil, decodeError(resp.StatusCode, data)
			}
		}
		return nil, nil, fmt.Errorf("client: dial event stream: %w", err)
	}

	// Events may already be in flight when the subscription is confirmed;
	// keep them so they are delivered after the ack.
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var early []Frame
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("client: await subscription: %w", err)
		}
		if !f.control() {
			early = append(early, f)
			continue
		}
		if string(f.Type) == api.MsgSubscribed {
			break
		}
		conn.Close()
		if f.Error != nil {
			return nil, nil, &APIError{Status: http.StatusBadRequest, Body: *f.Error}
		}
		return nil, nil, fmt.Errorf("client: unexpected control frame %q", f.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})
	return conn, early, nil
}

func (s *Stream) run(conn *websocket.Conn, early []Frame) {
	defer close(s.done)
	defer close(s.events)

	logger := s.c.logger.With("component", "stream")
	for {
		err := s.pump(conn, early)
		conn.Close()
		if s.ctx.Err() != nil {
			return
		}
		logger.Warn("event stream dropped", "error", err.Error())

		next, frames, err := s.reconnect()
		if err != nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			return
		}
		s.setConn(next)
		conn, early = next, frames
	}
}

// pump forwards early, then events read from conn until the socket fails.
func (s *Stream) pump(conn *websocket.Conn, early []Frame) error {
	for _, f := range early {
		select {
		case s.events <- f:
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.c.logger.Debug("skipping malformed frame", "error", err.Error())
			continue
		}
		if f.control() {
			if f.Error != nil {
				s.c.logger.Warn("server rejected stream message", "code", f.Error.Code, "message", f.Error.Message)
			}
			continue
		}
		select {
		case s.events <- f:
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
}

func (s *Stream) reconnect() (*websocket.Conn, []Frame, error) {
	eb := backoff.NewExponentialBackOff()
	if s.opts.InitialDelay > 0 {
		eb.InitialInterval = s.opts.InitialDelay
	}
	if s.opts.MaxDelay > 0 {
		eb.MaxInterval = s.opts.MaxDelay
	}
	eb.MaxElapsedTime = 0
	var policy backoff.BackOff = eb
	if s.opts.MaxRetries != UnlimitedRetries {
		policy = backoff.WithMaxRetries(eb, uint64(s.opts.MaxRetries))
	}
	policy = backoff.WithContext(policy, s.ctx)

	var (
		conn     *websocket.Conn
		early    []Frame
		attempts int
	)
	op := func() error {
		attempts++
		c, frames, err := s.dial(s.ctx)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError && apiErr.Status != http.StatusTooManyRequests {
				return backoff.Permanent(err)
			}
			return err
		}
		conn, early = c, frames
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.c.logger.Debug("reconnect failed", "attempt", attempts, "retry_in", wait.String(), "error", err.Error())
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, nil, fmt.Errorf("client: reconnect after %d attempt(s): %w", attempts, err)
	}
	s.c.logger.Info("event stream reconnected", "attempts", attempts)
	if s.opts.OnReconnect != nil {
		s.opts.OnReconnect(attempts)
	}
	return conn, early, nil
}
