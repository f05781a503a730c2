package mcpd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
)

var (
	defaultStreamBufferSize  = 100
	defaultKeepAliveInterval = 30 * time.Second
)

// StreamEvent is one sequence-numbered event on a session's SSE stream. The
// pair (session id, sequence) is strictly monotonically increasing per
// session; the wire id "<sessionID>:<seq>" parses back into that pair for
// replay matching.
type StreamEvent struct {
	Seq  uint64
	ID   string
	Type string
	Data string
}

func formatEventID(sessionID string, seq uint64) string {
	return fmt.Sprintf("%s:%d", sessionID, seq)
}

func parseEventID(id string) (sessionID string, seq uint64, err error) {
	idx := strings.LastIndex(id, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("malformed event id %q", id)
	}
	seq, err = strconv.ParseUint(id[idx+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed event id %q: %w", id, err)
	}
	return id[:idx], seq, nil
}

// Stream is one session's outbound SSE channel: a live response handle plus a
// bounded FIFO replay buffer of the most recent events. At most one live
// stream exists per session; reconnects replace the stream but carry the
// buffer and sequence forward so event ids stay monotonic for the life of the
// session.
type Stream struct {
	sessionID string
	capacity  int
	logger    *slog.Logger

	mu     sync.Mutex
	sess   *sse.Session
	seq    uint64
	buffer []StreamEvent
	active bool

	keepAliveStop chan struct{}
	done          chan struct{}
}

// SessionID returns the id of the session the stream belongs to.
func (s *Stream) SessionID() string { return s.sessionID }

// Done is closed when the stream stops, releasing the HTTP handler that is
// holding the connection open.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Active reports whether the stream can still deliver events.
func (s *Stream) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// send appends a sequence-numbered event to the buffer and writes it to the
// live connection. A write failure closes the stream; the event stays in the
// buffer for replay after reconnect.
func (s *Stream) send(eventType, data string) bool {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return false
	}

	s.seq++
	ev := StreamEvent{
		Seq:  s.seq,
		ID:   formatEventID(s.sessionID, s.seq),
		Type: eventType,
		Data: data,
	}
	s.buffer = append(s.buffer, ev)
	if len(s.buffer) > s.capacity {
		s.buffer = s.buffer[len(s.buffer)-s.capacity:]
	}

	err := s.writeEvent(ev)
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("failed to write event, closing stream",
			slog.String("eventID", ev.ID),
			slog.String("err", err.Error()))
		s.close()
		return false
	}
	return true
}

// writeEvent writes one event in SSE wire form. Callers hold s.mu.
func (s *Stream) writeEvent(ev StreamEvent) error {
	msg := &sse.Message{Type: sse.Type(ev.Type), ID: sse.ID(ev.ID)}
	msg.AppendData(ev.Data)
	if err := s.sess.Send(msg); err != nil {
		return err
	}
	return s.sess.Flush()
}

// replayAfter re-sends, in original order and with original ids, every
// buffered event whose sequence is strictly greater than lastSeq. Events
// evicted from the buffer are permanently lost; that bounded-memory trade-off
// is documented behavior.
func (s *Stream) replayAfter(lastSeq uint64) error {
	s.mu.Lock()
	var failed error
	for _, ev := range s.buffer {
		if ev.Seq <= lastSeq {
			continue
		}
		if err := s.writeEvent(ev); err != nil {
			failed = fmt.Errorf("replay of %s failed: %w", ev.ID, err)
			break
		}
	}
	s.mu.Unlock()

	if failed != nil {
		s.close()
	}
	return failed
}

func (s *Stream) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.keepAliveStop:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		if !s.active {
			s.mu.Unlock()
			return
		}
		msg := &sse.Message{}
		msg.AppendComment("keep-alive")
		err := s.sess.Send(msg)
		if err == nil {
			err = s.sess.Flush()
		}
		s.mu.Unlock()

		if err != nil {
			s.logger.Debug("keep-alive failed, closing stream",
				slog.String("sessionID", s.sessionID),
				slog.String("err", err.Error()))
			s.close()
			return
		}
	}
}

// close marks the stream inactive, stops the keep-alive timer and releases
// the holding handler. Idempotent.
func (s *Stream) close() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	close(s.keepAliveStop)
	close(s.done)
	s.mu.Unlock()
}

// StreamManager owns the per-session SSE streams: lazy creation on the first
// GET, at-most-one live stream per session, sequence-numbered delivery with a
// bounded replay buffer, and reconnect-and-replay via the last-seen event id.
type StreamManager struct {
	bufferSize int
	keepAlive  time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	streams map[string]*Stream
}

// StreamManagerOption configures a StreamManager.
type StreamManagerOption func(*StreamManager)

// WithStreamBufferSize sets the per-stream replay buffer capacity.
func WithStreamBufferSize(n int) StreamManagerOption {
	return func(m *StreamManager) {
		m.bufferSize = n
	}
}

// WithKeepAliveInterval sets the interval of comment-only keep-alive writes.
// Zero disables keep-alives.
func WithKeepAliveInterval(interval time.Duration) StreamManagerOption {
	return func(m *StreamManager) {
		m.keepAlive = interval
	}
}

// WithStreamLogger sets the logger for the stream manager.
func WithStreamLogger(logger *slog.Logger) StreamManagerOption {
	return func(m *StreamManager) {
		m.logger = logger.With(slog.String("component", "sse"))
	}
}

// NewStreamManager creates a stream manager.
func NewStreamManager(options ...StreamManagerOption) *StreamManager {
	m := &StreamManager{
		bufferSize: defaultStreamBufferSize,
		keepAlive:  defaultKeepAliveInterval,
		logger:     slog.Default(),
		streams:    make(map[string]*Stream),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// CreateStream opens a stream for the session over the given upgraded SSE
// response, closing any pre-existing stream first. The predecessor's buffer
// and sequence carry forward so ids never repeat within a session.
func (m *StreamManager) CreateStream(sessionID string, sess *sse.Session) *Stream {
	st := &Stream{
		sessionID:     sessionID,
		capacity:      m.bufferSize,
		logger:        m.logger,
		sess:          sess,
		active:        true,
		keepAliveStop: make(chan struct{}),
		done:          make(chan struct{}),
	}

	m.mu.Lock()
	if old, ok := m.streams[sessionID]; ok {
		old.mu.Lock()
		st.seq = old.seq
		st.buffer = append(st.buffer, old.buffer...)
		old.mu.Unlock()
		defer old.close()
	}
	m.streams[sessionID] = st
	m.mu.Unlock()

	if m.keepAlive > 0 {
		go st.keepAlive(m.keepAlive)
	}
	return st
}

// HandleReconnect reopens a session's stream after a disconnect, carrying the
// prior buffer forward and replaying every buffered event newer than the
// client's last-seen event id.
func (m *StreamManager) HandleReconnect(sessionID, lastEventID string, sess *sse.Session) (*Stream, error) {
	evSessionID, lastSeq, err := parseEventID(lastEventID)
	if err != nil {
		return nil, err
	}
	if evSessionID != sessionID {
		return nil, fmt.Errorf("event id %q does not belong to session %s", lastEventID, sessionID)
	}

	st := m.CreateStream(sessionID, sess)
	if err := st.replayAfter(lastSeq); err != nil {
		m.logger.Warn("replay failed", slog.String("sessionID", sessionID), slog.String("err", err.Error()))
		return st, nil
	}
	return st, nil
}

// Send delivers a message on the session's stream, assigning the next
// sequence number. It reports false when the session has no active stream;
// delivery is fire-and-forget from the caller's perspective.
func (m *StreamManager) Send(sessionID string, msg Message) bool {
	m.mu.Lock()
	st, ok := m.streams[sessionID]
	m.mu.Unlock()
	if !ok {
		return false
	}

	data, err := json.Marshal(msg)
	if err != nil {
		m.logger.Error("failed to marshal message", slog.String("err", err.Error()))
		return false
	}
	return st.send("message", string(data))
}

// CloseStream closes the session's stream, if any. Closing a stream does not
// destroy the session.
func (m *StreamManager) CloseStream(sessionID string) bool {
	m.mu.Lock()
	st, ok := m.streams[sessionID]
	if ok {
		delete(m.streams, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	st.close()
	return true
}

// CloseAll closes every stream. Used on shutdown.
func (m *StreamManager) CloseAll() {
	m.mu.Lock()
	streams := make([]*Stream, 0, len(m.streams))
	for _, st := range m.streams {
		streams = append(streams, st)
	}
	m.streams = make(map[string]*Stream)
	m.mu.Unlock()

	for _, st := range streams {
		st.close()
	}
}

// ActiveStreams returns the number of sessions with a live stream.
func (m *StreamManager) ActiveStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, st := range m.streams {
		if st.Active() {
			n++
		}
	}
	return n
}
