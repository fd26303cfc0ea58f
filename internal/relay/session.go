package relay

import (
	"bytes"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voice-relay-lab/internal/config"
	"github.com/voice-relay-lab/internal/store"
)

// Session is the shared state of one active relay: the transcript built
// up over the conversation and the PCM accumulator for the assistant
// turn currently being streamed. Both pumps touch the transcript, so it
// sits behind the mutex; the accumulator is only ever written by the
// outbound pump but shares the lock for simplicity.
type Session struct {
	Tenant string
	ID     string
	ConnID string
	Config *config.TenantConfig

	mu         sync.Mutex
	transcript []store.Turn
	audio      bytes.Buffer
}

func newSession(tenant, id string, cfg *config.TenantConfig) *Session {
	return &Session{Tenant: tenant, ID: id, ConnID: uuid.NewString(), Config: cfg}
}

// logFields tags every session log line with the addressing pair and the
// per-connection correlation id.
func (s *Session) logFields(extra ...interface{}) []interface{} {
	fields := []interface{}{"tenant", s.Tenant, "session_id", s.ID, "conn_id", s.ConnID}
	return append(fields, extra...)
}

// AppendTurn adds one transcript entry and returns a snapshot of the
// full transcript so the caller can flush it without holding the lock.
func (s *Session) AppendTurn(sender, text string) []store.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, store.Turn{
		Sender:    sender,
		Message:   text,
		Timestamp: time.Now().UTC(),
	})
	snapshot := make([]store.Turn, len(s.transcript))
	copy(snapshot, s.transcript)
	return snapshot
}

// AppendAudio accumulates one decoded PCM chunk of the in-flight
// assistant turn.
func (s *Session) AppendAudio(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio.Write(pcm)
}

// TakeAudio returns the accumulated PCM and resets the accumulator for
// the next assistant turn.
func (s *Session) TakeAudio() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audio.Len() == 0 {
		return nil
	}
	out := make([]byte, s.audio.Len())
	copy(out, s.audio.Bytes())
	s.audio.Reset()
	return out
}

// clientConn wraps the client-facing websocket. Both pumps write to it,
// so writes are serialized; once the connection is marked closed all
// further writes become silent no-ops.
type clientConn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	closed  bool
	once    sync.Once
}

func newClientConn(ws *websocket.Conn) *clientConn {
	return &clientConn{ws: ws}
}

func (c *clientConn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return nil
	}
	if err := c.ws.WriteMessage(messageType, data); err != nil {
		c.closed = true
		return err
	}
	return nil
}

func (c *clientConn) sendJSON(v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

func (c *clientConn) sendBinary(data []byte) error {
	return c.write(websocket.BinaryMessage, data)
}

func (c *clientConn) read() (int, []byte, error) {
	return c.ws.ReadMessage()
}

// close tears the connection down. Safe to call from either pump and
// from the session teardown path.
func (c *clientConn) close() {
	c.once.Do(func() {
		c.writeMu.Lock()
		c.closed = true
		c.writeMu.Unlock()
		c.ws.Close()
	})
}
