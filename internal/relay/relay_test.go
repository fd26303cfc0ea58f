package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/voice-relay-lab/internal/audio"
	"github.com/voice-relay-lab/internal/config"
	"github.com/voice-relay-lab/internal/store"
	"github.com/voice-relay-lab/internal/tools"
	"github.com/voice-relay-lab/internal/upstream"
)

const readWait = 2 * time.Second

// fakeUpstream is a websocket server standing in for the realtime API.
// The test side owns the accepted connection directly.
type fakeUpstream struct {
	t      *testing.T
	server *httptest.Server
	conns  chan *websocket.Conn
	done   chan struct{}
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	f := &fakeUpstream{t: t, conns: make(chan *websocket.Conn, 1), done: make(chan struct{})}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- ws
		<-f.done
	}))
	t.Cleanup(func() {
		close(f.done)
		f.server.Close()
	})
	return f
}

func (f *fakeUpstream) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeUpstream) accept() *websocket.Conn {
	select {
	case ws := <-f.conns:
		return ws
	case <-time.After(readWait):
		f.t.Fatal("relay never dialed upstream")
		return nil
	}
}

func readJSON(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(readWait)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, sonic.Unmarshal(data, &decoded))
	return decoded
}

func readBinary(t *testing.T, ws *websocket.Conn) []byte {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(readWait)))
	mt, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mt)
	return data
}

func sendEvent(t *testing.T, ws *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(raw)))
}

// testWAVChunk is 10ms of silence already at the upstream profile.
func testWAVChunk(t *testing.T) []byte {
	t.Helper()
	return audio.ToWAV(make([]byte, 480))
}

type harness struct {
	fake   *fakeUpstream
	client *websocket.Conn
	mr     *miniredis.Miniredis
	st     *store.ConversationStore
}

// newHarness wires a relay over miniredis and the fake upstream, then
// connects a client for the given tenant and session.
func newHarness(t *testing.T, tenant, session string) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.New(rc)

	tenants, err := config.Parse([]byte(`{"acme": {}}`))
	require.NoError(t, err)

	fake := newFakeUpstream(t)
	rel := New(tenants, st, tools.NewRegistry(), upstream.Options{
		APIKey:  "test-key",
		BaseURL: fake.url(),
	})
	srv := httptest.NewServer(rel.Handler())
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/gpt-api/chat_stream/" + tenant + "/" + session
	client, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { client.Close() })

	return &harness{fake: fake, client: client, mr: mr, st: st}
}

// acceptConfigured accepts the upstream dial and consumes the initial
// session.update command.
func (h *harness) acceptConfigured(t *testing.T) *websocket.Conn {
	t.Helper()
	up := h.fake.accept()
	cmd := readJSON(t, up)
	require.Equal(t, "session.update", cmd["type"])
	return up
}

func TestUnknownTenantRejected(t *testing.T) {
	h := newHarness(t, "nope", "s1")
	frame := readJSON(t, h.client)
	require.Equal(t, "Unknown tenant 'nope'.", frame["error"])
	select {
	case <-h.fake.conns:
		t.Fatal("upstream dialed for unknown tenant")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSessionConfiguredOnConnect(t *testing.T) {
	h := newHarness(t, "acme", "s1")
	up := h.fake.accept()
	cmd := readJSON(t, up)
	require.Equal(t, "session.update", cmd["type"])
	session, ok := cmd["session"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "alloy", session["voice"])
	require.Equal(t, "pcm16", session["input_audio_format"])
}

func TestTextFrameBecomesUserTurn(t *testing.T) {
	h := newHarness(t, "acme", "s1")
	up := h.acceptConfigured(t)

	require.NoError(t, h.client.WriteMessage(websocket.TextMessage, []byte("Hello")))

	create := readJSON(t, up)
	require.Equal(t, "conversation.item.create", create["type"])
	item := create["item"].(map[string]any)
	require.Equal(t, "message", item["type"])
	require.Equal(t, "user", item["role"])
	content := item["content"].([]any)
	require.Len(t, content, 1)
	part := content[0].(map[string]any)
	require.Equal(t, "input_text", part["type"])
	require.Equal(t, "Hello", part["text"])

	respond := readJSON(t, up)
	require.Equal(t, "response.create", respond["type"])
}

func TestTextDeltaForwarded(t *testing.T) {
	h := newHarness(t, "acme", "s1")
	up := h.acceptConfigured(t)

	sendEvent(t, up, `{"type":"response.text.delta","delta":"Hi"}`)
	frame := readJSON(t, h.client)
	require.Equal(t, "Hi", frame["text"])

	sendEvent(t, up, `{"type":"response.text.done"}`)
	frame = readJSON(t, h.client)
	require.Equal(t, true, frame["text_done"])
}

func TestAudioDeltaAccumulatesIntoOneWAV(t *testing.T) {
	h := newHarness(t, "acme", "s1")
	up := h.acceptConfigured(t)

	sendEvent(t, up, `{"type":"response.audio.delta","delta":"AAA="}`)
	sendEvent(t, up, `{"type":"response.audio.done"}`)

	wav := readBinary(t, h.client)
	require.Len(t, wav, 44+2)
	require.Equal(t, "RIFF", string(wav[:4]))
	require.Equal(t, "WAVE", string(wav[8:12]))
	require.Equal(t, []byte{0, 0}, wav[44:])

	frame := readJSON(t, h.client)
	require.Equal(t, true, frame["audio_done"])
}

func TestAudioDoneWithoutDeltasSkipsBinaryFrame(t *testing.T) {
	h := newHarness(t, "acme", "s1")
	up := h.acceptConfigured(t)

	sendEvent(t, up, `{"type":"response.audio.done"}`)
	frame := readJSON(t, h.client)
	require.Equal(t, true, frame["audio_done"])
}

func TestHistoryNotFound(t *testing.T) {
	h := newHarness(t, "acme", "s1")
	h.acceptConfigured(t)

	require.NoError(t, h.client.WriteMessage(websocket.TextMessage, []byte("DOWNLOAD_CHAT_HISTORY_BUTTON_CLICKED")))
	frame := readJSON(t, h.client)
	require.Equal(t, "Chat history not found.", frame["error"])
}

func TestHistoryReturnedAfterFlush(t *testing.T) {
	h := newHarness(t, "acme", "s1")
	h.acceptConfigured(t)

	turns := []store.Turn{{Sender: store.SenderUser, Message: "Hello", Timestamp: time.Now().UTC()}}
	require.NoError(t, h.st.Append(context.Background(), "acme", "s1", turns))

	require.NoError(t, h.client.WriteMessage(websocket.TextMessage, []byte("DOWNLOAD_CHAT_HISTORY_BUTTON_CLICKED")))
	frame := readJSON(t, h.client)
	history, ok := frame["chat_history"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, history, "messages")
}

func TestDocumentMarkerAcknowledged(t *testing.T) {
	h := newHarness(t, "acme", "s1")
	up := h.acceptConfigured(t)

	require.NoError(t, h.client.WriteMessage(websocket.TextMessage, []byte("DOCUMENT_SENT:report.pdf")))
	frame := readJSON(t, h.client)
	require.Equal(t, "Document received.", frame["info"])

	// Nothing may reach the upstream for an intercepted marker.
	require.NoError(t, up.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := up.ReadMessage()
	require.Error(t, err)
}

func TestAssistantMessageAppendsAndFlushes(t *testing.T) {
	h := newHarness(t, "acme", "s1")
	up := h.acceptConfigured(t)

	sendEvent(t, up, `{"type":"conversation.item.created","item":{"type":"message","role":"assistant","content":[{"type":"text","text":"All "},{"type":"audio","transcript":"good."}]}}`)
	frame := readJSON(t, h.client)
	require.Equal(t, true, frame["text_done"])

	require.Eventually(t, func() bool {
		return h.mr.Exists("acme:conversation:s1")
	}, readWait, 10*time.Millisecond)

	raw, err := h.mr.Get("acme:conversation:s1")
	require.NoError(t, err)
	require.Contains(t, raw, "All good.")
	require.Contains(t, raw, `"sender":"bot"`)
}

func TestFunctionCallDispatched(t *testing.T) {
	h := newHarness(t, "acme", "s1")
	up := h.acceptConfigured(t)

	sendEvent(t, up, `{"type":"conversation.item.created","item":{"id":"item_7","type":"function_call","name":"get_current_weather","call_id":"call_7","arguments":"{\"location\":\"Oslo\"}"}}`)

	output := readJSON(t, up)
	require.Equal(t, "conversation.item.create", output["type"])
	item := output["item"].(map[string]any)
	require.Equal(t, "function_call_output", item["type"])
	require.Equal(t, "call_7", item["call_id"])
	require.Contains(t, item["output"], "72")

	respond := readJSON(t, up)
	require.Equal(t, "response.create", respond["type"])
}

func TestUnknownFunctionFeedsErrorResult(t *testing.T) {
	h := newHarness(t, "acme", "s1")
	up := h.acceptConfigured(t)

	sendEvent(t, up, `{"type":"conversation.item.created","item":{"id":"item_8","type":"function_call","name":"no_such_fn","arguments":"{}"}}`)

	output := readJSON(t, up)
	item := output["item"].(map[string]any)
	require.Contains(t, item["output"], "Function 'no_such_fn' not found.")
}

func TestUpstreamErrorForwardedWithoutClosing(t *testing.T) {
	h := newHarness(t, "acme", "s1")
	up := h.acceptConfigured(t)

	sendEvent(t, up, `{"type":"error","error":{"message":"rate limited"}}`)
	frame := readJSON(t, h.client)
	require.Equal(t, "rate limited", frame["error"])

	// Session still alive: a later delta still arrives.
	sendEvent(t, up, `{"type":"response.text.delta","delta":"still here"}`)
	frame = readJSON(t, h.client)
	require.Equal(t, "still here", frame["text"])
}

func TestMalformedEventSkipped(t *testing.T) {
	h := newHarness(t, "acme", "s1")
	up := h.acceptConfigured(t)

	sendEvent(t, up, `{"delta":"no type"}`)
	sendEvent(t, up, `{"type":"response.text.delta","delta":"ok"}`)
	frame := readJSON(t, h.client)
	require.Equal(t, "ok", frame["text"])
}

func TestClientDisconnectClosesUpstream(t *testing.T) {
	h := newHarness(t, "acme", "s1")
	up := h.acceptConfigured(t)

	require.NoError(t, h.client.Close())

	require.NoError(t, up.SetReadDeadline(time.Now().Add(readWait)))
	_, _, err := up.ReadMessage()
	require.Error(t, err)
}

func TestAudioChunkForwardedAsAppendCommitRespond(t *testing.T) {
	h := newHarness(t, "acme", "s1")
	up := h.acceptConfigured(t)

	chunk := testWAVChunk(t)
	require.NoError(t, h.client.WriteMessage(websocket.BinaryMessage, chunk))

	appendCmd := readJSON(t, up)
	require.Equal(t, "input_audio_buffer.append", appendCmd["type"])
	require.NotEmpty(t, appendCmd["audio"])

	commit := readJSON(t, up)
	require.Equal(t, "input_audio_buffer.commit", commit["type"])

	respond := readJSON(t, up)
	require.Equal(t, "response.create", respond["type"])
}

func TestUndecodableAudioChunkSkipped(t *testing.T) {
	h := newHarness(t, "acme", "s1")
	up := h.acceptConfigured(t)

	require.NoError(t, h.client.WriteMessage(websocket.BinaryMessage, []byte{0xde, 0xad, 0xbe, 0xef}))

	// The bad chunk is dropped; a good one still flows through.
	require.NoError(t, h.client.WriteMessage(websocket.BinaryMessage, testWAVChunk(t)))
	appendCmd := readJSON(t, up)
	require.Equal(t, "input_audio_buffer.append", appendCmd["type"])
}
