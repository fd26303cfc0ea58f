package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/voice-relay-lab/internal/audio"
	"github.com/voice-relay-lab/internal/config"
	"github.com/voice-relay-lab/internal/logging"
	"github.com/voice-relay-lab/internal/store"
	"github.com/voice-relay-lab/internal/tools"
	"github.com/voice-relay-lab/internal/upstream"
)

// Reserved control strings on the client text channel.
const (
	markerDocumentSent = "DOCUMENT_SENT:"
	markerImageSent    = "IMAGE_SENT:"
	markerDownload     = "DOWNLOAD_CHAT_HISTORY_BUTTON_CLICKED"
)

const historyNotFoundMsg = "Chat history not found."

// Server-to-client frame shapes.
type errorFrame struct {
	Error string `json:"error"`
}

type infoFrame struct {
	Info string `json:"info"`
}

type textFrame struct {
	Text string `json:"text"`
}

type textDoneFrame struct {
	TextDone bool `json:"text_done"`
}

type audioDoneFrame struct {
	AudioDone bool `json:"audio_done"`
}

type historyFrame struct {
	ChatHistory json.RawMessage `json:"chat_history"`
}

// Relay bridges client websockets to upstream realtime sessions. One
// Relay serves many sessions; per-session state lives in Session.
type Relay struct {
	tenants  config.Map
	store    *store.ConversationStore
	registry *tools.Registry
	upstream upstream.Options
}

// New builds a relay over the given tenant map, conversation store,
// dispatch registry, and upstream dial options.
func New(tenants config.Map, st *store.ConversationStore, reg *tools.Registry, up upstream.Options) *Relay {
	return &Relay{tenants: tenants, store: st, registry: reg, upstream: up}
}

// runSession drives one duplex session to completion. Either pump
// exiting cancels the context, which closes both connections and
// unblocks the other pump.
func (r *Relay) runSession(ctx context.Context, sess *Session, client *clientConn, up *upstream.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		client.close()
		up.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		r.inboundPump(ctx, sess, client, up)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		r.outboundPump(ctx, sess, client, up)
	}()
	wg.Wait()
	logging.Infow("session finished", sess.logFields()...)
}

// inboundPump moves client frames upstream until the client disconnects
// or an upstream write fails.
func (r *Relay) inboundPump(ctx context.Context, sess *Session, client *clientConn, up *upstream.Conn) {
	for {
		messageType, data, err := client.read()
		if err != nil {
			logging.Debugw("client read ended", sess.logFields("error", err)...)
			return
		}
		switch messageType {
		case websocket.BinaryMessage:
			if err := r.relayAudioChunk(sess, up, data); err != nil {
				logging.Warnw("forwarding audio failed", sess.logFields("error", err)...)
				return
			}
		case websocket.TextMessage:
			if err := r.relayTextFrame(ctx, sess, client, up, data); err != nil {
				logging.Warnw("forwarding text failed", sess.logFields("error", err)...)
				return
			}
		}
	}
}

// relayAudioChunk normalizes one client audio chunk and forwards it as
// an append, commit, response triple. An undecodable chunk is skipped;
// the session keeps going.
func (r *Relay) relayAudioChunk(sess *Session, up *upstream.Conn, data []byte) error {
	pcm, err := audio.Normalize(data)
	if err != nil {
		logging.Warnw("dropping undecodable audio chunk",
			sess.logFields("size", len(data), "error", err)...)
		return nil
	}
	encoded := base64.StdEncoding.EncodeToString(pcm)
	if err := up.Send(upstream.AudioAppend(encoded)); err != nil {
		return err
	}
	if err := up.Send(upstream.AudioCommit()); err != nil {
		return err
	}
	return up.Send(upstream.ResponseCreate())
}

// relayTextFrame handles one client text frame: control strings are
// intercepted, anything else becomes a user turn forwarded upstream.
func (r *Relay) relayTextFrame(ctx context.Context, sess *Session, client *clientConn, up *upstream.Conn, data []byte) error {
	text := extractText(data)
	switch {
	case strings.HasPrefix(text, markerDocumentSent):
		return client.sendJSON(infoFrame{Info: "Document received."})
	case strings.HasPrefix(text, markerImageSent):
		return client.sendJSON(infoFrame{Info: "Image received."})
	case text == markerDownload:
		return r.sendHistory(ctx, sess, client)
	}

	sess.AppendTurn(store.SenderUser, text)
	if err := up.Send(upstream.UserMessage(text)); err != nil {
		return err
	}
	return up.Send(upstream.ResponseCreate())
}

// extractText pulls the message text out of a client text frame. JSON
// objects carrying a "text" field use that field; everything else is
// taken verbatim.
func extractText(data []byte) string {
	var payload struct {
		Text *string `json:"text"`
	}
	if err := sonic.Unmarshal(data, &payload); err == nil && payload.Text != nil {
		return *payload.Text
	}
	return string(data)
}

func (r *Relay) sendHistory(ctx context.Context, sess *Session, client *clientConn) error {
	record, err := r.store.Fetch(ctx, sess.Tenant, sess.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logging.Errorw("history fetch failed", sess.logFields("error", err)...)
		}
		return client.sendJSON(errorFrame{Error: historyNotFoundMsg})
	}
	return client.sendJSON(historyFrame{ChatHistory: record})
}

// outboundPump moves upstream events to the client until the upstream
// stream ends or a client write fails.
func (r *Relay) outboundPump(ctx context.Context, sess *Session, client *clientConn, up *upstream.Conn) {
	for {
		raw, err := up.ReadRaw()
		if err != nil {
			logging.Debugw("upstream read ended", sess.logFields("error", err)...)
			return
		}
		ev, err := upstream.ParseEvent(raw)
		if err != nil {
			logging.Warnw("dropping malformed upstream event",
				sess.logFields("size", len(raw), "error", err)...)
			continue
		}
		logging.Debugw("upstream event",
			sess.logFields(logging.EventFields(string(ev.Type), len(raw))...)...)
		if err := r.handleEvent(ctx, sess, client, up, ev); err != nil {
			logging.Warnw("handling upstream event failed",
				sess.logFields("event", string(ev.Type), "error", err)...)
			return
		}
	}
}

// handleEvent applies one upstream event. A returned error means the
// session can no longer make progress and must terminate; content-level
// problems are logged inside and absorbed.
func (r *Relay) handleEvent(ctx context.Context, sess *Session, client *clientConn, up *upstream.Conn, ev *upstream.Event) error {
	switch ev.Type {
	case upstream.EventResponseTextDelta:
		return client.sendJSON(textFrame{Text: ev.Delta})

	case upstream.EventResponseTextDone:
		return client.sendJSON(textDoneFrame{TextDone: true})

	case upstream.EventResponseAudioDelta:
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			logging.Warnw("dropping undecodable audio delta",
				sess.logFields("error", err)...)
			return nil
		}
		sess.AppendAudio(pcm)
		return nil

	case upstream.EventResponseAudioDone:
		if pcm := sess.TakeAudio(); len(pcm) > 0 {
			if err := client.sendBinary(audio.ToWAV(pcm)); err != nil {
				return err
			}
		}
		return client.sendJSON(audioDoneFrame{AudioDone: true})

	case upstream.EventConversationItemCreated:
		if ev.Item.IsFunctionCall() {
			return r.dispatchFunctionCall(sess, up, ev.Item)
		}
		if ev.Item.IsAssistantMessage() {
			if err := r.recordAssistantTurn(ctx, sess, ev.Item); err != nil {
				return err
			}
			return client.sendJSON(textDoneFrame{TextDone: true})
		}
		return nil

	case upstream.EventResponseOutputItemDone:
		if ev.Item.IsAssistantMessage() {
			return r.recordAssistantTurn(ctx, sess, ev.Item)
		}
		return nil

	case upstream.EventError:
		msg := "upstream error"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		}
		logging.Warnw("upstream reported error",
			sess.logFields("message", msg)...)
		return client.sendJSON(errorFrame{Error: msg})

	case upstream.EventSessionCreated, upstream.EventSessionUpdated:
		logging.Infow("upstream session event",
			sess.logFields("event", string(ev.Type))...)
		return nil

	case upstream.EventResponseDone:
		fields := sess.logFields()
		if ev.Response != nil && ev.Response.Usage != nil {
			fields = append(fields, "usage", ev.Response.Usage)
		}
		logging.Infow("response complete", fields...)
		return nil

	default:
		logging.Debugw("unhandled upstream event",
			sess.logFields("event", string(ev.Type))...)
		return nil
	}
}

// recordAssistantTurn extracts the item's text, appends it to the
// transcript, and flushes the whole transcript to the store.
func (r *Relay) recordAssistantTurn(ctx context.Context, sess *Session, item *upstream.Item) error {
	text := item.TranscriptText()
	if text == "" {
		return nil
	}
	snapshot := sess.AppendTurn(store.SenderAssistant, text)
	if err := r.store.Append(ctx, sess.Tenant, sess.ID, snapshot); err != nil {
		logging.Errorw("transcript flush failed",
			sess.logFields("turns", len(snapshot), "error", err)...)
	}
	return nil
}

// dispatchFunctionCall resolves the invocation through the registry and
// feeds the result back into the conversation.
func (r *Relay) dispatchFunctionCall(sess *Session, up *upstream.Conn, item *upstream.Item) error {
	name, arguments, callID := item.Invocation()
	logging.Infow("dispatching function call",
		sess.logFields("function", name, "call_id", callID)...)
	result := r.registry.Invoke(name, arguments)
	if err := up.Send(upstream.FunctionOutput(callID, result)); err != nil {
		return err
	}
	return up.Send(upstream.ResponseCreate())
}
