package relay

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/voice-relay-lab/internal/logging"
	"github.com/voice-relay-lab/internal/upstream"
)

// Handler returns the relay's HTTP mux: the websocket endpoint plus a
// liveness probe.
func (r *Relay) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/gpt-api/chat_stream/{tenant}/{session}", r.handleStream)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

// newUpgrader builds the websocket upgrader. With ALLOWED_ORIGINS set
// (comma separated), only listed origins may connect; otherwise any
// origin is accepted, matching a relay fronted by its own edge proxy.
func newUpgrader() websocket.Upgrader {
	allowed := splitOrigins(os.Getenv("ALLOWED_ORIGINS"))
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(req *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := req.Header.Get("Origin")
			for _, o := range allowed {
				if strings.EqualFold(o, origin) {
					return true
				}
			}
			return false
		},
	}
}

func splitOrigins(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (r *Relay) handleStream(w http.ResponseWriter, req *http.Request) {
	tenant := req.PathValue("tenant")
	sessionID := req.PathValue("session")

	upgrader := newUpgrader()
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		logging.Warnw("websocket upgrade failed", "remote", req.RemoteAddr, "error", err)
		return
	}
	client := newClientConn(ws)
	defer client.close()

	cfg, ok := r.tenants.Lookup(tenant)
	if !ok {
		logging.Warnw("rejecting unknown tenant", logging.SessionFields(tenant, sessionID)...)
		client.sendJSON(errorFrame{Error: fmt.Sprintf("Unknown tenant '%s'.", tenant)})
		return
	}

	up, err := upstream.Dial(req.Context(), r.upstream)
	if err != nil {
		logging.Errorw("upstream dial failed",
			append(logging.SessionFields(tenant, sessionID), "error", err)...)
		client.sendJSON(errorFrame{Error: "Assistant connection failed."})
		return
	}
	defer up.Close()

	if err := up.Send(upstream.SessionUpdate(cfg)); err != nil {
		logging.Errorw("session configuration failed",
			append(logging.SessionFields(tenant, sessionID), "error", err)...)
		client.sendJSON(errorFrame{Error: "Assistant connection failed."})
		return
	}

	sess := newSession(tenant, sessionID, cfg)
	logging.Infow("session started", sess.logFields("remote", req.RemoteAddr)...)
	r.runSession(req.Context(), sess, client, up)
}
