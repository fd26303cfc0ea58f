package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
)

// Defaults for the upstream realtime endpoint.
const (
	DefaultBaseURL = "wss://api.openai.com/v1/realtime"
	DefaultModel   = "gpt-4o-realtime-preview-2024-10-01"
)

// Options configure the upstream dial.
type Options struct {
	// APIKey is the bearer token. Required.
	APIKey string
	// BaseURL overrides DefaultBaseURL when set.
	BaseURL string
	// Model overrides DefaultModel when set.
	Model string
}

// Conn is a connection to the upstream realtime API. Reads are owned by a
// single goroutine; writes may come from several and are serialized
// internally.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	closeMu sync.Once
}

// Dial opens a websocket to the upstream realtime API for the given model.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("upstream: missing API key")
	}
	base := opts.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	model := opts.Model
	if model == "" {
		model = DefaultModel
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("upstream: parsing url: %w", err)
	}
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+opts.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("upstream: dial %s: status %d: %w", u.Host, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("upstream: dial %s: %w", u.Host, err)
	}
	return &Conn{ws: ws}, nil
}

// Send marshals the command and writes it as one text frame. Safe for
// concurrent use.
func (c *Conn) Send(cmd any) error {
	data, err := sonic.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("upstream: encoding command: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("upstream: writing command: %w", err)
	}
	return nil
}

// ReadRaw blocks for the next frame and returns its payload. Returns an
// error once the connection is closed.
func (c *Conn) ReadRaw() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("upstream: reading event: %w", err)
	}
	return data, nil
}

// Close tears the connection down. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeMu.Do(func() {
		err = c.ws.Close()
	})
	return err
}
