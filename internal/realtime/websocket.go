package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"bookingcoord/internal/events"
	"bookingcoord/internal/models"

	"golang.org/x/net/websocket"
)

// ErrMalformedFrame is returned by Receive for a message that is not a JSON
// frame. The connection stays usable.
var ErrMalformedFrame = errors.New("malformed frame")

// WebsocketTransport dials the real-time server over a websocket carrying
// one JSON frame per message.
type WebsocketTransport struct{}

func NewWebsocketTransport() *WebsocketTransport {
	return &WebsocketTransport{}
}

func (WebsocketTransport) Dial(ctx context.Context, creds Credentials) (Conn, error) {
	origin := creds.Origin
	if strings.TrimSpace(origin) == "" {
		origin = "http://localhost/"
	}
	cfg, err := websocket.NewConfig(creds.URL, origin)
	if err != nil {
		return nil, fmt.Errorf("%w: websocket config: %v", models.ErrValidation, err)
	}
	if token := strings.TrimSpace(creds.Token); token != "" {
		cfg.Header = make(http.Header)
		cfg.Header.Set("Authorization", "Bearer "+token)
	}

	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", models.ErrTransient, creds.URL, err)
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Send(f events.Frame) error {
	return websocket.JSON.Send(c.ws, f)
}

func (c *wsConn) Receive() (events.Frame, error) {
	var raw []byte
	if err := websocket.Message.Receive(c.ws, &raw); err != nil {
		return events.Frame{}, err
	}
	var f events.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return events.Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f, nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
