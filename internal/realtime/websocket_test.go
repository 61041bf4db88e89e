package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bookingcoord/internal/events"
	"bookingcoord/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"
)

// newStatusServer answers every room join with a garbage message followed by
// an "accepted" status update for the joined booking.
func newStatusServer(t *testing.T, auth chan<- string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(websocket.Handler(func(ws *websocket.Conn) {
		defer func() {
			_ = ws.Close()
		}()
		auth <- ws.Request().Header.Get("Authorization")
		for {
			var f events.Frame
			if err := websocket.JSON.Receive(ws, &f); err != nil {
				return
			}
			if f.Type != events.TypeJoinBookingRoom {
				continue
			}
			var join events.JoinBookingRoom
			if err := json.Unmarshal(f.Payload, &join); err != nil {
				return
			}
			_ = websocket.Message.Send(ws, "not json")
			out, err := events.Encode(events.BookingStatusUpdate{BookingID: join.BookingID, Status: models.StatusAccepted})
			if err != nil {
				return
			}
			_ = websocket.JSON.Send(ws, out)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestWebsocketTransportEndToEnd(t *testing.T) {
	auth := make(chan string, 4)
	srv := newStatusServer(t, auth)

	m := NewManager(NewWebsocketTransport(), Options{ReconnectBase: 10 * time.Millisecond})
	t.Cleanup(m.Disconnect)
	r := NewRegistry(m, nil)
	t.Cleanup(r.Close)

	got := make(chan events.BookingStatusUpdate, 4)
	stop, err := r.Watch("b42", func(ev events.Event) {
		got <- ev.(events.BookingStatusUpdate)
	})
	require.NoError(t, err)
	defer stop()

	m.Connect(Credentials{URL: wsURL(srv), Origin: srv.URL, Token: "tok"})

	select {
	case header := <-auth:
		assert.Equal(t, "Bearer tok", header)
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw a connection")
	}

	select {
	case upd := <-got:
		assert.Equal(t, "b42", upd.BookingID)
		assert.Equal(t, models.StatusAccepted, upd.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no status update delivered")
	}
	assert.True(t, m.Connected())
}

func TestWebsocketTransportDialErrors(t *testing.T) {
	tr := NewWebsocketTransport()

	_, err := tr.Dial(context.Background(), Credentials{URL: "::bad"})
	assert.ErrorIs(t, err, models.ErrValidation)

	srv := httptest.NewServer(nil)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	_, err = tr.Dial(context.Background(), Credentials{URL: url})
	assert.ErrorIs(t, err, models.ErrTransient)
}

func TestWebsocketConnReceiveMalformed(t *testing.T) {
	auth := make(chan string, 1)
	srv := httptest.NewServer(websocket.Handler(func(ws *websocket.Conn) {
		auth <- ""
		_ = websocket.Message.Send(ws, "{oops")
		time.Sleep(100 * time.Millisecond)
		_ = ws.Close()
	}))
	t.Cleanup(srv.Close)

	conn, err := NewWebsocketTransport().Dial(context.Background(), Credentials{URL: wsURL(srv), Origin: srv.URL})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Receive()
	assert.ErrorIs(t, err, ErrMalformedFrame)
}
