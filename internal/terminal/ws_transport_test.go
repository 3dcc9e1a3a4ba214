package terminal

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWSTransportAllowsEmptyOrigin(t *testing.T) {
	mux := NewMultiplexer()
	wt := NewWSTransport(mux, []string{"https://example.com"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, wt.upgrader.CheckOrigin(req))
}

func TestNewWSTransportRejectsUnknownOrigin(t *testing.T) {
	mux := NewMultiplexer()
	wt := NewWSTransport(mux, []string{"https://example.com"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, wt.upgrader.CheckOrigin(req))

	req2 := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req2.Header.Set("Origin", "https://example.com")
	assert.True(t, wt.upgrader.CheckOrigin(req2))
}

func TestServeWSUnknownSessionReturnsErrorFrame(t *testing.T) {
	mux := NewMultiplexer()
	wt := NewWSTransport(mux, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = wt.ServeWS(w, r, "does-not-exist")
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var msg TerminalMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, MessageTypeError, msg.Type)
}
