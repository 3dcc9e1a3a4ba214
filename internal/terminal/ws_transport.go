// WSTransport serves a Multiplexer session over a plain net/http + gorilla
// websocket connection: it owns no PTY itself, only the wire protocol and
// the attach/detach lifecycle of one client.
package terminal

import (
	"net/http"
	"sync"
	"syscall"

	"github.com/gorilla/websocket"

	"sandboxd/internal/logging"
)

// TerminalMessage is the client/server websocket message envelope.
type TerminalMessage struct {
	Type   string `json:"type"`
	Data   string `json:"data,omitempty"`
	Rows   uint16 `json:"rows,omitempty"`
	Cols   uint16 `json:"cols,omitempty"`
	Signal string `json:"signal,omitempty"`
}

// Message types exchanged over the terminal websocket.
const (
	MessageTypeInput  = "input"
	MessageTypeOutput = "output"
	MessageTypeResize = "resize"
	MessageTypeSignal = "signal"
	MessageTypePing   = "ping"
	MessageTypePong   = "pong"
	MessageTypeError  = "error"
	MessageTypeExit   = "exit"
)

var signalNames = map[string]syscall.Signal{
	"SIGINT":  syscall.SIGINT,
	"SIGTERM": syscall.SIGTERM,
	"SIGTSTP": syscall.SIGTSTP,
	"SIGKILL": syscall.SIGKILL,
	"SIGHUP":  syscall.SIGHUP,
}

// WSTransport bridges websocket connections to Multiplexer sessions.
type WSTransport struct {
	mux      *Multiplexer
	upgrader websocket.Upgrader
}

// NewWSTransport builds a transport that only upgrades requests whose
// Origin header is in allowedOrigins (an empty Origin, as sent by non-browser
// clients, is always allowed).
func NewWSTransport(mux *Multiplexer, allowedOrigins []string) *WSTransport {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	return &WSTransport{
		mux: mux,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
	}
}

// ServeWS upgrades r to a websocket and streams sessionID's PTY output to it
// while dispatching inbound input/resize/signal/ping messages. It blocks
// until the client disconnects or the session closes.
func (t *WSTransport) ServeWS(w http.ResponseWriter, r *http.Request, sessionID string) error {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	attachment, err := t.mux.Attach(sessionID)
	if err != nil {
		_ = conn.WriteJSON(TerminalMessage{Type: MessageTypeError, Data: err.Error()})
		return err
	}
	defer attachment.Close()

	var writeMu sync.Mutex
	send := func(msg TerminalMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(msg)
	}

	outputDone := make(chan struct{})
	go func() {
		defer close(outputDone)
		defer conn.Close()
		for chunk := range attachment.Output {
			if err := send(TerminalMessage{Type: MessageTypeOutput, Data: string(chunk)}); err != nil {
				return
			}
		}
	}()

	for {
		var msg TerminalMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}

		switch msg.Type {
		case MessageTypeInput:
			if _, err := attachment.Write([]byte(msg.Data)); err != nil {
				_ = send(TerminalMessage{Type: MessageTypeError, Data: err.Error()})
			}
		case MessageTypeResize:
			if err := attachment.Resize(msg.Rows, msg.Cols); err != nil {
				_ = send(TerminalMessage{Type: MessageTypeError, Data: err.Error()})
			}
		case MessageTypeSignal:
			sig, ok := signalNames[msg.Signal]
			if !ok {
				_ = send(TerminalMessage{Type: MessageTypeError, Data: "unknown signal: " + msg.Signal})
				continue
			}
			if err := t.mux.SendSignal(sessionID, sig); err != nil {
				_ = send(TerminalMessage{Type: MessageTypeError, Data: err.Error()})
			}
		case MessageTypePing:
			_ = send(TerminalMessage{Type: MessageTypePong})
		default:
			_ = send(TerminalMessage{Type: MessageTypeError, Data: "unknown message type: " + msg.Type})
		}
	}

	_ = conn.Close()
	_ = attachment.Close()
	<-outputDone

	logging.S().Debugw("terminal websocket closed", "session", sessionID)
	return nil
}
