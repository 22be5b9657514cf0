package main

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// The signalling channel carries credentials and trickled candidates as
// JSON messages over a websocket. Which transport carries them is the
// host's business; the ICE agent never sees this.

const (
	msgCredentials = "credentials"
	msgCandidate   = "candidate"
)

type signalMessage struct {
	Type      string `json:"type"`
	UFrag     string `json:"ufrag,omitempty"`
	Password  string `json:"password,omitempty"`
	Candidate string `json:"candidate,omitempty"`
}

type signalChannel struct {
	ws      *websocket.Conn
	Inbound chan signalMessage
}

func newSignalChannel(ws *websocket.Conn) *signalChannel {
	sc := &signalChannel{ws: ws, Inbound: make(chan signalMessage, 16)}
	go func() {
		defer close(sc.Inbound)
		for {
			var m signalMessage
			if err := ws.ReadJSON(&m); err != nil {
				return
			}
			sc.Inbound <- m
		}
	}()
	return sc
}

func (sc *signalChannel) SendCredentials(ufrag, password string) error {
	return sc.ws.WriteJSON(signalMessage{Type: msgCredentials, UFrag: ufrag, Password: password})
}

func (sc *signalChannel) SendCandidate(sdp string) error {
	return sc.ws.WriteJSON(signalMessage{Type: msgCandidate, Candidate: sdp})
}

func (sc *signalChannel) Close() error {
	return sc.ws.Close()
}

// serveSignal waits for exactly one peer to connect to ws://addr/signal.
func serveSignal(addr string) (*signalChannel, error) {
	upgrader := websocket.Upgrader{
		// The probe has no business restricting origins.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	connected := make(chan *websocket.Conn, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/signal", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("Websocket upgrade: %s", err)
			return
		}
		select {
		case connected <- ws:
		default:
			ws.Close() // already have a peer
		}
	})

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Error("Signalling server: %s", err)
		}
	}()

	log.Info("Waiting for peer on ws://%s/signal", addr)
	ws := <-connected
	return newSignalChannel(ws), nil
}

// connectSignal dials a served signalling channel.
func connectSignal(url string) (*signalChannel, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return newSignalChannel(ws), nil
}
