// Package relaytest runs scripted relays over real websockets for tests.
package relaytest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Hubmakerlabs/syncr/pkg/nostr/envelopes"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"golang.org/x/net/websocket"
)

// Frame is one client message as a decoded JSON array.
type Frame []gjson.Result

func (f Frame) Label() string {
	if len(f) == 0 {
		return ""
	}
	return f[0].Str
}

// Sub is the second element, the subscription id for REQ, CLOSE and NEG-*.
func (f Frame) Sub() string {
	if len(f) < 2 {
		return ""
	}
	return f[1].Str
}

type Session struct {
	mx   sync.Mutex
	conn *websocket.Conn
}

func (s *Session) Send(env envelopes.Envelope) error {
	b, err := env.MarshalJSON()
	if err != nil {
		return err
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	return websocket.Message.Send(s.conn, string(b))
}

// SendRaw writes text as is, for sending frames a client must reject.
func (s *Session) SendRaw(text string) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	return websocket.Message.Send(s.conn, text)
}

func (s *Session) Close() error { return s.conn.Close() }

// Handler is called for every frame a client sends, in order per session.
type Handler func(s *Session, f Frame)

// Silent records frames and answers nothing.
func Silent(*Session, Frame) {}

// EOSE answers every REQ with an immediate EOSE.
func EOSE(s *Session, f Frame) {
	if f.Label() == envelopes.LabelReq {
		s.Send(&envelopes.EOSE{Sub: f.Sub()})
	}
}

type Server struct {
	*httptest.Server
	// Address is the ws:// address of the relay.
	Address string

	handler   Handler
	info      string
	onConnect func(*Session)

	mx       sync.Mutex
	sessions []*Session
	frames   []Frame
	connects int
}

type Option func(s *Server)

// WithInfo serves doc as the NIP-11 relay information document.
func WithInfo(doc string) Option { return func(s *Server) { s.info = doc } }

// OnConnect is called for each new session before any frame is read.
func OnConnect(fn func(*Session)) Option { return func(s *Server) { s.onConnect = fn } }

func New(t testing.TB, h Handler, opts ...Option) (s *Server) {
	s = &Server{handler: h}
	for _, opt := range opts {
		opt(s)
	}
	ws := &websocket.Server{
		// nostr clients send no origin
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler:   s.serve,
	}
	s.Server = httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Accept") == "application/nostr+json" {
				if s.info == "" {
					http.NotFound(w, r)
					return
				}
				w.Header().Set("Content-Type", "application/nostr+json")
				w.Write([]byte(s.info))
				return
			}
			ws.ServeHTTP(w, r)
		}))
	s.Address = "ws" + strings.TrimPrefix(s.Server.URL, "http")
	t.Cleanup(s.Close)
	return
}

func (s *Server) serve(conn *websocket.Conn) {
	sess := &Session{conn: conn}
	s.mx.Lock()
	s.sessions = append(s.sessions, sess)
	s.connects++
	s.mx.Unlock()
	if s.onConnect != nil {
		s.onConnect(sess)
	}
	for {
		var msg string
		if err := websocket.Message.Receive(conn, &msg); err != nil {
			return
		}
		f := Frame(gjson.Parse(msg).Array())
		s.mx.Lock()
		s.frames = append(s.frames, f)
		s.mx.Unlock()
		s.handler(sess, f)
	}
}

// Close drops every session and stops the server.
func (s *Server) Close() {
	s.Drop()
	s.Server.Close()
}

// Drop closes every open session, leaving the server listening.
func (s *Server) Drop() {
	s.mx.Lock()
	sessions := s.sessions
	s.sessions = nil
	s.mx.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}
}

// Broadcast sends env to every open session.
func (s *Server) Broadcast(env envelopes.Envelope) {
	s.mx.Lock()
	sessions := append([]*Session(nil), s.sessions...)
	s.mx.Unlock()
	for _, sess := range sessions {
		sess.Send(env)
	}
}

func (s *Server) Connects() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.connects
}

// Frames returns every frame received so far, optionally only those with
// one of the given labels.
func (s *Server) Frames(labels ...string) (out []Frame) {
	s.mx.Lock()
	defer s.mx.Unlock()
	for _, f := range s.frames {
		if len(labels) == 0 {
			out = append(out, f)
			continue
		}
		for _, l := range labels {
			if f.Label() == l {
				out = append(out, f)
				break
			}
		}
	}
	return
}

// Await waits until at least n frames with label have been received.
func (s *Server) Await(t testing.TB, label string, n int) []Frame {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.Frames(label)) >= n },
		5*time.Second, 5*time.Millisecond, "waiting for %d %s", n, label)
	return s.Frames(label)
}
