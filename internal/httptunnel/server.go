package httptunnel

import (
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

// userAgent is sent by Dial; Server neither checks nor logs it, since a proxy
// in the middle may rewrite headers.
const userAgent = "Mozilla/5.0 (compatible; teapotd)"

// Server multiplexes HTTP-tunnel GET/POST half-sessions and exposes each
// completed session as a Conn via onAccept, the callback the stream
// transport endpoint uses to feed new pseudo-connections into the L1 secure
// handshake the same way it would feed a raw accepted TCP connection.
type Server struct {
	mu       sync.Mutex
	sessions map[string]*session

	onAccept func(*Conn)
}

// NewServer creates a Server. onAccept is called once per newly allocated
// session, synchronously from the handling goroutine of its first GET.
func NewServer(onAccept func(*Conn)) *Server {
	srv := &Server{
		sessions: make(map[string]*session),
		onAccept: onAccept,
	}
	go srv.reapIdleSessions()
	return srv
}

// Router returns the mux.Router the stream endpoint should serve diverted
// connections through.
func (srv *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/{path:.*}", srv.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/{path:.*}", srv.handlePost).Methods(http.MethodPost)
	return r
}

func (srv *Server) lookup(id string) (*session, bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	s, ok := srv.sessions[id]
	return s, ok
}

func (srv *Server) reapIdleSessions() {
	for range time.Tick(idleTimeout / 2) {
		srv.mu.Lock()
		for id, s := range srv.sessions {
			if s.idleSince() > idleTimeout {
				delete(srv.sessions, id)
				go (&Conn{s: s}).Close()
			}
		}
		srv.mu.Unlock()
	}
}

func (srv *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie("session")

	var s *session
	first := false

	if err != nil {
		id, genErr := newSessionID()
		if genErr != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		s = newSession(id)
		first = true

		srv.mu.Lock()
		srv.sessions[id] = s
		srv.mu.Unlock()

		http.SetCookie(w, &http.Cookie{Name: "session", Value: id, Path: "/"})
	} else {
		var ok bool
		s, ok = srv.lookup(cookie.Value)
		if !ok {
			http.Error(w, "unknown session", http.StatusBadRequest)
			return
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "session closed", http.StatusBadRequest)
		return
	}
	if s.getInFlight {
		s.mu.Unlock()
		http.Error(w, "conflicting GET", http.StatusConflict)
		return
	}
	s.getInFlight = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.getInFlight = false
		s.mu.Unlock()
	}()

	s.touch()

	if first {
		w.Header().Set("Content-Type", "text/html")
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}

	// Wait for at least one byte (or close), then coalesce whatever else
	// arrives within flushDelay before answering (spec §6.5 "200ms flush").
	select {
	case <-s.notify:
	case <-time.After(longPollWait):
	case <-r.Context().Done():
		return
	}
	time.Sleep(flushDelay)

	s.mu.Lock()
	n := s.download.Len()
	if n > MaxDownloadSize {
		n = MaxDownloadSize
	}
	buf := make([]byte, n)
	copy(buf, s.download.Next(n))
	s.mu.Unlock()

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf); err != nil {
		log.WithError(err).Debug("httptunnel: GET response write failed")
	}

	if first {
		srv.onAccept(&Conn{s: s})
	}
}

func (srv *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie("session")
	if err != nil {
		http.Error(w, "missing session", http.StatusBadRequest)
		return
	}

	s, ok := srv.lookup(cookie.Value)
	if !ok {
		http.Error(w, "unknown session", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "session closed", http.StatusBadRequest)
		return
	}
	if s.postInFlight {
		s.mu.Unlock()
		http.Error(w, "conflicting POST", http.StatusConflict)
		return
	}
	s.postInFlight = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.postInFlight = false
		s.mu.Unlock()
	}()

	s.touch()

	for {
		f, err := readFrame(r.Body)
		if err != nil {
			if err != io.EOF {
				log.WithError(err).Debug("httptunnel: malformed POST frame")
			}
			break
		}

		switch f.cmd {
		case cmdTunnelOpen:
			// payload is the (empty, in this implementation) auth block.
		case cmdTunnelData:
			if _, err := s.uploadW.Write(f.payload); err != nil {
				break
			}
		case cmdTunnelPadding, cmdTunnelPad:
			// filler, discarded.
		case cmdTunnelClose:
			(&Conn{s: s}).Close()
			w.WriteHeader(http.StatusOK)
			return
		case cmdTunnelDisconnect:
			w.WriteHeader(http.StatusOK)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
}
