// Package server implements spec.md §4.5: accepting TLS connections,
// running the per-connection protocol state machine, and dispatching
// each request to the right Store via the Registry.
//
// The Server owns the Registry directly and hands it to each
// connection's handler rather than reaching through a package-level
// global, replacing the teacher's and the wider corpus's
// shared-global-handler-registry pattern with an explicit value
// (spec.md §9's first re-architecture note).
package server

import (
	"crypto/rand"
	"log"
	"net"
	"sync"

	"shuffler/internal/registry"
	"shuffler/internal/transport"
	"shuffler/internal/wire"
)

// Server accepts connections on a TLS listener and serves the shuffle
// protocol on each of them.
type Server struct {
	Registry   *registry.Registry
	ScratchDir string

	mu        sync.Mutex
	conns     map[net.Conn]struct{}
	listening bool
}

// New returns a Server backed by a fresh, empty Registry. scratchDir is
// the root under which each shuffle gets its own per-shuffle directory
// (spec.md §6).
func New(scratchDir string) *Server {
	return &Server{
		Registry:   registry.New(),
		ScratchDir: scratchDir,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections from ln until it is closed, running one
// handler goroutine per connection (spec.md §5: "the natural unit is
// one lightweight task per accepted connection").
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listening = true
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			listening := s.listening
			s.mu.Unlock()
			if !listening {
				return nil
			}
			return err
		}
		s.trackConn(conn, true)
		go s.handleConn(conn)
	}
}

func (s *Server) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// Shutdown stops accepting new work and closes every live connection,
// which causes each connection's in-flight PUT/GET to finish its
// current record and then terminate (spec.md §5 "Cancellation"). It
// then closes every live shuffle via the Registry.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.listening = false
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	s.Registry.CloseAll()
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.trackConn(conn, false)
	defer conn.Close()

	connID, err := transport.Accept(conn, nil)
	if err != nil {
		log.Printf("[Server] transport handshake failed: %v", err)
		return
	}
	log.Printf("[Server] conn=%s accepted from %s", connID, conn.RemoteAddr())

	h := &connHandler{server: s, conn: conn, connID: connID}
	h.run()
}

func randomShuffleID() (wire.ShuffleID, error) {
	var id wire.ShuffleID
	if _, err := rand.Read(id[:]); err != nil {
		return id, err
	}
	return id, nil
}
