package authority

import (
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/lomnom/MarimoCool/internal/metrics"
	"github.com/lomnom/MarimoCool/internal/protocol"
)

// responseTimeout bounds writing one response to a client.
const responseTimeout = 5 * time.Second

// Server serves the authority protocol over a stream listener, one goroutine
// per connection.
type Server struct {
	auth        *Authority
	idleTimeout time.Duration
	metrics     *metrics.Metrics

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	nextID ConnID
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a Server for auth. A connection that sends nothing for
// idleTimeout is closed; zero disables the limit.
func NewServer(auth *Authority, idleTimeout time.Duration, m *metrics.Metrics) *Server {
	return &Server{
		auth:        auth,
		idleTimeout: idleTimeout,
		metrics:     m,
		conns:       make(map[net.Conn]struct{}),
	}
}

// ListenAndServe listens on addr and serves until Close.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Close. It returns nil after Close.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.ln = ln
	s.mu.Unlock()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if backoff == 0 {
					backoff = 5 * time.Millisecond
				} else if backoff *= 2; backoff > time.Second {
					backoff = time.Second
				}
				log.Printf("authority: accept: %v; retrying in %v", err, backoff)
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.nextID++
		id := s.nextID
		s.conns[conn] = struct{}{}
		n := len(s.conns)
		s.wg.Add(1)
		s.mu.Unlock()

		s.auth.Tracker().SetConnections(n)
		s.metrics.ConnOpened()
		go s.handle(id, conn)
	}
}

// Close stops accepting, closes every connection and waits for their
// handlers to finish. Sessions held by those connections are torn down.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) handle(id ConnID, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.auth.Disconnect(id)

		s.mu.Lock()
		delete(s.conns, conn)
		n := len(s.conns)
		s.mu.Unlock()
		s.auth.Tracker().SetConnections(n)
		s.metrics.ConnClosed()
	}()

	remote := conn.RemoteAddr()
	log.Printf("authority: conn %d opened from %v", id, remote)

	for {
		if s.idleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}
		payload, err := protocol.ReadFrame(conn)
		if err != nil {
			var ne net.Error
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				log.Printf("authority: conn %d closed", id)
			case errors.As(err, &ne) && ne.Timeout():
				log.Printf("authority: conn %d idle, closing", id)
			default:
				log.Printf("authority: conn %d: %v", id, err)
			}
			return
		}

		start := time.Now()
		var resp protocol.Response
		req, err := protocol.DecodeRequest(payload)
		if err != nil {
			log.Printf("authority: conn %d: %v", id, err)
			resp = protocol.ErrorResponse(req.ID, err)
		} else {
			resp = s.dispatch(id, req)
		}

		result := "ok"
		if resp.Error != "" {
			result = string(resp.Error)
		}
		s.metrics.Request(string(req.Op), result, time.Since(start))

		conn.SetWriteDeadline(time.Now().Add(responseTimeout))
		if err := protocol.WriteMessage(conn, resp); err != nil {
			log.Printf("authority: conn %d: write response: %v", id, err)
			return
		}
	}
}

func (s *Server) dispatch(id ConnID, req protocol.Request) protocol.Response {
	var err error
	switch req.Op {
	case protocol.OpAcquire:
		var token string
		token, err = s.auth.Acquire(id, req.Client, req.Exclusive)
		if err == nil {
			return protocol.Response{ID: req.ID, OK: true, SessionID: token}
		}
	case protocol.OpRelease:
		err = s.auth.Release(id, req.SessionID)
	case protocol.OpHeartbeat:
		err = s.auth.Heartbeat(id, req.SessionID)
	case protocol.OpSetPeltier:
		err = s.auth.SetPeltier(id, req.SessionID, *req.On)
	case protocol.OpSetFan:
		err = s.auth.SetFan(id, req.SessionID, *req.On)
	case protocol.OpReadTemp:
		var sample protocol.Sample
		sample, err = s.auth.ReadTemperature()
		if err == nil {
			return protocol.SampleResponse(req.ID, sample)
		}
	case protocol.OpStatus:
		st := s.auth.Status()
		return protocol.Response{ID: req.ID, OK: true, Status: &st}
	}
	if err != nil {
		if req.Op != protocol.OpReadTemp {
			log.Printf("authority: conn %d %s rejected: %v", id, req.Op, err)
		}
		return protocol.ErrorResponse(req.ID, err)
	}
	return protocol.Response{ID: req.ID, OK: true}
}
