// Package gateway binds the TCP listen surface and spawns one Session per
// accepted connection. Grounded on teacher internal/tcp/server.go's
// Start/Accept loop, generalized to spawn gateway sessions instead of the
// teacher's single GT06-only handler and to support graceful shutdown.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"luna-gateway/internal/codec"
	"luna-gateway/internal/session"
)

// SessionFactory builds a Session around an accepted connection. Kept as a
// function value (rather than threading registry/store/bus/codec through
// this package directly) so the listener doesn't need to know any of the
// session's dependencies — only how to make one.
type SessionFactory func(conn net.Conn) *session.Session

// Listener accepts connections on host:port and spawns one session per
// connection, tracking them so Shutdown can close them all.
type Listener struct {
	addr    string
	factory SessionFactory
	log     *logrus.Entry

	mu       sync.Mutex
	sessions map[*session.Session]struct{}
	listener net.Listener
}

func New(host string, port int, factory SessionFactory, log *logrus.Entry) *Listener {
	return &Listener{
		addr:     fmt.Sprintf("%s:%d", host, port),
		factory:  factory,
		log:      log,
		sessions: make(map[*session.Session]struct{}),
	}
}

// NewCompositeSessionFactory is a convenience constructor for the standard
// wiring: every session shares one codec.Composite, registry, store, bus
// publisher, and command responder.
func NewCompositeSessionFactory(
	composite *codec.Composite,
	reg session.Registry,
	st session.Store,
	pub session.Publisher,
	responder session.CommandResponder,
	log *logrus.Entry,
) SessionFactory {
	return func(conn net.Conn) *session.Session {
		return session.New(conn, composite, reg, st, pub, responder, log)
	}
}

// Run binds the TCP listen surface and accepts connections until ctx is
// cancelled or Shutdown is called.
func (l *Listener) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", l.addr, err)
	}

	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	l.log.WithField("addr", l.addr).Info("gateway listening for device connections")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.log.WithError(err).Warn("accept failed, continuing")
			continue
		}
		go l.serve(ctx, conn)
	}
}

func (l *Listener) serve(ctx context.Context, conn net.Conn) {
	s := l.factory(conn)

	l.mu.Lock()
	l.sessions[s] = struct{}{}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.sessions, s)
		l.mu.Unlock()
	}()

	s.Serve(ctx)
}

// Shutdown closes the listening socket and every live session's
// connection. It does not wait for each session's read loop to return, and
// neither does Run: cmd/gateway's WaitGroup covers Run itself, not the
// per-connection goroutines Run spawns.
func (l *Listener) Shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.listener != nil {
		_ = l.listener.Close()
	}
	for s := range l.sessions {
		_ = s.Close()
	}
}

// ActiveSessions returns the number of currently-served connections
// (authenticated or not). The health surface does not use it; /healthz
// reports the registry's count of authenticated sessions instead.
func (l *Listener) ActiveSessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}
