// Package server exposes the daemon over its unix sockets: the datagram
// input socket fed by producers and the stream sockets serving the
// framed control protocol.
package server

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/coffersTech/hilogd/internal/protocol"
)

// ControlServer accepts stream connections and runs a Controller on each.
type ControlServer struct {
	path    string
	allowed []protocol.Cmd
	deps    *Deps
	log     zerolog.Logger

	mu     sync.Mutex
	ln     *net.UnixListener
	conns  map[*net.UnixConn]struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewControlServer prepares a listener at path serving the allowed
// commands.
func NewControlServer(path string, allowed []protocol.Cmd, deps *Deps) *ControlServer {
	return &ControlServer{
		path:    path,
		allowed: allowed,
		deps:    deps,
		log:     deps.Logger.With().Str("component", "control").Str("socket", path).Logger(),
		conns:   make(map[*net.UnixConn]struct{}),
	}
}

// Listen binds the socket, replacing a stale socket file.
func (s *ControlServer) Listen() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.path, Net: "unix"})
	if err != nil {
		return err
	}
	if err := os.Chmod(s.path, 0666); err != nil {
		ln.Close()
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the socket path.
func (s *ControlServer) Addr() string { return s.path }

// Serve accepts connections until Shutdown. It returns nil after a
// Shutdown and the accept error otherwise.
func (s *ControlServer) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	if ln == nil {
		return errors.New("control server: Serve called before Listen")
	}

	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		cred, err := peerCredentials(conn)
		if err != nil {
			s.log.Warn().Err(err).Msg("peer credentials")
			conn.Close()
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.handle(ctx, conn, cred)
	}
}

func (s *ControlServer) handle(ctx context.Context, conn *net.UnixConn, cred Credentials) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	ctrl := NewController(conn, cred, s.deps, s.allowed)
	if err := ctrl.Serve(ctx); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Debug().Err(err).Uint32("pid", cred.PID).Msg("connection ended")
	}
}

// Shutdown closes the listener and every connection, then waits for the
// connection goroutines or ctx.
func (s *ControlServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.ln != nil {
		s.ln.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// peerCredentials reads SO_PEERCRED from a connected socket.
func peerCredentials(conn *net.UnixConn) (Credentials, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return Credentials{}, err
	}
	var (
		ucred *unix.Ucred
		serr  error
	)
	if err := raw.Control(func(fd uintptr) {
		ucred, serr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return Credentials{}, err
	}
	if serr != nil {
		return Credentials{}, serr
	}
	return Credentials{UID: ucred.Uid, PID: uint32(ucred.Pid)}, nil
}
