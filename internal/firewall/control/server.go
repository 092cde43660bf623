// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package control serves the trusted administrative channel: a unix domain
// socket carrying framed commands from the node process.
package control

import (
	"context"
	"io"
	"net"
	"os"

	"github.com/simplestaking/bpf-firewall/internal/ebpf/types"
	"github.com/simplestaking/bpf-firewall/internal/errors"
	"github.com/simplestaking/bpf-firewall/internal/firewall/command"
	"github.com/simplestaking/bpf-firewall/internal/firewall/store"
	"github.com/simplestaking/bpf-firewall/internal/logging"
	"github.com/simplestaking/bpf-firewall/internal/metrics"
)

// Server accepts control connections and applies commands to the store.
type Server struct {
	path     string
	store    *store.Store
	log      *logging.Logger
	metrics  *metrics.Metrics
	listener net.Listener
}

// New creates a control plane server for the given socket path.
func New(path string, st *store.Store, log *logging.Logger, m *metrics.Metrics) *Server {
	return &Server{
		path:    path,
		store:   st,
		log:     log,
		metrics: m,
	}
}

// Start binds the socket and begins accepting connections in the
// background. Every failure here is fatal to the process: without the
// control plane there is no operator control path.
//
// The socket permissions are deliberately relaxed to 0666. The firewall
// runs privileged but the node connecting to it must not.
func (s *Server) Start(ctx context.Context) error {
	if err := s.removeStaleSocket(); err != nil {
		return err
	}

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return errors.Wrapf(err, errors.KindStartup, "failed to bind control socket %s", s.path)
	}

	if err := os.Chmod(s.path, 0666); err != nil {
		listener.Close()
		return errors.Wrapf(err, errors.KindStartup, "failed to set permissions on control socket %s", s.path)
	}

	s.listener = listener
	s.log.Info("Listening for commands on unix domain socket", "socket_path", s.path)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	go s.acceptLoop()
	return nil
}

// Close stops the listener.
func (s *Server) Close() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) removeStaleSocket() error {
	if _, err := os.Stat(s.path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, errors.KindStartup, "failed to stat control socket %s", s.path)
	}
	if err := os.Remove(s.path); err != nil {
		return errors.Wrapf(err, errors.KindStartup, "failed to remove stale control socket %s", s.path)
	}
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error("Accept error on control socket", "error", err)
			return
		}
		go s.handleConn(conn)
	}
}

// handleConn decodes commands until the stream ends or the transport fails.
// A malformed command is logged and skipped; it never terminates the
// connection.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	decoder := command.NewDecoder(conn)
	for {
		cmd, err := decoder.Decode()
		if err != nil {
			var decodeErr *command.DecodeError
			if errors.As(err, &decodeErr) {
				s.log.Error("Failed to parse command", "error", decodeErr)
				s.metrics.DecodeErrors.WithLabelValues("command").Inc()
				continue
			}
			if err != io.EOF {
				s.log.Error("Control connection failed", "error", err)
			}
			return
		}

		s.log.Info("Received command", "command", cmd.String())
		if err := s.apply(cmd); err != nil {
			s.log.Error("Failed to apply command", "command", cmd.String(), "error", err)
		}
	}
}

func (s *Server) apply(cmd command.Command) error {
	// The wire protocol carries IPv6 so streams stay in sync, but the
	// maps are fixed 4-byte addresses end to end.
	if cmd.Type != command.TypeFilterLocalPort && !cmd.Addr.Is4() {
		s.metrics.DecodeErrors.WithLabelValues("ipv6").Inc()
		return errors.Errorf(errors.KindDecode, "ipv6 is not implemented yet: %s", cmd.Addr)
	}

	s.metrics.Commands.WithLabelValues(cmd.Type.String()).Inc()

	switch cmd.Type {
	case command.TypeBlock:
		return s.store.Block(cmd.Addr.As4(), types.EventFromTezedge)
	case command.TypeUnblock:
		return s.store.Unblock(cmd.Addr.As4())
	case command.TypeFilterLocalPort:
		return s.store.FilterLocalPort(cmd.Port)
	case command.TypeFilterRemoteAddr:
		return s.store.AllowRemote(types.EndpointFrom(cmd.Addr.As4(), cmd.Port))
	case command.TypeConnected:
		return s.store.Connected(types.EndpointFrom(cmd.Addr.As4(), cmd.Port), cmd.PublicKey)
	case command.TypeDisconnected:
		return s.store.Disconnected(types.EndpointFrom(cmd.Addr.As4(), cmd.Port), cmd.PublicKey)
	default:
		return errors.Errorf(errors.KindDecode, "unhandled command type %s", cmd.Type)
	}
}
