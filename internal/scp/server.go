package scp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/masroore/dicomscp/internal/config"
	"github.com/masroore/dicomscp/internal/policy"
	"github.com/masroore/dicomscp/pkg/logger"
	"github.com/rs/zerolog"
)

// Server accepts DICOM associations on one TCP port and dispatches DIMSE
// operations to the wired services.
type Server struct {
	name     string
	cfg      config.DICOMConfig
	port     int
	policy   *policy.Policy
	services Services
	log      zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	closed   bool
}

// NewServer builds a listener-less server; Serve opens the port.
func NewServer(name string, cfg config.DICOMConfig, port int, pol *policy.Policy, services Services) *Server {
	return &Server{
		name:     name,
		cfg:      cfg,
		port:     port,
		policy:   pol,
		services: services,
		log:      logger.Service(name),
	}
}

// Serve listens and handles associations until ctx is cancelled or Shutdown
// is called. Each association runs in its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()

	s.log.Info().Str("addr", addr).Str("ae_title", s.cfg.AETitle).Msg("DICOM listener started")

	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Warn().Err(err).Msg("accept failed")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.wg.Wait()
	s.log.Info().Msg("DICOM listener stopped")
	return nil
}

// Shutdown stops accepting new associations and waits for in-flight ones.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	assoc := newAssociation(s, conn)
	if err := assoc.negotiate(); err != nil {
		s.log.Debug().Err(err).Str("remote_addr", conn.RemoteAddr().String()).Msg("association not established")
		return
	}
	assoc.run(ctx)
}
