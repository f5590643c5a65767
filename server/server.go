// Package server implements the socketmap server: a TCP listener answering
// MTA-STS policy queries with ordered pipelining per connection.
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/semihalev/stsmap/cache"
	"github.com/semihalev/stsmap/config"
	"github.com/semihalev/stsmap/zone"
	"github.com/semihalev/zlog/v2"
	"github.com/yl2chen/cidranger"
)

// Server type
type Server struct {
	addr     string
	maxFrame int

	registry *zone.Registry
	cache    *cache.Cache
	ranger   cidranger.Ranger
	limits   *limiterStore

	ln    net.Listener
	conns sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New return new server
func New(cfg *config.Config, registry *zone.Registry, pcache *cache.Cache) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		addr:     cfg.Bind,
		maxFrame: cfg.MaxFrameSize,
		registry: registry,
		cache:    pcache,
		ranger:   cidranger.NewPCTrieRanger(),
		ctx:      ctx,
		cancel:   cancel,
	}

	for _, cidr := range cfg.AccessList {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			zlog.Error("Access list parse cidr failed", "cidr", cidr, "error", err.Error())
			continue
		}

		s.ranger.Insert(cidranger.NewBasicRangerEntry(*ipnet))
	}

	if cfg.ClientRateLimit > 0 {
		s.limits = newLimiterStore(cfg.ClientRateLimit)
	}

	if cfg.Proactive.Enabled {
		r := newRefresher(s, cfg.Proactive)
		go r.run(ctx)
	}

	return s
}

// ListenAndServe binds the listener and accepts connections until Shutdown.
// Bind failures are returned to the caller, transient accept errors are
// logged and the loop continues.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}

	return s.Serve()
}

// Listen binds the TCP listener.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln

	zlog.Info("Socketmap server listening...", "addr", s.addr)

	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}

	return s.ln.Addr()
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() error {
	for {
		rwc, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}

			zlog.Warn("Accept failed", "error", err.Error())
			time.Sleep(5 * time.Millisecond)
			continue
		}

		if !s.allowed(rwc) {
			rwc.Close()
			continue
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.serve(rwc)
		}()
	}
}

// Shutdown stops accepting, cancels in-flight work and waits for open
// connections to drain until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.ln != nil {
		s.ln.Close()
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) allowed(rwc net.Conn) bool {
	client, _, err := net.SplitHostPort(rwc.RemoteAddr().String())
	if err != nil {
		return false
	}

	ip := net.ParseIP(client)
	if ip == nil {
		return false
	}

	allowed, _ := s.ranger.Contains(ip)
	if !allowed {
		zlog.Debug("Client blocked by access list", "client", client)
	}

	return allowed
}
