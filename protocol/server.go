// Package protocol serves the raw socket command protocol used by line
// equipment to read and set pins and to fire named inference commands.
//
// Connections are served one at a time; further clients wait in the kernel
// accept queue until the current session ends.
//
// Each socket read is one message. A message longer than MaxMessageSize is not
// supported: it is answered once with "Invalid Command", and the bytes of it
// still arriving are discarded, so the next reply belongs to the next message.
package protocol

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/hubertat/inspectio/inference"
	"github.com/hubertat/inspectio/pinstate"
	"github.com/hubertat/inspectio/presets"
)

const (
	DefaultAddr           = ":5300"
	DefaultMaxMessageSize = 1024
)

var (
	ErrProtocolParse  = errors.New("malformed protocol message")
	ErrUnknownCommand = errors.New("unknown command")
)

// Pins is the part of pinstate.Controller the protocol reads and writes.
type Pins interface {
	Snapshot(ctx context.Context) (pinstate.PinState, error)
	SetOutput(ctx context.Context, pin int, on bool) error
}

type Triggerer interface {
	Trigger(ctx context.Context, preset presets.Preset, caller inference.Caller) (inference.Result, error)
}

type Config struct {
	Addr           string
	MaxMessageSize int
}

type Server struct {
	cfg     Config
	pins    Pins
	catalog presets.Catalog
	trigger Triggerer
	logger  *log.Logger
}

func NewServer(cfg Config, pins Pins, catalog presets.Catalog, trigger Triggerer) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}

	return &Server{
		cfg:     cfg,
		pins:    pins,
		catalog: catalog,
		trigger: trigger,
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix:          "protocol: ",
			Level:           log.GetLevel(),
			ReportTimestamp: true,
		}),
	}
}

func (s *Server) SetLogger(l *log.Logger) {
	s.logger = l
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.cfg.Addr)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is cancelled. The listener and any active
// connection are closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer ln.Close()

	s.logger.Info("accepting connections", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("accept", "err", err)
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return errors.Wrap(err, "accept")
		}

		s.newSession(ctx, conn).serve(ctx)
	}
}
