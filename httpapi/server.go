// Package httpapi exposes the pin endpoints of the administrative layer. All
// writes go through the same per-pin merge path as the scanner and the socket
// protocol.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"

	"github.com/hubertat/inspectio/drivers"
	"github.com/hubertat/inspectio/pinstate"
)

const httpTimeouts = 3 * time.Second
const shutdownTimeout = 5 * time.Second

type Pins interface {
	Snapshot(ctx context.Context) (pinstate.PinState, error)
	SetOutput(ctx context.Context, pin int, on bool) error
	Toggle(ctx context.Context, pin int) (bool, error)
	ReadInput(pin int) (drivers.Level, error)
}

type Server struct {
	Addr string
	// Token, when set, must be sent as a bearer token.
	Token string

	pins   Pins
	router *httprouter.Router
	logger *log.Logger
}

func NewServer(addr string, token string, pins Pins) *Server {
	s := &Server{
		Addr:  addr,
		Token: token,
		pins:  pins,
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix:          "http: ",
			Level:           log.GetLevel(),
			ReportTimestamp: true,
		}),
	}

	s.router = httprouter.New()
	s.router.GET("/pins", s.auth(s.handleState))
	s.router.GET("/pins/outputs/:pin", s.auth(s.handleGetOutput))
	s.router.PUT("/pins/outputs/:pin", s.auth(s.handleSetOutput))
	s.router.POST("/pins/outputs/:pin/toggle", s.auth(s.handleToggle))
	s.router.GET("/pins/inputs/:pin", s.auth(s.handleReadInput))
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe runs until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadTimeout:       httpTimeouts,
		ReadHeaderTimeout: httpTimeouts,
		WriteTimeout:      httpTimeouts,
		IdleTimeout:       2 * httpTimeouts,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.Addr)
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func (s *Server) auth(next httprouter.Handle) httprouter.Handle {
	if s.Token == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !found || token != s.Token {
			http.Error(w, "token mismatch", http.StatusUnauthorized)
			return
		}
		next(w, r, p)
	}
}

type outputReply struct {
	Pin int  `json:"pin"`
	On  bool `json:"on"`
}

type inputReply struct {
	Pin    int    `json:"pin"`
	Level  string `json:"level"`
	Active bool   `json:"active"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ps, err := s.pins.Snapshot(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, map[string]map[string]bool{
		"outputs": ps.OutputVector(),
		"inputs":  ps.InputVector(),
	})
}

func (s *Server) handleGetOutput(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	pin, ok := pinParam(w, p)
	if !ok {
		return
	}
	ps, err := s.pins.Snapshot(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, outputReply{Pin: pin, On: ps.Outputs[pin]})
}

func (s *Server) handleSetOutput(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	pin, ok := pinParam(w, p)
	if !ok {
		return
	}

	var body struct {
		On *bool `json:"on"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.On == nil {
		http.Error(w, `body must be {"on": true|false}`, http.StatusBadRequest)
		return
	}

	if err := s.pins.SetOutput(r.Context(), pin, *body.On); err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Info("output set", "pin", pin, "on", *body.On)
	writeJSON(w, outputReply{Pin: pin, On: *body.On})
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	pin, ok := pinParam(w, p)
	if !ok {
		return
	}
	on, err := s.pins.Toggle(r.Context(), pin)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Info("output toggled", "pin", pin, "on", on)
	writeJSON(w, outputReply{Pin: pin, On: on})
}

func (s *Server) handleReadInput(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	pin, ok := pinParam(w, p)
	if !ok {
		return
	}
	level, err := s.pins.ReadInput(pin)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, inputReply{Pin: pin, Level: level.String(), Active: level == drivers.Low})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pinstate.ErrUnknownPin):
		status = http.StatusNotFound
	case errors.Is(err, drivers.ErrHardwareIO):
		status = http.StatusBadGateway
	}
	if status != http.StatusNotFound {
		s.logger.Error("pin request failed", "err", err)
	}
	http.Error(w, err.Error(), status)
}

func pinParam(w http.ResponseWriter, p httprouter.Params) (int, bool) {
	pin, err := strconv.Atoi(p.ByName("pin"))
	if err != nil || pin < 1 || pin > drivers.PinCount {
		http.Error(w, "pin not found", http.StatusNotFound)
		return 0, false
	}
	return pin, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
