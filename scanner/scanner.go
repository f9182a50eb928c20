// Package scanner polls the input pins and turns each physical press into one
// trigger of the presets bound to that pin.
package scanner

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/hubertat/inspectio/drivers"
	"github.com/hubertat/inspectio/inference"
	"github.com/hubertat/inspectio/pinstate"
	"github.com/hubertat/inspectio/presets"
)

const (
	DefaultInterval      = 10 * time.Millisecond
	MinInterval          = 5 * time.Millisecond
	MaxInterval          = 20 * time.Millisecond
	DefaultCompleteDwell = 300 * time.Millisecond
)

type State int

const (
	Idle State = iota
	Armed
)

func (s State) String() string {
	if s == Armed {
		return "armed"
	}
	return "idle"
}

// Pins is the part of pinstate.Controller the scanner drives.
type Pins interface {
	ReadInput(pin int) (drivers.Level, error)
	MarkInput(ctx context.Context, pin int, active bool) error
	Acquire(pins ...int) (*pinstate.Lease, error)
}

type Triggerer interface {
	Trigger(ctx context.Context, preset presets.Preset, caller inference.Caller) (inference.Result, error)
}

// Notifier gets the full input vector whenever it changes. It must not block.
type Notifier interface {
	Notify(inputs map[string]bool)
}

// Roles names the output pins the trigger choreography drives.
type Roles struct {
	Ready    int
	Busy     int
	Complete int
}

type Config struct {
	Interval      time.Duration
	CompleteDwell time.Duration
	Roles         Roles
}

type Scanner struct {
	cfg      Config
	pins     Pins
	catalog  presets.Catalog
	trigger  Triggerer
	notifier Notifier
	logger   *log.Logger

	state    State
	previous map[int]bool
	failing  bool
}

func New(cfg Config, pins Pins, catalog presets.Catalog, trigger Triggerer, notifier Notifier) *Scanner {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.CompleteDwell <= 0 {
		cfg.CompleteDwell = DefaultCompleteDwell
	}

	return &Scanner{
		cfg:      cfg,
		pins:     pins,
		catalog:  catalog,
		trigger:  trigger,
		notifier: notifier,
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix:          "scanner: ",
			Level:           log.GetLevel(),
			ReportTimestamp: true,
		}),
	}
}

func (s *Scanner) SetLogger(l *log.Logger) {
	s.logger = l
}

// State is only meaningful from the goroutine running Step or Run.
func (s *Scanner) State() State {
	return s.state
}

// Run polls every cfg.Interval until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	s.logger.Info("scanning inputs", "interval", s.cfg.Interval)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		err := s.Step(ctx)
		switch {
		case err != nil && !s.failing:
			s.failing = true
			s.logger.Error("scan cycle aborted", "err", err)
		case err != nil:
			s.logger.Debug("scan cycle aborted", "err", err)
		case s.failing:
			s.failing = false
			s.logger.Info("inputs readable again")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Step runs one poll cycle. A read error aborts the cycle and leaves the
// state machine untouched.
func (s *Scanner) Step(ctx context.Context) error {
	vector := make(map[int]bool, drivers.PinCount)
	active := 0
	for pin := 1; pin <= drivers.PinCount; pin++ {
		level, err := s.pins.ReadInput(pin)
		if err != nil {
			return errors.Wrapf(err, "read %s", pinstate.InputField(pin))
		}
		vector[pin] = level == drivers.Low
		if vector[pin] && active == 0 {
			active = pin
		}
	}

	if changed(s.previous, vector) {
		s.notifier.Notify(namedInputs(vector))
	}
	s.previous = vector

	switch {
	case active == 0:
		s.state = Idle
	case s.state == Idle:
		s.state = Armed
		s.fire(ctx, active)
	}
	return nil
}

func (s *Scanner) fire(ctx context.Context, pin int) {
	key := pinstate.InputField(pin)
	logger := s.logger.With("input", key)

	found, err := s.catalog.ByTriggerKey(ctx, key)
	if err != nil {
		logger.Error("preset lookup failed", "err", err)
		return
	}
	if len(found) == 0 {
		logger.Debug("press without presets")
		return
	}

	defer s.restore(ctx, pin, logger)

	if err := s.pins.MarkInput(ctx, pin, true); err != nil {
		logger.Error("mark input", "err", err)
	}
	err = s.withStatus(func(lease *pinstate.Lease) error {
		return lease.Apply(ctx, map[int]bool{s.cfg.Roles.Busy: true, s.cfg.Roles.Ready: false})
	})
	if err != nil {
		logger.Error("set busy", "err", err)
		return
	}

	// no status pin is held here, the pipeline locks pass/fail on its own
	caller := inference.Caller{Source: "gpio", Workstation: fmt.Sprintf("gpio:%s", key)}
	for _, preset := range found {
		if _, err := s.trigger.Trigger(ctx, preset, caller); err != nil {
			logger.Warn("trigger failed, restoring idle outputs", "preset", preset.PresetID, "err", err)
			return
		}
	}

	err = s.withStatus(func(lease *pinstate.Lease) error {
		return lease.Pulse(ctx, s.cfg.Roles.Complete, s.cfg.CompleteDwell)
	})
	if err != nil {
		logger.Error("pulse complete", "err", err)
	}
}

// withStatus runs do with ready/busy/complete held. Leases stay short and
// never span an inference call, so writers holding other pins cannot be
// waiting on the scanner while the scanner waits on them.
func (s *Scanner) withStatus(do func(lease *pinstate.Lease) error) error {
	lease, err := s.pins.Acquire(s.cfg.Roles.Ready, s.cfg.Roles.Busy, s.cfg.Roles.Complete)
	if err != nil {
		return errors.Wrap(err, "take status outputs")
	}
	defer lease.Release()
	return do(lease)
}

// restore puts ready/busy/complete back to idle and clears the input flag,
// also when ctx is already cancelled.
func (s *Scanner) restore(ctx context.Context, pin int, logger *log.Logger) {
	ctx = context.WithoutCancel(ctx)
	err := s.withStatus(func(lease *pinstate.Lease) error {
		return lease.Apply(ctx, map[int]bool{
			s.cfg.Roles.Ready:    true,
			s.cfg.Roles.Busy:     false,
			s.cfg.Roles.Complete: false,
		})
	})
	if err != nil {
		logger.Error("restore idle outputs", "err", err)
	}
	if err := s.pins.MarkInput(ctx, pin, false); err != nil {
		logger.Error("clear input", "err", err)
	}
}

func changed(previous, current map[int]bool) bool {
	if previous == nil {
		return true
	}
	for pin, active := range current {
		if previous[pin] != active {
			return true
		}
	}
	return false
}

func namedInputs(vector map[int]bool) map[string]bool {
	named := make(map[string]bool, len(vector))
	for pin, active := range vector {
		named[pinstate.InputField(pin)] = active
	}
	return named
}
