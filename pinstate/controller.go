package pinstate

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hubertat/inspectio/drivers"
)

// HardwarePort is the native pin access the controller drives.
type HardwarePort interface {
	ReadInput(pin int) (drivers.Level, error)
	SetOutput(pin int, on bool) error
}

// Controller pairs every hardware output write with a merge of the same field.
// Writers of one output pin are serialised by that pin's lock only; there is
// no store-wide lock.
type Controller struct {
	port  HardwarePort
	store Store
	locks [drivers.PinCount + 1]sync.Mutex
}

func NewController(port HardwarePort, store Store) *Controller {
	return &Controller{port: port, store: store}
}

func (c *Controller) Store() Store {
	return c.store
}

func (c *Controller) Snapshot(ctx context.Context) (PinState, error) {
	return c.store.Snapshot(ctx)
}

func (c *Controller) ReadInput(pin int) (drivers.Level, error) {
	if !validPin(pin) {
		return drivers.Low, errors.Wrapf(ErrUnknownPin, "input %d", pin)
	}
	return c.port.ReadInput(pin)
}

// MarkInput merges one input activity flag, no hardware is touched.
func (c *Controller) MarkInput(ctx context.Context, pin int, active bool) error {
	return c.store.MergeInputs(ctx, map[int]bool{pin: active})
}

// Acquire locks the given output pins in ascending order and returns a lease
// that writes them without further locking. Release must be called.
func (c *Controller) Acquire(pins ...int) (*Lease, error) {
	held := make([]int, 0, len(pins))
	seen := make(map[int]bool, len(pins))
	for _, pin := range pins {
		if !validPin(pin) {
			return nil, errors.Wrapf(ErrUnknownPin, "output %d", pin)
		}
		if !seen[pin] {
			seen[pin] = true
			held = append(held, pin)
		}
	}
	sort.Ints(held)

	for _, pin := range held {
		c.locks[pin].Lock()
	}
	return &Lease{c: c, pins: seen, order: held}, nil
}

func (c *Controller) SetOutput(ctx context.Context, pin int, on bool) error {
	lease, err := c.Acquire(pin)
	if err != nil {
		return err
	}
	defer lease.Release()
	return lease.Apply(ctx, map[int]bool{pin: on})
}

// Toggle flips an output relative to its stored state and returns the new state.
func (c *Controller) Toggle(ctx context.Context, pin int) (bool, error) {
	lease, err := c.Acquire(pin)
	if err != nil {
		return false, err
	}
	defer lease.Release()

	ps, err := c.store.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	on := !ps.Outputs[pin]
	return on, lease.Apply(ctx, map[int]bool{pin: on})
}

func (c *Controller) Pulse(ctx context.Context, pin int, dwell time.Duration) error {
	lease, err := c.Acquire(pin)
	if err != nil {
		return err
	}
	defer lease.Release()
	return lease.Pulse(ctx, pin, dwell)
}

// ApplyOutputs writes several outputs under their locks with a single merge.
func (c *Controller) ApplyOutputs(ctx context.Context, outputs map[int]bool) error {
	lease, err := c.Acquire(sortedPins(outputs)...)
	if err != nil {
		return err
	}
	defer lease.Release()
	return lease.Apply(ctx, outputs)
}

// Lease is a set of output pins held by one caller.
type Lease struct {
	c     *Controller
	pins  map[int]bool
	order []int
	once  sync.Once
}

// Apply writes every pin to hardware, then merges the pins whose write
// succeeded. The first error is returned after all pins were tried.
func (l *Lease) Apply(ctx context.Context, outputs map[int]bool) error {
	var firstErr error
	written := make(map[int]bool, len(outputs))

	pins := sortedPins(outputs)
	for _, pin := range pins {
		if !l.pins[pin] {
			return errors.Errorf("output %d is not held by this lease", pin)
		}
	}

	for _, pin := range pins {
		err := l.c.port.SetOutput(pin, outputs[pin])
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		written[pin] = outputs[pin]
	}

	if err := l.c.store.MergeOutputs(ctx, written); err != nil {
		return err
	}
	return firstErr
}

// Pulse drives pin ON for dwell, then OFF. The OFF leg runs whatever happened
// before it, a cancelled ctx only shortens the dwell.
func (l *Lease) Pulse(ctx context.Context, pin int, dwell time.Duration) error {
	onErr := l.Apply(ctx, map[int]bool{pin: true})
	if onErr == nil {
		timer := time.NewTimer(dwell)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	offErr := l.Apply(context.WithoutCancel(ctx), map[int]bool{pin: false})
	if onErr != nil {
		return onErr
	}
	return offErr
}

func (l *Lease) Release() {
	l.once.Do(func() {
		for i := len(l.order) - 1; i >= 0; i-- {
			l.c.locks[l.order[i]].Unlock()
		}
	})
}
