// Package pinstate holds the one shared record of output pin states and input
// activity flags, and the controller that keeps it in step with the hardware.
package pinstate

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/hubertat/inspectio/drivers"
)

var (
	// ErrPersistence wraps every failed write or read of the stored record.
	ErrPersistence = errors.New("pin state persistence failure")
	// ErrUnknownPin is returned for pin numbers outside 1..drivers.PinCount.
	ErrUnknownPin = errors.New("unknown pin")
)

const (
	outputPrefix = "GPO"
	inputPrefix  = "GPI"
)

// Store is the field-scoped merge contract every writer of the record uses.
// A merge only touches the pins named in partial.
type Store interface {
	MergeOutputs(ctx context.Context, partial map[int]bool) error
	MergeInputs(ctx context.Context, partial map[int]bool) error
	Snapshot(ctx context.Context) (PinState, error)
}

// PinState is a copy of the record, keyed by pin number 1..drivers.PinCount.
type PinState struct {
	Outputs map[int]bool
	Inputs  map[int]bool
}

func emptyState() PinState {
	ps := PinState{Outputs: make(map[int]bool), Inputs: make(map[int]bool)}
	for pin := 1; pin <= drivers.PinCount; pin++ {
		ps.Outputs[pin] = false
		ps.Inputs[pin] = false
	}
	return ps
}

func (ps PinState) OutputVector() map[string]bool {
	return namedVector(outputPrefix, ps.Outputs)
}

func (ps PinState) InputVector() map[string]bool {
	return namedVector(inputPrefix, ps.Inputs)
}

func namedVector(prefix string, pins map[int]bool) map[string]bool {
	vector := make(map[string]bool, drivers.PinCount)
	for pin := 1; pin <= drivers.PinCount; pin++ {
		vector[fmt.Sprintf("%s%d", prefix, pin)] = pins[pin]
	}
	return vector
}

func OutputField(pin int) string {
	return fmt.Sprintf("%s%d", outputPrefix, pin)
}

func InputField(pin int) string {
	return fmt.Sprintf("%s%d", inputPrefix, pin)
}

// ParseInputField returns the pin number of a "GPI<n>" name.
func ParseInputField(name string) (int, bool) {
	return parseField(inputPrefix, name)
}

// ParseOutputField returns the pin number of a "GPO<n>" name.
func ParseOutputField(name string) (int, bool) {
	return parseField(outputPrefix, name)
}

func parseField(prefix, name string) (int, bool) {
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	pin, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
	if err != nil || !validPin(pin) {
		return 0, false
	}
	return pin, true
}

func validPin(pin int) bool {
	return pin >= 1 && pin <= drivers.PinCount
}

func checkPins(partial map[int]bool) error {
	for pin := range partial {
		if !validPin(pin) {
			return errors.Wrapf(ErrUnknownPin, "pin %d", pin)
		}
	}
	return nil
}

func sortedPins(partial map[int]bool) []int {
	pins := make([]int, 0, len(partial))
	for pin := range partial {
		pins = append(pins, pin)
	}
	sort.Ints(pins)
	return pins
}
