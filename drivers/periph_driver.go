package drivers

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

const periphDriverName = "periph"

// PeriphIO uses periph.io, which also covers boards without /dev/gpiomem.
// Pins are resolved by name as "GPIO<n>".
type PeriphIO struct {
	InvertInputs  bool
	InvertOutputs bool

	mu      sync.Mutex
	inputs  map[uint16]*periphLine
	outputs map[uint16]*periphLine
	order   [2][]uint16
	isReady bool
}

type periphLine struct {
	pin    gpio.PinIO
	invert bool
}

func (pl *periphLine) GetState() (bool, error) {
	return (pl.pin.Read() == gpio.High) != pl.invert, nil
}

func (pl *periphLine) Set(state bool) error {
	level := gpio.Low
	if state != pl.invert {
		level = gpio.High
	}
	return errors.Wrapf(pl.pin.Out(level), "periph write %s", pl.pin.Name())
}

func resolvePeriphPin(id uint16) (gpio.PinIO, error) {
	name := fmt.Sprintf("GPIO%d", id)
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, errors.Errorf("pin %s not found in periph registry", name)
	}
	return pin, nil
}

func (pe *PeriphIO) Setup(ctx context.Context, inputs []uint16, outputs []uint16) error {
	if _, err := host.Init(); err != nil {
		return errors.Wrap(err, "periph host init")
	}

	pe.mu.Lock()
	defer pe.mu.Unlock()

	pe.inputs = make(map[uint16]*periphLine)
	pe.outputs = make(map[uint16]*periphLine)
	pe.order = [2][]uint16{}

	for _, id := range inputs {
		pin, err := resolvePeriphPin(id)
		if err != nil {
			return err
		}
		if err := pin.In(gpio.PullUp, gpio.NoEdge); err != nil {
			return errors.Wrapf(err, "set %s to input", pin.Name())
		}
		pe.inputs[id] = &periphLine{pin: pin, invert: pe.InvertInputs}
		pe.order[0] = append(pe.order[0], id)
	}

	for _, id := range outputs {
		pin, err := resolvePeriphPin(id)
		if err != nil {
			return err
		}
		line := &periphLine{pin: pin, invert: pe.InvertOutputs}
		if err := line.Set(false); err != nil {
			return err
		}
		pe.outputs[id] = line
		pe.order[1] = append(pe.order[1], id)
	}

	pe.isReady = true
	return nil
}

func (pe *PeriphIO) String() string {
	return periphDriverName
}

func (pe *PeriphIO) IsReady() bool {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	return pe.isReady
}

func (pe *PeriphIO) Close() error {
	pe.mu.Lock()
	defer pe.mu.Unlock()

	pe.isReady = false
	return nil
}

func (pe *PeriphIO) GetInput(id uint16) (DigitalInput, error) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	in, found := pe.inputs[id]
	if !found {
		return nil, errors.Errorf("periph input (id: %d) not found", id)
	}
	return in, nil
}

func (pe *PeriphIO) GetOutput(id uint16) (DigitalOutput, error) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	out, found := pe.outputs[id]
	if !found {
		return nil, errors.Errorf("periph output (id: %d) not found", id)
	}
	return out, nil
}

func (pe *PeriphIO) GetAllIo() (inputs []uint16, outputs []uint16) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	inputs = append(inputs, pe.order[0]...)
	outputs = append(outputs, pe.order[1]...)
	return
}
