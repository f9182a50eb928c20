package drivers

import (
	"context"

	"github.com/pkg/errors"
	"github.com/stianeikeland/go-rpio/v4"
)

const gpioDriverName = "gpio"

// GpIO drives the Raspberry Pi header through /dev/gpiomem, pins are BCM numbers.
type GpIO struct {
	InvertInputs  bool
	InvertOutputs bool
	// PullDown biases inputs low instead of high, for trigger lines wired active-high.
	PullDown bool

	inputs  map[uint16]*gpioLine
	outputs map[uint16]*gpioLine
	order   [2][]uint16

	isReady bool
}

type gpioLine struct {
	pin    rpio.Pin
	invert bool
}

func (gl *gpioLine) GetState() (bool, error) {
	high := gl.pin.Read() == rpio.High
	return high != gl.invert, nil
}

func (gl *gpioLine) Set(state bool) error {
	if state != gl.invert {
		gl.pin.High()
	} else {
		gl.pin.Low()
	}
	return nil
}

func (gp *GpIO) Setup(ctx context.Context, inputs []uint16, outputs []uint16) error {
	err := rpio.Open()
	if err != nil {
		return errors.Wrapf(err, "failed to Setup gpio driver for pins: %v, %v; ", inputs, outputs)
	}

	gp.inputs = make(map[uint16]*gpioLine)
	gp.outputs = make(map[uint16]*gpioLine)
	gp.order = [2][]uint16{}

	for _, inPin := range inputs {
		if inPin > 255 {
			return errors.Errorf("inpin %d out of range (gpio takes uint8 pin)", inPin)
		}
		pin := rpio.Pin(inPin)
		pin.Input()
		if gp.PullDown {
			pin.PullDown()
		} else {
			pin.PullUp()
		}
		gp.inputs[inPin] = &gpioLine{pin: pin, invert: gp.InvertInputs}
		gp.order[0] = append(gp.order[0], inPin)
	}

	for _, outPin := range outputs {
		if outPin > 255 {
			return errors.Errorf("outpin %d out of range (gpio takes uint8 pin)", outPin)
		}
		if _, taken := gp.inputs[outPin]; taken {
			return errors.Errorf("pin %d configured both as input and output", outPin)
		}
		pin := rpio.Pin(outPin)
		pin.Output()
		gp.outputs[outPin] = &gpioLine{pin: pin, invert: gp.InvertOutputs}
		gp.order[1] = append(gp.order[1], outPin)
	}

	gp.isReady = true
	return nil
}

func (gp *GpIO) String() string {
	return gpioDriverName
}

func (gp *GpIO) IsReady() bool {
	return gp.isReady
}

// Close releases the header and leaves every output at its last written level.
func (gp *GpIO) Close() error {
	if !gp.isReady {
		return nil
	}
	gp.isReady = false
	return rpio.Close()
}

func (gp *GpIO) GetInput(id uint16) (DigitalInput, error) {
	in, found := gp.inputs[id]
	if !found {
		return nil, errors.Errorf("GpIO Input (id: %d) not found", id)
	}
	return in, nil
}

func (gp *GpIO) GetOutput(id uint16) (DigitalOutput, error) {
	out, found := gp.outputs[id]
	if !found {
		return nil, errors.Errorf("GpIO Output (id: %d) not found", id)
	}
	return out, nil
}

func (gp *GpIO) GetAllIo() (inputs []uint16, outputs []uint16) {
	inputs = append(inputs, gp.order[0]...)
	outputs = append(outputs, gp.order[1]...)
	return
}
