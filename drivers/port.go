package drivers

import (
	"github.com/pkg/errors"
)

// PinCount is the number of logical input and output pins on the appliance.
const PinCount = 8

// Port maps the logical pins 1..PinCount onto the pins of a single IoDriver.
type Port struct {
	driver  IoDriver
	inputs  []DigitalInput
	outputs []DigitalOutput
}

// NewPort resolves every logical pin against a driver that is already set up.
// inputs[i] and outputs[i] are the driver pins behind logical pin i+1.
func NewPort(driver IoDriver, inputs []uint16, outputs []uint16) (*Port, error) {
	if driver == nil || !driver.IsReady() {
		return nil, errors.New("port needs a ready io driver")
	}
	if len(inputs) != PinCount || len(outputs) != PinCount {
		return nil, errors.Errorf("port needs %d inputs and %d outputs, got %d and %d", PinCount, PinCount, len(inputs), len(outputs))
	}

	port := &Port{driver: driver}
	for _, pin := range inputs {
		in, err := driver.GetInput(pin)
		if err != nil {
			return nil, errors.Wrapf(err, "input %d not available on %s", pin, driver)
		}
		port.inputs = append(port.inputs, in)
	}
	for _, pin := range outputs {
		out, err := driver.GetOutput(pin)
		if err != nil {
			return nil, errors.Wrapf(err, "output %d not available on %s", pin, driver)
		}
		port.outputs = append(port.outputs, out)
	}

	return port, nil
}

func (p *Port) String() string {
	return p.driver.String()
}

// ReadInput returns the level of logical input pin 1..PinCount.
func (p *Port) ReadInput(pin int) (Level, error) {
	if pin < 1 || pin > len(p.inputs) {
		return Low, errors.Wrapf(ErrHardwareIO, "input pin %d out of range", pin)
	}
	state, err := p.inputs[pin-1].GetState()
	if err != nil {
		return Low, errors.Wrapf(ErrHardwareIO, "reading input %d: %v", pin, err)
	}
	if state {
		return High, nil
	}
	return Low, nil
}

// SetOutput drives logical output pin 1..PinCount.
func (p *Port) SetOutput(pin int, on bool) error {
	if pin < 1 || pin > len(p.outputs) {
		return errors.Wrapf(ErrHardwareIO, "output pin %d out of range", pin)
	}
	err := p.outputs[pin-1].Set(on)
	if err != nil {
		return errors.Wrapf(ErrHardwareIO, "setting output %d to %v: %v", pin, on, err)
	}
	return nil
}
