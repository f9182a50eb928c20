package drivers

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/racerxdl/go-mcp23017"
)

const mcpioDriverName = "mcpio"

// McpIO drives an MCP23017 i2c expander, pins are 0..15 (GPA0..GPB7).
type McpIO struct {
	BusNo         uint8
	DevNo         uint8
	InvertInputs  bool
	InvertOutputs bool

	device *mcp23017.Device
	// the expander is one i2c device, scanner and socket sessions share it
	bus sync.Mutex

	inputs  []*mcpLine
	outputs []*mcpLine
	isReady bool
}

type mcpLine struct {
	pin    uint8
	invert bool
	mcp    *McpIO
}

func (ml *mcpLine) GetState() (bool, error) {
	ml.mcp.bus.Lock()
	defer ml.mcp.bus.Unlock()

	rawState, err := ml.mcp.device.DigitalRead(ml.pin)
	if err != nil {
		return false, errors.Wrapf(err, "mcp23017 read pin %d", ml.pin)
	}
	return bool(rawState) != ml.invert, nil
}

func (ml *mcpLine) Set(state bool) error {
	ml.mcp.bus.Lock()
	defer ml.mcp.bus.Unlock()

	err := ml.mcp.device.DigitalWrite(ml.pin, mcp23017.PinLevel(state != ml.invert))
	return errors.Wrapf(err, "mcp23017 write pin %d", ml.pin)
}

func (mcp *McpIO) String() string {
	return mcpioDriverName
}

func (mcp *McpIO) IsReady() bool {
	return mcp.isReady
}

func (mcp *McpIO) Setup(ctx context.Context, inputs []uint16, outputs []uint16) (err error) {
	mcp.device, err = mcp23017.Open(mcp.BusNo, mcp.DevNo)
	if err != nil {
		return errors.Wrapf(err, "failed to open mcp23017 on bus %d dev %d", mcp.BusNo, mcp.DevNo)
	}

	for _, inputPin := range inputs {
		if inputPin > 15 {
			return errors.Errorf("input pin %d out of range (mcpio has 16 pins)", inputPin)
		}
		err = mcp.device.PinMode(uint8(inputPin), mcp23017.INPUT)
		if err != nil {
			return errors.Wrapf(err, "input pin %d mode", inputPin)
		}
		err = mcp.device.SetPullUp(uint8(inputPin), true)
		if err != nil {
			return errors.Wrapf(err, "input pin %d pull-up", inputPin)
		}
		mcp.inputs = append(mcp.inputs, &mcpLine{pin: uint8(inputPin), invert: mcp.InvertInputs, mcp: mcp})
	}

	for _, outputPin := range outputs {
		if outputPin > 15 {
			return errors.Errorf("output pin %d out of range (mcpio has 16 pins)", outputPin)
		}
		err = mcp.device.PinMode(uint8(outputPin), mcp23017.OUTPUT)
		if err != nil {
			return errors.Wrapf(err, "output pin %d mode", outputPin)
		}
		mcp.outputs = append(mcp.outputs, &mcpLine{pin: uint8(outputPin), invert: mcp.InvertOutputs, mcp: mcp})
	}

	mcp.isReady = true
	return nil
}

func (mcp *McpIO) GetInput(id uint16) (DigitalInput, error) {
	for _, in := range mcp.inputs {
		if uint16(in.pin) == id {
			return in, nil
		}
	}
	return nil, errors.Errorf("mcpio input (id: %d) not found", id)
}

func (mcp *McpIO) GetOutput(id uint16) (DigitalOutput, error) {
	for _, out := range mcp.outputs {
		if uint16(out.pin) == id {
			return out, nil
		}
	}
	return nil, errors.Errorf("mcpio output (id: %d) not found", id)
}

// Close leaves the expander latches as they were last written.
func (mcp *McpIO) Close() error {
	if !mcp.isReady {
		return nil
	}
	mcp.isReady = false
	return mcp.device.Close()
}

func (mcp *McpIO) GetAllIo() (inputs []uint16, outputs []uint16) {
	for _, input := range mcp.inputs {
		inputs = append(inputs, uint16(input.pin))
	}

	for _, output := range mcp.outputs {
		outputs = append(outputs, uint16(output.pin))
	}

	return
}
