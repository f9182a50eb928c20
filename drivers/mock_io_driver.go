package drivers

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
)

const mockDriverName = "mock_driver"

type MockOutput struct {
	state  bool
	pin    uint16
	writes int
	driver *MockIoDriver
}

func (mo *MockOutput) GetState() (bool, error) {
	mo.driver.lock.Lock()
	defer mo.driver.lock.Unlock()
	return mo.state, nil
}

func (mo *MockOutput) Set(state bool) error {
	mo.driver.lock.Lock()
	defer mo.driver.lock.Unlock()

	if mo.driver.FailWrites {
		return errors.Errorf("mock output %d write failure", mo.pin)
	}
	if mo.driver.writeTo != nil && state != mo.state {
		fmt.Fprintf(mo.driver.writeTo, "[pin %d] state changed to %v\n", mo.pin, state)
	}
	mo.state = state
	mo.writes++
	return nil
}

// Writes counts every Set call, including ones that did not change the state.
func (mo *MockOutput) Writes() int {
	mo.driver.lock.Lock()
	defer mo.driver.lock.Unlock()
	return mo.writes
}

type MockInput struct {
	State  bool
	pin    uint16
	driver *MockIoDriver
}

func (mi *MockInput) GetState() (bool, error) {
	mi.driver.lock.Lock()
	defer mi.driver.lock.Unlock()

	if mi.driver.FailReads {
		return false, errors.Errorf("mock input %d read failure", mi.pin)
	}
	return mi.State, nil
}

// MockIoDriver keeps pin states in memory. Inputs start high, like a pulled-up
// line with nothing pressing it.
type MockIoDriver struct {
	FailReads  bool
	FailWrites bool

	inputs  []*MockInput
	outputs []*MockOutput
	ready   bool
	writeTo io.Writer
	lock    sync.Mutex
}

func (md *MockIoDriver) Setup(ctx context.Context, inputs []uint16, outputs []uint16) error {
	md.lock.Lock()
	defer md.lock.Unlock()

	for _, inPin := range inputs {
		md.inputs = append(md.inputs, &MockInput{pin: inPin, State: true, driver: md})
	}
	for _, outPin := range outputs {
		md.outputs = append(md.outputs, &MockOutput{pin: outPin, driver: md})
	}
	md.ready = true
	return nil
}

func (md *MockIoDriver) Close() error {
	md.lock.Lock()
	defer md.lock.Unlock()
	md.ready = false
	return nil
}

func (md *MockIoDriver) String() string {
	return mockDriverName
}

func (md *MockIoDriver) IsReady() bool {
	md.lock.Lock()
	defer md.lock.Unlock()
	return md.ready
}

func (md *MockIoDriver) GetInput(pin uint16) (DigitalInput, error) {
	md.lock.Lock()
	defer md.lock.Unlock()
	for _, input := range md.inputs {
		if pin == input.pin {
			return input, nil
		}
	}
	return nil, fmt.Errorf("mock input %d not found", pin)
}

func (md *MockIoDriver) GetOutput(pin uint16) (DigitalOutput, error) {
	md.lock.Lock()
	defer md.lock.Unlock()
	for _, output := range md.outputs {
		if pin == output.pin {
			return output, nil
		}
	}
	return nil, fmt.Errorf("mock output %d not found", pin)
}

func (md *MockIoDriver) GetAllIo() (inputs []uint16, outputs []uint16) {
	md.lock.Lock()
	defer md.lock.Unlock()
	for _, input := range md.inputs {
		inputs = append(inputs, input.pin)
	}
	for _, output := range md.outputs {
		outputs = append(outputs, output.pin)
	}
	return
}

// SetInput forces the level seen on an input pin.
func (md *MockIoDriver) SetInput(pin uint16, level Level) error {
	md.lock.Lock()
	defer md.lock.Unlock()
	for _, input := range md.inputs {
		if pin == input.pin {
			input.State = level == High
			return nil
		}
	}
	return fmt.Errorf("mock input %d not found", pin)
}

// SetFailures flips the failure switches while other goroutines use the driver.
func (md *MockIoDriver) SetFailures(reads, writes bool) {
	md.lock.Lock()
	defer md.lock.Unlock()
	md.FailReads = reads
	md.FailWrites = writes
}

func (md *MockIoDriver) MonitorStateChanges(writer io.Writer) {
	md.lock.Lock()
	defer md.lock.Unlock()
	md.writeTo = writer
}
