package drivers

import (
	"context"
	"errors"
	"testing"
)

func TestGetIoDriverByName(t *testing.T) {
	mapped := MapAllIoDrivers()

	for _, name := range []string{"gpio", "mcpio", "periph", "mock_driver"} {
		t.Run(name, func(t *testing.T) {
			driver, found := mapped[name]
			if !found {
				t.Fatalf("driver %s not mapped", name)
			}
			if driver.String() != name {
				t.Errorf("got %s want %s", driver.String(), name)
			}
		})
	}
}

func newMockPort(t *testing.T) (*MockIoDriver, *Port) {
	t.Helper()

	md := &MockIoDriver{}
	ins := []uint16{21, 22, 23, 24, 25, 26, 27, 28}
	outs := []uint16{11, 12, 13, 14, 15, 16, 17, 18}
	md.Setup(context.Background(), ins, outs)

	port, err := NewPort(md, ins, outs)
	if err != nil {
		t.Fatalf("NewPort returned err: %v", err)
	}
	return md, port
}

func TestNewPort(t *testing.T) {
	t.Run("driver not ready", func(t *testing.T) {
		_, err := NewPort(&MockIoDriver{}, make([]uint16, PinCount), make([]uint16, PinCount))
		if err == nil {
			t.Error("expected error for driver not set up")
		}
	})

	t.Run("wrong pin count", func(t *testing.T) {
		md := &MockIoDriver{}
		md.Setup(context.Background(), []uint16{1}, []uint16{2})
		_, err := NewPort(md, []uint16{1}, []uint16{2})
		if err == nil {
			t.Error("expected error for short pin list")
		}
	})

	t.Run("missing driver pin", func(t *testing.T) {
		md := &MockIoDriver{}
		md.Setup(context.Background(), []uint16{1, 2, 3, 4, 5, 6, 7}, []uint16{11, 12, 13, 14, 15, 16, 17, 18})
		_, err := NewPort(md, []uint16{1, 2, 3, 4, 5, 6, 7, 8}, []uint16{11, 12, 13, 14, 15, 16, 17, 18})
		if err == nil {
			t.Error("expected error for input 8 missing on driver")
		}
	})
}

func TestPortReadInput(t *testing.T) {
	md, port := newMockPort(t)

	level, err := port.ReadInput(3)
	if err != nil {
		t.Fatalf("ReadInput returned err: %v", err)
	}
	if level != High {
		t.Errorf("got %v want idle high", level)
	}

	md.SetInput(23, Low)
	level, _ = port.ReadInput(3)
	if level != Low {
		t.Errorf("got %v want low", level)
	}

	if _, err := port.ReadInput(9); !errors.Is(err, ErrHardwareIO) {
		t.Errorf("got %v want ErrHardwareIO", err)
	}

	md.FailReads = true
	if _, err := port.ReadInput(1); !errors.Is(err, ErrHardwareIO) {
		t.Errorf("got %v want ErrHardwareIO", err)
	}
}

func TestPortSetOutput(t *testing.T) {
	md, port := newMockPort(t)

	if err := port.SetOutput(7, true); err != nil {
		t.Fatalf("SetOutput returned err: %v", err)
	}
	out, _ := md.GetOutput(17)
	state, _ := out.GetState()
	assertBools(t, state, true)

	if err := port.SetOutput(0, true); !errors.Is(err, ErrHardwareIO) {
		t.Errorf("got %v want ErrHardwareIO", err)
	}

	md.FailWrites = true
	if err := port.SetOutput(1, true); !errors.Is(err, ErrHardwareIO) {
		t.Errorf("got %v want ErrHardwareIO", err)
	}
}
