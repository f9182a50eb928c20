package pinstate

import (
	"context"
	"sync"
)

// MemoryStore is a Store without persistence, used by the mock instance.
type MemoryStore struct {
	mu    sync.RWMutex
	state PinState
	fail  error
}

func NewMemoryStore(idle map[int]bool) *MemoryStore {
	ms := &MemoryStore{state: emptyState()}
	for pin, on := range idle {
		if validPin(pin) {
			ms.state.Outputs[pin] = on
		}
	}
	return ms
}

func (ms *MemoryStore) MergeOutputs(ctx context.Context, partial map[int]bool) error {
	return ms.merge(ms.state.Outputs, partial)
}

func (ms *MemoryStore) MergeInputs(ctx context.Context, partial map[int]bool) error {
	return ms.merge(ms.state.Inputs, partial)
}

func (ms *MemoryStore) merge(target map[int]bool, partial map[int]bool) error {
	if err := checkPins(partial); err != nil {
		return err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.fail != nil {
		return ms.fail
	}
	for pin, on := range partial {
		target[pin] = on
	}
	return nil
}

// FailMerges makes every following merge return err, nil restores normal operation.
func (ms *MemoryStore) FailMerges(err error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.fail = err
}

func (ms *MemoryStore) Snapshot(ctx context.Context) (PinState, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	ps := PinState{
		Outputs: make(map[int]bool, len(ms.state.Outputs)),
		Inputs:  make(map[int]bool, len(ms.state.Inputs)),
	}
	for pin, on := range ms.state.Outputs {
		ps.Outputs[pin] = on
	}
	for pin, on := range ms.state.Inputs {
		ps.Inputs[pin] = on
	}
	return ps, nil
}
