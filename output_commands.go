package inspectio

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/hubertat/inspectio/drivers"
	"github.com/hubertat/inspectio/pinstate"
)

const commandTimeout = 3 * time.Second

type outputApplier interface {
	ApplyOutputs(ctx context.Context, outputs map[int]bool) error
}

// outputCommands applies MQTT messages like {"7": true} or {"GPO7": true}
// through the same merge path as every other writer.
type outputCommands struct {
	topic  string
	pins   outputApplier
	logger *log.Logger
}

func (oc *outputCommands) MqttSubscribeTopic() string {
	return oc.topic
}

func (oc *outputCommands) MqttHandle(topic string, payload []byte) {
	outputs, err := parseOutputCommand(payload)
	if err != nil {
		oc.logger.Warn("rejected output command", "topic", topic, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := oc.pins.ApplyOutputs(ctx, outputs); err != nil {
		oc.logger.Error("output command failed", "outputs", outputs, "err", err)
		return
	}
	oc.logger.Info("output command applied", "outputs", outputs)
}

func parseOutputCommand(payload []byte) (map[int]bool, error) {
	var raw map[string]bool
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, errors.Errorf("decode output command: %v", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("empty output command")
	}

	outputs := make(map[int]bool, len(raw))
	for key, on := range raw {
		pin, ok := pinstate.ParseOutputField(key)
		if !ok {
			n, err := strconv.Atoi(key)
			if err != nil || n < 1 || n > drivers.PinCount {
				return nil, errors.Errorf("unknown output %q", key)
			}
			pin = n
		}
		outputs[pin] = on
	}
	return outputs, nil
}
