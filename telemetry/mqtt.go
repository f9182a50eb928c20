package telemetry

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hubertat/inspectio/inference"
	"github.com/hubertat/inspectio/mqtt"
)

type verdictMessage struct {
	TriggerID  string  `json:"triggerId"`
	TriggerKey string  `json:"triggerKey"`
	PresetID   string  `json:"presetId"`
	CameraID   string  `json:"cameraId"`
	Source     string  `json:"source"`
	PassFail   string  `json:"passFail"`
	DurationMs float64 `json:"durationMs"`
	Error      string  `json:"error,omitempty"`
}

// MqttRecorder publishes every trigger outcome on one topic. Publishing runs
// in its own goroutine so Record returns at once.
type MqttRecorder struct {
	publisher mqtt.Publisher
	topic     string
	logger    *log.Logger
}

func NewMqttRecorder(publisher mqtt.Publisher, topic string) *MqttRecorder {
	return &MqttRecorder{
		publisher: publisher,
		topic:     topic,
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "verdicts: ",
			Level:  log.GetLevel(),
		}),
	}
}

func (mr *MqttRecorder) Record(r inference.Record) {
	msg := verdictMessage{
		TriggerID:  r.TriggerID,
		TriggerKey: r.Preset.TriggerKey,
		PresetID:   r.Preset.PresetID,
		CameraID:   r.Preset.CameraID,
		Source:     r.Caller.Source,
		PassFail:   string(r.PassFail),
		DurationMs: float64(r.Duration) / float64(time.Millisecond),
	}
	if r.Err != nil {
		msg.Error = r.Err.Error()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		mr.logger.Error("encode verdict", "err", err)
		return
	}

	go func() {
		if err := mr.publisher.Publish(context.Background(), mr.topic, payload); err != nil {
			mr.logger.Warn("publish verdict", "trigger", r.TriggerID, "err", err)
		}
	}()
}
