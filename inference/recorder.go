package inference

import (
	"time"

	"github.com/hubertat/inspectio/presets"
)

// Record is one finished trigger, successful or not.
type Record struct {
	TriggerID string
	Preset    presets.Preset
	Caller    Caller
	PassFail  Verdict
	Duration  time.Duration
	Err       error
}

// Recorder receives every trigger outcome. Implementations must not block.
type Recorder interface {
	Record(Record)
}

type nopRecorder struct{}

func (nopRecorder) Record(Record) {}

// Recorders fans one record out to several recorders.
type Recorders []Recorder

func (rs Recorders) Record(r Record) {
	for _, rec := range rs {
		rec.Record(r)
	}
}
