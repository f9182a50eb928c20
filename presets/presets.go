// Package presets reads the catalog mapping trigger keys to inference jobs and
// the response-field filter applied to socket replies.
package presets

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/hubertat/inspectio/pinstate"
)

type TargetService string

const (
	ServiceStandard TargetService = "standard"
	ServiceThermal  TargetService = "thermal"
)

func (ts TargetService) Valid() bool {
	return ts == ServiceStandard || ts == ServiceThermal
}

// PacketHeaderField is the reserved filter entry that switches the framing
// envelope on. It never names a body field.
const PacketHeaderField = "packetHeader"

type Preset struct {
	TriggerKey    string        `json:"triggerKey" yaml:"triggerKey"`
	CameraID      string        `json:"cameraId" yaml:"cameraId"`
	ModelName     string        `json:"modelName" yaml:"modelName"`
	ModelVersion  string        `json:"modelVersion" yaml:"modelVersion"`
	PresetID      string        `json:"presetId" yaml:"presetId"`
	TargetService TargetService `json:"targetService" yaml:"targetService"`
}

// IsInputTrigger reports whether the preset is fired by an input pin (GPI1..GPI8)
// rather than by a socket protocol command.
func (p Preset) IsInputTrigger() bool {
	_, ok := pinstate.ParseInputField(p.TriggerKey)
	return ok
}

func (p Preset) Validate() error {
	if strings.TrimSpace(p.TriggerKey) == "" {
		return errors.New("preset without trigger key")
	}
	if !p.IsInputTrigger() && len(p.TriggerKey) < 2 {
		return errors.Errorf("preset %q: command keys need at least 2 characters, single characters are pin numbers", p.TriggerKey)
	}
	if p.CameraID == "" {
		return errors.Errorf("preset %q without camera id", p.TriggerKey)
	}
	if !p.TargetService.Valid() {
		return errors.Errorf("preset %q: unknown target service %q", p.TriggerKey, p.TargetService)
	}
	return nil
}

// ResponseFilter selects which inference body fields reach socket clients.
type ResponseFilter struct {
	Fields       map[string]bool
	PacketHeader bool
}

// Apply keeps only the fields flagged true.
func (rf ResponseFilter) Apply(body map[string]any) map[string]any {
	filtered := make(map[string]any)
	for field, value := range body {
		if field == PacketHeaderField {
			continue
		}
		if rf.Fields[field] {
			filtered[field] = value
		}
	}
	return filtered
}

// Catalog is the read side the core needs; the administrative layer owns writes.
type Catalog interface {
	ByTriggerKey(ctx context.Context, key string) ([]Preset, error)
	Commands(ctx context.Context) (map[string]Preset, error)
	ResponseFilter(ctx context.Context) (ResponseFilter, error)
}
