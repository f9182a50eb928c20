package inspectio

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubertat/inspectio/drivers"
)

type recordingApplier struct {
	mu      sync.Mutex
	applied []map[int]bool
	err     error
}

func (ra *recordingApplier) ApplyOutputs(ctx context.Context, outputs map[int]bool) error {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	ra.applied = append(ra.applied, outputs)
	return ra.err
}

func TestParseOutputCommand(t *testing.T) {
	outputs, err := parseOutputCommand([]byte(`{"7": true, "GPO2": false}`))
	require.NoError(t, err)
	assert.Equal(t, map[int]bool{7: true, 2: false}, outputs)

	for _, bad := range []string{`{}`, `nope`, `{"9": true}`, `{"GPI1": true}`, `{"7": "on"}`} {
		_, err := parseOutputCommand([]byte(bad))
		assert.Error(t, err, bad)
	}
}

func TestOutputCommandsHandle(t *testing.T) {
	ra := &recordingApplier{}
	oc := &outputCommands{topic: "inspectio/output/set", pins: ra, logger: log.New(os.Stderr)}

	assert.Equal(t, "inspectio/output/set", oc.MqttSubscribeTopic())

	oc.MqttHandle(oc.topic, []byte(`{"3": true}`))
	oc.MqttHandle(oc.topic, []byte(`garbage`))
	ra.err = errors.Wrap(drivers.ErrHardwareIO, "bus down")
	oc.MqttHandle(oc.topic, []byte(`{"4": true}`))

	assert.Equal(t, []map[int]bool{{3: true}, {4: true}}, ra.applied)
}
