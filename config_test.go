package inspectio

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubertat/inspectio/presets"
	"github.com/hubertat/inspectio/scanner"
)

var (
	testInputs  = []uint16{21, 22, 23, 24, 25, 26, 27, 28}
	testOutputs = []uint16{11, 12, 13, 14, 15, 16, 17, 18}
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDaemonJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"name": "station-3",
		"fakeDriver": {},
		"inputPins": [21, 22, 23, 24, 25, 26, 27, 28],
		"outputPins": [11, 12, 13, 14, 15, 16, 17, 18],
		"roles": {"ready": 8, "busy": 7, "complete": 6, "pass": 5, "fail": 4},
		"pollInterval": "15ms",
		"inference": {"standardUrl": "http://vision:5000/predict", "token": "abc", "timeout": "1500ms"},
		"presets": [{"triggerKey": "GPI2", "cameraId": "cam-2", "presetId": "p1", "targetService": "thermal"}],
		"responseFilter": {"confidence": true, "packetHeader": true}
	}`)

	d, err := LoadDaemon(path)
	require.NoError(t, err)
	require.NoError(t, d.Validate())

	assert.Equal(t, "station-3", d.Name)
	assert.NotNil(t, d.FakeDriver)
	assert.Equal(t, testOutputs, d.OutputPins)
	assert.Equal(t, OutputRoles{Ready: 8, Busy: 7, Complete: 6, Pass: 5, Fail: 4}, d.Roles)
	assert.Equal(t, 15*time.Millisecond, d.PollInterval.Std())
	assert.Equal(t, 1500*time.Millisecond, d.Inference.Timeout.Std())
	assert.Equal(t, "abc", d.Inference.Token)
	assert.Empty(t, d.Inference.TokenURL)
	require.Len(t, d.Presets, 1)
	assert.Equal(t, presets.ServiceThermal, d.Presets[0].TargetService)

	rf := d.responseFilter()
	assert.True(t, rf.PacketHeader)
	assert.Equal(t, map[string]bool{"confidence": true}, rf.Fields)
}

func TestLoadDaemonYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
name: station-4
fakeDriver: {}
inputPins: [21, 22, 23, 24, 25, 26, 27, 28]
outputPins: [11, 12, 13, 14, 15, 16, 17, 18]
pollInterval: 5ms
completeDwell: 1s
influx:
  host: http://influx:8086
  bucket: inspect
presets:
  - triggerKey: inspect
    cameraId: cam-1
    presetId: p1
    targetService: standard
`)

	d, err := LoadDaemon(path)
	require.NoError(t, err)
	require.NoError(t, d.Validate())

	assert.Equal(t, "station-4", d.Name)
	assert.Equal(t, 5*time.Millisecond, d.PollInterval.Std())
	assert.Equal(t, time.Second, d.CompleteDwell.Std())
	require.NotNil(t, d.Influx)
	assert.Equal(t, "http://influx:8086", d.Influx.Host)
	assert.Equal(t, "inspect", d.Influx.Bucket)
	assert.Equal(t, "inspect", d.Presets[0].TriggerKey)
}

func TestLoadDaemonErrors(t *testing.T) {
	_, err := LoadDaemon(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = LoadDaemon(writeFile(t, "bad.json", `{"pollInterval": 10}`))
	assert.Error(t, err)

	_, err = LoadDaemon(writeFile(t, "bad.yml", "pollInterval: soon\n"))
	assert.Error(t, err)
}

func validDaemon() *Daemon {
	return &Daemon{InputPins: testInputs, OutputPins: testOutputs}
}

func TestValidateDefaults(t *testing.T) {
	d := validDaemon()
	require.NoError(t, d.Validate())

	assert.Equal(t, "inspectio", d.Name)
	assert.Equal(t, defaultRoles, d.Roles)
	assert.Equal(t, scanner.DefaultInterval, d.PollInterval.Std())
	assert.Equal(t, scanner.DefaultCompleteDwell, d.CompleteDwell.Std())
	assert.Equal(t, defaultPulseDuration, d.PulseDuration.Std())
	assert.Equal(t, defaultTokenURL, d.Inference.TokenURL)
	assert.Equal(t, defaultMqttPrefix, d.MqttPrefix)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(d *Daemon){
		"poll too fast":   func(d *Daemon) { d.PollInterval = Duration(time.Millisecond) },
		"poll too slow":   func(d *Daemon) { d.PollInterval = Duration(50 * time.Millisecond) },
		"shared role pin": func(d *Daemon) { d.Roles = OutputRoles{Ready: 1, Busy: 1, Complete: 3, Pass: 4, Fail: 5} },
		"role pin 9":      func(d *Daemon) { d.Roles = OutputRoles{Ready: 9, Busy: 2, Complete: 3, Pass: 4, Fail: 5} },
		"seven inputs":    func(d *Daemon) { d.InputPins = testInputs[:7] },
		"short hk pin":    func(d *Daemon) { d.HkPin = "1234" },
		"bad preset":      func(d *Daemon) { d.Presets = []presets.Preset{{TriggerKey: "x", CameraID: "c", TargetService: "standard"}} },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			d := validDaemon()
			mutate(d)
			assert.Error(t, d.Validate())
		})
	}
}

func TestIdleRoles(t *testing.T) {
	idle := OutputRoles{Ready: 3, Busy: 1, Complete: 2, Pass: 4, Fail: 5}.Idle()
	assert.Len(t, idle, 8)
	for pin, on := range idle {
		assert.Equal(t, pin == 3, on, "pin %d", pin)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("INSPECTIO_INFERENCE_TOKEN", "from-env")
	t.Setenv("INSPECTIO_INFLUX_TOKEN", "influx-env")
	// registered for cleanup, then unset so the env file can provide it
	t.Setenv("INSPECTIO_HTTP_TOKEN", "")
	require.NoError(t, os.Unsetenv("INSPECTIO_HTTP_TOKEN"))

	envFile := writeFile(t, ".env", "INSPECTIO_HTTP_TOKEN=from-file\n")

	d := validDaemon()
	d.Inference.Token = "from-config"
	d.HttpToken = "from-config"
	require.NoError(t, d.ApplyEnv(envFile))

	assert.Equal(t, "from-env", d.Inference.Token)
	assert.Equal(t, "from-file", d.HttpToken)
	assert.Nil(t, d.Influx)
}

func TestApplyEnvMissingFile(t *testing.T) {
	d := validDaemon()
	assert.NoError(t, d.ApplyEnv(filepath.Join(t.TempDir(), ".env")))
	assert.NoError(t, d.ApplyEnv(""))
}
