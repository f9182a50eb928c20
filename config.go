package inspectio

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/hubertat/inspectio/drivers"
	"github.com/hubertat/inspectio/presets"
	"github.com/hubertat/inspectio/scanner"
)

const (
	defaultDatabase      = "./inspectio.db"
	defaultStandardURL   = "http://127.0.0.1:5000/predict"
	defaultThermalURL    = "http://127.0.0.1:5001/thermal/predict"
	defaultTokenURL      = "http://127.0.0.1:8090/token"
	defaultPulseDuration = 500 * time.Millisecond
	defaultMqttPrefix    = "inspectio"
)

// Duration reads "10ms" style strings from JSON and YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.Wrap(err, "duration must be a string like \"10ms\"")
	}
	return d.parse(s)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return errors.Wrap(err, "duration must be a string like \"10ms\"")
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "parse duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

// OutputRoles names which logical output carries each status line.
type OutputRoles struct {
	Ready    int `json:"ready" yaml:"ready"`
	Busy     int `json:"busy" yaml:"busy"`
	Complete int `json:"complete" yaml:"complete"`
	Pass     int `json:"pass" yaml:"pass"`
	Fail     int `json:"fail" yaml:"fail"`
}

// Idle is the output configuration between triggers: ready on, all else off.
func (or OutputRoles) Idle() map[int]bool {
	idle := make(map[int]bool, drivers.PinCount)
	for pin := 1; pin <= drivers.PinCount; pin++ {
		idle[pin] = pin == or.Ready
	}
	return idle
}

func (or OutputRoles) validate() error {
	seen := map[int]string{}
	roles := []struct {
		name string
		pin  int
	}{
		{"ready", or.Ready}, {"busy", or.Busy}, {"complete", or.Complete}, {"pass", or.Pass}, {"fail", or.Fail},
	}
	for _, role := range roles {
		if role.pin < 1 || role.pin > drivers.PinCount {
			return errors.Errorf("output role %s on pin %d, want 1..%d", role.name, role.pin, drivers.PinCount)
		}
		if other, taken := seen[role.pin]; taken {
			return errors.Errorf("output roles %s and %s share pin %d", other, role.name, role.pin)
		}
		seen[role.pin] = role.name
	}
	return nil
}

var defaultRoles = OutputRoles{Ready: 1, Busy: 2, Complete: 3, Pass: 4, Fail: 5}

type InferenceConfig struct {
	StandardURL string   `json:"standardUrl" yaml:"standardUrl"`
	ThermalURL  string   `json:"thermalUrl" yaml:"thermalUrl"`
	TokenURL    string   `json:"tokenUrl" yaml:"tokenUrl"`
	Token       string   `json:"token" yaml:"token"`
	Timeout     Duration `json:"timeout" yaml:"timeout"`
}

// LoadDaemon reads the config file, JSON unless it ends in .yaml or .yml.
func LoadDaemon(path string) (*Daemon, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}

	d := &Daemon{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, d)
	default:
		err = json.Unmarshal(raw, d)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decode config %s", path)
	}
	return d, nil
}

// ApplyEnv loads envFile when present and lets INSPECTIO_* variables
// override secrets and endpoints.
func (d *Daemon) ApplyEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "load env file %s", envFile)
		}
	}

	overrides := []struct {
		key    string
		target *string
	}{
		{"INSPECTIO_LOG_LEVEL", &d.LogLevel},
		{"INSPECTIO_DATABASE", &d.Database},
		{"INSPECTIO_INFERENCE_TOKEN", &d.Inference.Token},
		{"INSPECTIO_TOKEN_URL", &d.Inference.TokenURL},
		{"INSPECTIO_STANDARD_URL", &d.Inference.StandardURL},
		{"INSPECTIO_THERMAL_URL", &d.Inference.ThermalURL},
		{"INSPECTIO_DASHBOARD_URL", &d.DashboardURL},
		{"INSPECTIO_HTTP_TOKEN", &d.HttpToken},
		{"INSPECTIO_MQTT_BROKER", &d.MqttBroker},
		{"INSPECTIO_HK_PIN", &d.HkPin},
	}
	for _, o := range overrides {
		if value := os.Getenv(o.key); value != "" {
			*o.target = value
		}
	}
	if value := os.Getenv("INSPECTIO_INFLUX_TOKEN"); value != "" && d.Influx != nil {
		d.Influx.Token = value
	}
	return nil
}

// Validate fills defaults and rejects configurations the daemon cannot run.
func (d *Daemon) Validate() error {
	if d.Name == "" {
		d.Name = "inspectio"
	}
	if d.Database == "" {
		d.Database = defaultDatabase
	}
	if d.Roles == (OutputRoles{}) {
		d.Roles = defaultRoles
	}
	if err := d.Roles.validate(); err != nil {
		return err
	}

	if d.PollInterval == 0 {
		d.PollInterval = Duration(scanner.DefaultInterval)
	}
	if d.PollInterval.Std() < scanner.MinInterval || d.PollInterval.Std() > scanner.MaxInterval {
		return errors.Errorf("poll interval %s outside %s..%s", d.PollInterval.Std(), scanner.MinInterval, scanner.MaxInterval)
	}
	if d.CompleteDwell == 0 {
		d.CompleteDwell = Duration(scanner.DefaultCompleteDwell)
	}
	if d.PulseDuration == 0 {
		d.PulseDuration = Duration(defaultPulseDuration)
	}

	if d.Inference.StandardURL == "" {
		d.Inference.StandardURL = defaultStandardURL
	}
	if d.Inference.ThermalURL == "" {
		d.Inference.ThermalURL = defaultThermalURL
	}
	if d.Inference.TokenURL == "" && d.Inference.Token == "" {
		d.Inference.TokenURL = defaultTokenURL
	}
	if d.MqttPrefix == "" {
		d.MqttPrefix = defaultMqttPrefix
	}

	if len(d.InputPins) != drivers.PinCount || len(d.OutputPins) != drivers.PinCount {
		return errors.Errorf("need %d input and %d output pins, got %d and %d", drivers.PinCount, drivers.PinCount, len(d.InputPins), len(d.OutputPins))
	}
	if len(d.HkPin) > 0 && len(d.HkPin) != 8 {
		return errors.New("HomeKit pin must have 8 digits")
	}

	for _, p := range d.Presets {
		if err := p.Validate(); err != nil {
			return errors.Wrap(err, "config preset")
		}
	}
	return nil
}

// responseFilter splits the configured flags into body fields and the
// packetHeader switch.
func (d *Daemon) responseFilter() presets.ResponseFilter {
	rf := presets.ResponseFilter{Fields: make(map[string]bool, len(d.ResponseFilter))}
	for field, on := range d.ResponseFilter {
		if field == presets.PacketHeaderField {
			rf.PacketHeader = on
			continue
		}
		rf.Fields[field] = on
	}
	return rf
}
