// Package inspectio wires the appliance together: one IO driver behind eight
// logical inputs and outputs, the shared pin state record, the input scanner,
// the socket protocol server and the optional HTTP, HomeKit, MQTT and Influx
// surfaces.
package inspectio

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/hubertat/inspectio/dashboard"
	"github.com/hubertat/inspectio/drivers"
	"github.com/hubertat/inspectio/homekit"
	"github.com/hubertat/inspectio/httpapi"
	"github.com/hubertat/inspectio/inference"
	"github.com/hubertat/inspectio/mqtt"
	"github.com/hubertat/inspectio/pinstate"
	"github.com/hubertat/inspectio/presets"
	"github.com/hubertat/inspectio/protocol"
	"github.com/hubertat/inspectio/scanner"
	"github.com/hubertat/inspectio/storage"
	"github.com/hubertat/inspectio/telemetry"
)

const idleTimeout = 3 * time.Second

type Daemon struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"logLevel"`
	Database string `yaml:"database"`

	Gpio       *drivers.GpIO         `yaml:"gpio"`
	Mcp23017   *drivers.McpIO        `yaml:"mcp23017"`
	Periph     *drivers.PeriphIO     `yaml:"periph"`
	FakeDriver *drivers.MockIoDriver `yaml:"fakeDriver"`
	// DriverName picks a driver with default settings ("gpio", "mcpio",
	// "periph", "mock_driver") when none of the blocks above is set.
	DriverName string `yaml:"driverName"`

	// InputPins and OutputPins are the driver pins behind logical pins 1..8.
	InputPins  []uint16 `yaml:"inputPins"`
	OutputPins []uint16 `yaml:"outputPins"`

	Roles         OutputRoles `yaml:"roles"`
	PollInterval  Duration    `yaml:"pollInterval"`
	CompleteDwell Duration    `yaml:"completeDwell"`
	PulseDuration Duration    `yaml:"pulseDuration"`

	SocketAddr     string `yaml:"socketAddr"`
	MaxMessageSize int    `yaml:"maxMessageSize"`

	Inference    InferenceConfig `yaml:"inference"`
	DashboardURL string          `yaml:"dashboardUrl"`

	HttpAddr  string `yaml:"httpAddr"`
	HttpToken string `yaml:"httpToken"`

	HkPin       string `yaml:"hkPin"`
	HkDirectory string `yaml:"hkDirectory"`
	HkAddress   string `yaml:"hkAddress"`
	HkDebug     bool   `yaml:"hkDebug"`

	MqttBroker string `yaml:"mqttBroker"`
	MqttPrefix string `yaml:"mqttPrefix"`

	Influx *telemetry.InfluxConfig `yaml:"influx"`

	// Presets and ResponseFilter are written into the catalog at boot.
	Presets        []presets.Preset `yaml:"presets"`
	ResponseFilter map[string]bool  `yaml:"responseFilter"`

	driver     drivers.IoDriver
	port       *drivers.Port
	db         *sql.DB
	catalog    *presets.SQLCatalog
	controller *pinstate.Controller
	pipeline   *inference.Pipeline
	scanner    *scanner.Scanner
	notifier   *dashboard.Notifier
	socket     *protocol.Server
	listener   net.Listener
	http       *httpapi.Server
	bridge     *homekit.Bridge
	mqttClient *mqtt.Client
	influx     *telemetry.InfluxRecorder
	logger     *log.Logger
}

func (d *Daemon) getLogger() *log.Logger {
	if d.logger == nil {
		d.logger = log.NewWithOptions(os.Stderr, log.Options{
			Prefix:          "inspectio: ",
			Level:           log.GetLevel(),
			ReportTimestamp: true,
		})
	}
	return d.logger
}

// InitDrivers sets up the one configured IO driver and maps the logical pins on it.
func (d *Daemon) InitDrivers(ctx context.Context) error {
	configured := []drivers.IoDriver{}
	if d.Gpio != nil {
		configured = append(configured, d.Gpio)
	}
	if d.Mcp23017 != nil {
		configured = append(configured, d.Mcp23017)
	}
	if d.Periph != nil {
		configured = append(configured, d.Periph)
	}
	if d.FakeDriver != nil {
		configured = append(configured, d.FakeDriver)
	}

	if len(configured) == 0 && d.DriverName != "" {
		named, found := drivers.MapAllIoDrivers()[d.DriverName]
		if !found {
			return errors.Errorf("unknown io driver %q", d.DriverName)
		}
		configured = append(configured, named)
	}

	switch len(configured) {
	case 0:
		return errors.New("no io driver configured")
	case 1:
	default:
		return errors.Errorf("%d io drivers configured, the appliance drives exactly one", len(configured))
	}
	driver := configured[0]
	if d.DriverName != "" && driver.String() != d.DriverName {
		return errors.Errorf("driverName %q does not match the configured %s driver", d.DriverName, driver)
	}

	err := driver.Setup(ctx, d.InputPins, d.OutputPins)
	if err != nil {
		return errors.Wrapf(err, "failed to setup %s driver", driver)
	}
	d.driver = driver

	d.port, err = drivers.NewPort(driver, d.InputPins, d.OutputPins)
	return err
}

// Init brings up storage and every component. Nothing runs until Run.
func (d *Daemon) Init(ctx context.Context, firmware string) error {
	if d.driver == nil {
		if err := d.InitDrivers(ctx); err != nil {
			return err
		}
	}

	// migrations get the db handle, the migrators need none of their own
	idle := d.Roles.Idle()
	db, err := storage.Open(ctx, d.Database, pinstate.NewSQLStore(nil, idle), presets.NewSQLCatalog(nil))
	if err != nil {
		return err
	}
	d.db = db
	store := pinstate.NewSQLStore(db, idle)
	d.catalog = presets.NewSQLCatalog(db)

	if err := d.seedCatalog(ctx); err != nil {
		return err
	}

	d.controller = pinstate.NewController(d.port, store)
	if err := d.restoreOutputs(ctx); err != nil {
		return err
	}

	d.pipeline = inference.NewPipeline(inference.Config{
		StandardURL:   d.Inference.StandardURL,
		ThermalURL:    d.Inference.ThermalURL,
		Timeout:       d.Inference.Timeout.Std(),
		PulseDuration: d.PulseDuration.Std(),
		PassPin:       d.Roles.Pass,
		FailPin:       d.Roles.Fail,
	}, d.tokenSource(), d.controller)

	dashboardCfg := dashboard.Config{URL: d.DashboardURL}
	recorders := inference.Recorders{}
	if d.MqttBroker != "" {
		d.mqttClient, err = mqtt.NewClient(d.MqttBroker, d.Name, d.MqttPrefix)
		if err != nil {
			return err
		}
		dashboardCfg.MqttTopic = d.mqttClient.Topic("inputs")
		recorders = append(recorders, telemetry.NewMqttRecorder(d.mqttClient, d.mqttClient.Topic("verdict")))
	}
	d.notifier = dashboard.NewNotifier(dashboardCfg)
	if d.mqttClient != nil {
		d.notifier.SetPublisher(d.mqttClient)
	}

	d.scanner = scanner.New(scanner.Config{
		Interval:      d.PollInterval.Std(),
		CompleteDwell: d.CompleteDwell.Std(),
		Roles: scanner.Roles{
			Ready:    d.Roles.Ready,
			Busy:     d.Roles.Busy,
			Complete: d.Roles.Complete,
		},
	}, d.controller, d.catalog, d.pipeline, d.notifier)

	d.socket = protocol.NewServer(protocol.Config{
		Addr:           d.SocketAddr,
		MaxMessageSize: d.MaxMessageSize,
	}, d.controller, d.catalog, d.pipeline)

	addr := d.SocketAddr
	if addr == "" {
		addr = protocol.DefaultAddr
	}
	d.listener, err = net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}

	if d.HttpAddr != "" {
		d.http = httpapi.NewServer(d.HttpAddr, d.HttpToken, d.controller)
	}

	if len(d.HkPin) == 8 {
		d.bridge = homekit.NewBridge(homekit.Config{
			Name:      d.Name,
			Pin:       d.HkPin,
			Directory: d.HkDirectory,
			Address:   d.HkAddress,
			Debug:     d.HkDebug,
			Firmware:  firmware,
			Labels:    d.roleLabels(),
		}, d.controller)
	}

	if d.Influx != nil {
		influxCfg := *d.Influx
		if influxCfg.Device == "" {
			influxCfg.Device, _ = os.Hostname()
		}
		d.influx = telemetry.NewInfluxRecorder(influxCfg)
		recorders = append(recorders, d.influx)
	}
	d.pipeline.SetRecorder(recorders)

	return nil
}

func (d *Daemon) tokenSource() inference.TokenSource {
	if d.Inference.Token != "" {
		return inference.StaticTokenSource{"inference": d.Inference.Token}
	}
	return inference.NewHTTPTokenSource(d.Inference.TokenURL)
}

func (d *Daemon) roleLabels() map[int]string {
	return map[int]string{
		d.Roles.Ready:    "ready",
		d.Roles.Busy:     "busy",
		d.Roles.Complete: "complete",
		d.Roles.Pass:     "pass",
		d.Roles.Fail:     "fail",
	}
}

func (d *Daemon) seedCatalog(ctx context.Context) error {
	for _, p := range d.Presets {
		if err := d.catalog.Put(ctx, p); err != nil {
			return err
		}
	}
	if len(d.ResponseFilter) > 0 {
		if err := d.catalog.SetResponseFilter(ctx, d.responseFilter()); err != nil {
			return err
		}
	}
	d.getLogger().Info("catalog seeded", "presets", len(d.Presets), "filter fields", len(d.ResponseFilter))
	return nil
}

// restoreOutputs drives the hardware to the stored outputs and clears input
// flags left over from an interrupted trigger.
func (d *Daemon) restoreOutputs(ctx context.Context) error {
	ps, err := d.controller.Snapshot(ctx)
	if err != nil {
		return err
	}
	if err := d.controller.ApplyOutputs(ctx, ps.Outputs); err != nil {
		return errors.Wrap(err, "restore stored outputs")
	}

	cleared := make(map[int]bool, drivers.PinCount)
	for pin := 1; pin <= drivers.PinCount; pin++ {
		cleared[pin] = false
	}
	return d.controller.Store().MergeInputs(ctx, cleared)
}

// Run serves every component until ctx is cancelled or one of them fails,
// then drives the outputs to idle.
func (d *Daemon) Run(ctx context.Context) error {
	if d.controller == nil {
		return errors.New("daemon not initialised")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type component struct {
		name string
		run  func(ctx context.Context) error
	}
	components := []component{
		{"scanner", d.scanner.Run},
		{"dashboard", d.notifier.Run},
		{"socket", func(ctx context.Context) error { return d.socket.Serve(ctx, d.listener) }},
	}
	if d.http != nil {
		components = append(components, component{"http", d.http.ListenAndServe})
	}
	if d.bridge != nil {
		components = append(components, component{"homekit", func(ctx context.Context) error {
			return d.bridge.Run(ctx, homekit.DefaultSyncInterval)
		}})
	}

	var wg sync.WaitGroup
	failures := make(chan error, len(components))
	for _, c := range components {
		wg.Add(1)
		go func(c component) {
			defer wg.Done()
			err := c.run(runCtx)
			if err != nil && runCtx.Err() == nil {
				failures <- errors.Wrapf(err, "%s stopped", c.name)
			}
		}(c)
	}

	if d.mqttClient != nil {
		go d.connectMqtt(runCtx)
	}

	d.getLogger().Info("running", "driver", d.driver, "components", len(components))

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-failures:
		d.getLogger().Error("component failed, shutting down", "err", runErr)
	}
	cancel()
	wg.Wait()

	if err := d.idle(); err != nil {
		d.getLogger().Error("failed to drive outputs idle", "err", err)
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

func (d *Daemon) connectMqtt(ctx context.Context) {
	commands := &outputCommands{topic: d.mqttClient.Topic("output", "set"), pins: d.controller, logger: d.getLogger()}
	if err := d.mqttClient.Connect(ctx, commands); err != nil {
		d.getLogger().Warn("mqtt broker not reached yet, retrying in background", "err", err)
	}
	<-ctx.Done()

	disconnectCtx, cancel := context.WithTimeout(context.Background(), idleTimeout)
	defer cancel()
	d.mqttClient.Disconnect(disconnectCtx)
}

func (d *Daemon) idle() error {
	ctx, cancel := context.WithTimeout(context.Background(), idleTimeout)
	defer cancel()
	return d.controller.ApplyOutputs(ctx, d.Roles.Idle())
}

// Close releases the driver, the database and the telemetry writer. Errors
// are collected, every resource is tried.
func (d *Daemon) Close() (err error) {
	if d.listener != nil {
		d.listener.Close()
	}
	if d.influx != nil {
		d.influx.Close()
	}
	if d.db != nil {
		if closeErr := d.db.Close(); closeErr != nil {
			err = errors.Wrap(closeErr, "close database")
		}
	}
	if d.driver != nil {
		if closeErr := d.driver.Close(); closeErr != nil {
			if err == nil {
				err = closeErr
			} else {
				err = errors.Wrap(err, closeErr.Error())
			}
		}
	}
	return
}

func (d *Daemon) PrintIoStatus(writer io.Writer) {
	fmt.Fprintln(writer)
	fmt.Fprintln(writer, "=== active io driver ===")
	if d.driver == nil {
		fmt.Fprintln(writer, "| none")
	} else {
		fmt.Fprintf(writer, "| driver: %s\n", d.driver)
		for pin := 1; pin <= drivers.PinCount && pin <= len(d.InputPins) && pin <= len(d.OutputPins); pin++ {
			fmt.Fprintf(writer, "| %s <- %d\t%s -> %d\n", pinstate.InputField(pin), d.InputPins[pin-1], pinstate.OutputField(pin), d.OutputPins[pin-1])
		}
	}
	fmt.Fprintln(writer, "| roles: ready", d.Roles.Ready, "busy", d.Roles.Busy, "complete", d.Roles.Complete, "pass", d.Roles.Pass, "fail", d.Roles.Fail)
	fmt.Fprintln(writer, "-----------------------------")
	fmt.Fprintln(writer)
}
