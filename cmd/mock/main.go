package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hubertat/inspectio"
	"github.com/hubertat/inspectio/drivers"
	"github.com/hubertat/inspectio/presets"
)

var (
	Version string
	Build   string
)

// mock runs the whole daemon on the in-memory driver, for a laptop without
// GPIO. Outputs can be driven from the HTTP api, HomeKit or a socket client.
func main() {
	log.SetLevel(log.DebugLevel)
	log.Info("inspectio mock instance for testing purposes, should work on MacOs")

	daemon := &inspectio.Daemon{
		Name:       "inspectio-mock",
		Database:   "./mock_inspectio.db",
		FakeDriver: &drivers.MockIoDriver{},
		InputPins:  []uint16{1, 2, 3, 4, 5, 6, 7, 8},
		OutputPins: []uint16{11, 12, 13, 14, 15, 16, 17, 18},
		SocketAddr: "127.0.0.1:5300",
		HttpAddr:   "127.0.0.1:8080",
		HkPin:      "88008800",
		Presets: []presets.Preset{
			{TriggerKey: "GPI1", CameraID: "cam-1", ModelName: "mock", ModelVersion: "1", PresetID: "p1", TargetService: presets.ServiceStandard},
			{TriggerKey: "inspect", CameraID: "cam-1", ModelName: "mock", ModelVersion: "1", PresetID: "p1", TargetService: presets.ServiceStandard},
		},
		Inference:      inspectio.InferenceConfig{Token: "mock", Timeout: inspectio.Duration(time.Second)},
		ResponseFilter: map[string]bool{"passFail": true, "confidence": true},
		HkDirectory:    "./mock_homekit",
	}
	if err := daemon.Validate(); err != nil {
		log.Fatal("invalid mock config", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := daemon.Init(ctx, "mock: "+Version)
	defer daemon.Close()
	if err != nil {
		log.Error("init failed", "err", err)
		return
	}

	daemon.FakeDriver.MonitorStateChanges(os.Stdout)
	daemon.PrintIoStatus(os.Stdout)

	if err := daemon.Run(ctx); err != nil {
		log.Error("mock stopped with error", "err", err)
	}
}
