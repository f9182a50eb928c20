// Package telemetry records trigger outcomes for the plant historian and the
// MQTT bus.
package telemetry

import (
	"os"
	"time"

	"github.com/charmbracelet/log"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/hubertat/inspectio/inference"
)

const triggerMeasurement = "trigger"

type InfluxConfig struct {
	Host         string
	Token        string
	Organization string
	Bucket       string
	// Device tags every point, usually the hostname.
	Device string
}

// InfluxRecorder writes one point per trigger through the non-blocking write
// API. Points are batched by the client; Close flushes them.
type InfluxRecorder struct {
	cfg    InfluxConfig
	client influxdb2.Client
	writer api.WriteAPI
	done   chan struct{}
	logger *log.Logger
}

func NewInfluxRecorder(cfg InfluxConfig) *InfluxRecorder {
	client := influxdb2.NewClientWithOptions(cfg.Host, cfg.Token, influxdb2.DefaultOptions().SetBatchSize(20).SetFlushInterval(2000))
	ir := &InfluxRecorder{
		cfg:    cfg,
		client: client,
		writer: client.WriteAPI(cfg.Organization, cfg.Bucket),
		done:   make(chan struct{}),
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "influx: ",
			Level:  log.GetLevel(),
		}),
	}
	go ir.watchErrors()
	return ir
}

func (ir *InfluxRecorder) watchErrors() {
	errs := ir.writer.Errors()
	for {
		select {
		case <-ir.done:
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			ir.logger.Warn("write failed", "err", err)
		}
	}
}

func (ir *InfluxRecorder) Record(r inference.Record) {
	ir.writer.WritePoint(triggerPoint(r, ir.cfg.Device, time.Now()))
}

func (ir *InfluxRecorder) Flush() {
	ir.writer.Flush()
}

func (ir *InfluxRecorder) Close() {
	ir.writer.Flush()
	close(ir.done)
	ir.client.Close()
}

func triggerPoint(r inference.Record, device string, at time.Time) *write.Point {
	verdict := string(r.PassFail)
	if verdict == "" {
		verdict = "none"
	}

	tags := map[string]string{
		"source":  r.Caller.Source,
		"preset":  r.Preset.PresetID,
		"camera":  r.Preset.CameraID,
		"service": string(r.Preset.TargetService),
		"verdict": verdict,
	}
	if device != "" {
		tags["device"] = device
	}

	fields := map[string]interface{}{
		"trigger_id":  r.TriggerID,
		"trigger_key": r.Preset.TriggerKey,
		"duration_ms": float64(r.Duration) / float64(time.Millisecond),
		"ok":          r.Err == nil,
	}
	if r.Err != nil {
		fields["error"] = r.Err.Error()
	}

	return influxdb2.NewPoint(triggerMeasurement, tags, fields, at)
}
