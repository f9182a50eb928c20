// Package homekit mirrors the output pins as HomeKit switches. Switching from
// the Home app goes through the pin controller like any other writer.
package homekit

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"sync"
	"time"

	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	hklog "github.com/brutella/hap/log"
	dnslog "github.com/brutella/dnssd/log"
	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/hubertat/inspectio/drivers"
	"github.com/hubertat/inspectio/pinstate"
)

const defaultDirectory = "./homekit"
const defaultBridgeName = "inspectio"
const bridgeAuthor = "github.com/hubertat"
const remoteUpdateTimeout = 3 * time.Second
const DefaultSyncInterval = 500 * time.Millisecond

type Pins interface {
	Snapshot(ctx context.Context) (pinstate.PinState, error)
	SetOutput(ctx context.Context, pin int, on bool) error
}

type Config struct {
	Name      string
	Pin       string
	Directory string
	Address   string
	Debug     bool
	Firmware  string
	// Labels names switches by output pin, unnamed pins read GPO<n>.
	Labels map[int]string
}

type outputSwitch struct {
	pin   int
	hk    *accessory.Switch
	fault *characteristic.StatusFault
}

func (sw *outputSwitch) uniqueId(bridge string) uint64 {
	hash := fnv.New64()
	hash.Write([]byte(fmt.Sprintf("%s_output_%d", bridge, sw.pin)))
	return hash.Sum64()
}

type Bridge struct {
	cfg      Config
	pins     Pins
	switches []*outputSwitch
	logger   *log.Logger

	lock   sync.Mutex
	faulty bool
}

func NewBridge(cfg Config, pins Pins) *Bridge {
	if cfg.Name == "" {
		cfg.Name = defaultBridgeName
	}
	if cfg.Directory == "" {
		cfg.Directory = defaultDirectory
	}

	b := &Bridge{
		cfg:  cfg,
		pins: pins,
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "homekit: ",
			Level:  log.GetLevel(),
		}),
	}

	for pin := 1; pin <= drivers.PinCount; pin++ {
		name := cfg.Labels[pin]
		if name == "" {
			name = pinstate.OutputField(pin)
		}

		sw := &outputSwitch{pin: pin}
		sw.hk = accessory.NewSwitch(accessory.Info{
			Name:         name,
			SerialNumber: fmt.Sprintf("output:%02d", pin),
			Manufacturer: bridgeAuthor,
			Firmware:     cfg.Firmware,
		})
		sw.hk.A.Id = sw.uniqueId(cfg.Name)

		sw.fault = characteristic.NewStatusFault()
		sw.fault.SetValue(characteristic.StatusFaultNoFault)
		sw.hk.Switch.AddC(sw.fault.C)

		pinNo := pin
		sw.hk.Switch.On.OnValueRemoteUpdate(func(on bool) {
			b.remoteSet(pinNo, on)
		})
		b.switches = append(b.switches, sw)
	}
	return b
}

func (b *Bridge) Accessories() []*accessory.A {
	acc := make([]*accessory.A, 0, len(b.switches))
	for _, sw := range b.switches {
		acc = append(acc, sw.hk.A)
	}
	return acc
}

func (b *Bridge) remoteSet(pin int, on bool) {
	ctx, cancel := context.WithTimeout(context.Background(), remoteUpdateTimeout)
	defer cancel()

	if err := b.pins.SetOutput(ctx, pin, on); err != nil {
		b.logger.Error("remote update failed", "pin", pin, "on", on, "err", err)
		b.switches[pin-1].fault.SetValue(characteristic.StatusFaultGeneralFault)
		return
	}
	b.logger.Info("remote update", "pin", pin, "on", on)
}

// Sync copies the stored output states onto the switches.
func (b *Bridge) Sync(ctx context.Context) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	ps, err := b.pins.Snapshot(ctx)
	if err != nil {
		if !b.faulty {
			for _, sw := range b.switches {
				sw.fault.SetValue(characteristic.StatusFaultGeneralFault)
			}
		}
		b.faulty = true
		return errors.Wrap(err, "homekit sync")
	}

	for _, sw := range b.switches {
		if sw.fault.Value() != characteristic.StatusFaultNoFault {
			sw.fault.SetValue(characteristic.StatusFaultNoFault)
		}
		if sw.hk.Switch.On.Value() != ps.Outputs[sw.pin] {
			sw.hk.Switch.On.SetValue(ps.Outputs[sw.pin])
		}
	}
	b.faulty = false
	return nil
}

// Run serves the bridge and keeps switches in sync until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context, syncInterval time.Duration) error {
	if syncInterval <= 0 {
		syncInterval = DefaultSyncInterval
	}

	bridge := accessory.NewBridge(accessory.Info{
		Name:         b.cfg.Name,
		Manufacturer: bridgeAuthor,
		Firmware:     b.cfg.Firmware,
	})

	server, err := hap.NewServer(hap.NewFsStore(b.cfg.Directory), bridge.A, b.Accessories()...)
	if err != nil {
		return errors.Wrap(err, "failed to create HomeKit server")
	}
	server.Pin = b.cfg.Pin
	if b.cfg.Address != "" {
		server.Addr = b.cfg.Address
	}

	if b.cfg.Debug {
		hklog.Debug.Enable()
		dnslog.Debug.Enable()
	}

	go func() {
		ticker := time.NewTicker(syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := b.Sync(ctx); err != nil {
					b.logger.Debug("sync failed", "err", err)
				}
			}
		}
	}()

	b.logger.Info("starting bridge", "name", b.cfg.Name, "switches", len(b.switches))
	return server.ListenAndServe(ctx)
}
