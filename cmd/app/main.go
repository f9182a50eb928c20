package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/hubertat/servicemaker"

	"github.com/hubertat/inspectio"
)

var (
	Version string
	Build   string

	config      = flag.String("config", "config.json", "path of the configuration file (.json, .yaml or .yml)")
	envFile     = flag.String("env", ".env", "optional env file with INSPECTIO_* overrides")
	logLevel    = flag.String("log-level", "", "log level, overrides config (debug, info, warn, error)")
	flagInstall = flag.Bool("install", false, "Install service in os")

	inspectioService = servicemaker.ServiceMaker{
		User:               "inspectio",
		UserGroups:         []string{"gpio", "i2c"},
		ServicePath:        "/etc/systemd/system/inspectio.service",
		ServiceDescription: "inspectio service: GPIO trigger and socket control plane for vision inspection stations. github.com/hubertat/inspectio",
		ExecDir:            "/srv/inspectio",
		ExecName:           "inspectio",
	}
)

func main() {
	flag.Parse()
	log.SetReportTimestamp(true)
	log.Info("inspectio started", "version", Version, "build", Build)

	if *flagInstall {
		if err := inspectioService.InstallService(); err != nil {
			log.Fatal("service install failed", "err", err)
		}
		log.Info("service installed!")
		return
	}

	daemon, err := inspectio.LoadDaemon(*config)
	if err != nil {
		log.Fatal("can't load config, will terminate", "path", *config, "err", err)
	}
	if err := daemon.ApplyEnv(*envFile); err != nil {
		log.Fatal("env overrides failed", "err", err)
	}
	if *logLevel != "" {
		daemon.LogLevel = *logLevel
	}
	if daemon.LogLevel != "" {
		level, err := log.ParseLevel(daemon.LogLevel)
		if err != nil {
			log.Fatal("bad log level", "level", daemon.LogLevel, "err", err)
		}
		log.SetLevel(level)
	}
	if err := daemon.Validate(); err != nil {
		log.Fatal("invalid config", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("will init inspectio drivers...")
	err = daemon.Init(ctx, Version)
	defer daemon.Close()
	if err != nil {
		log.Error("init failed", "err", err)
		return
	}
	daemon.PrintIoStatus(os.Stdout)

	if err := daemon.Run(ctx); err != nil {
		log.Error("inspectio stopped with error", "err", err)
		return
	}
	log.Info("inspectio stopped, outputs idle")
}
