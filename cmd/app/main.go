package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hubertat/servicemaker"

	"github.com/hubertat/mcpkit"
)

const defaultPollInterval = "100ms"

var (
	Version string
	Build   string

	config       = flag.String("config", "config.json", "path of the configuration file")
	flagInstall  = flag.Bool("install", false, "Install service in os")
	pollInterval = flag.String("poll", defaultPollInterval, "default contact poll interval (time.Duration)")
	flagDebug    = flag.Bool("debug", false, "enable debug logging")

	mcpkService = servicemaker.ServiceMaker{
		User:               "mcpkit",
		UserGroups:         []string{"i2c", "gpio"},
		ServicePath:        "/etc/systemd/system/mcpkit.service",
		ServiceDescription: "McpKit service: MCP23017 contact sensors and relays over MQTT and HomeKit. github.com/hubertat/mcpkit",
		ExecDir:            "/srv/mcpkit",
		ExecName:           "mcpkit",
	}
)

func readConfig(path string) (*mcpkit.McpKit, error) {
	configFile, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer configFile.Close()

	cBuff, err := io.ReadAll(configFile)
	if err != nil {
		return nil, err
	}

	mk := &mcpkit.McpKit{}
	err = json.Unmarshal(cBuff, mk)
	return mk, err
}

func main() {
	flag.Parse()
	if *flagDebug {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("mcpkit started", "version", Version, "build", Build)

	if *flagInstall {
		err := mcpkService.InstallService()
		if err != nil {
			log.Fatal("service install failed", "err", err)
		}
		log.Info("service installed!")
		return
	}

	pollDuration, err := time.ParseDuration(*pollInterval)
	if err != nil {
		log.Fatal("invalid poll interval", "err", err)
	}

	mk, err := readConfig(*config)
	if err != nil {
		log.Fatal("can't read config file, will terminate", "path", *config, "err", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("will init mcpkit drivers...")
	err = mk.InitDrivers(ctx)
	defer mk.Close()
	if err != nil {
		log.Fatal("drivers init failed", "err", err)
	}

	mk.PrintIoStatus(os.Stdout)

	if len(mk.MqttBroker) > 0 {
		err = mk.InitMqtt()
		if err != nil {
			log.Error("mqtt init failed, we will proceed without it", "err", err)
		}
	} else {
		log.Info("mqtt not configured, disabled")
	}

	if mk.Http != nil {
		err = mk.StartHttp()
		if err != nil {
			log.Error("http control failed to start", "err", err)
		}
	}

	err = mk.Start(ctx, pollDuration)
	if err != nil {
		log.Fatal("polling failed to start", "err", err)
	}

	if len(mk.HkPin) == 8 {
		log.Info("Starting with HomeKit server")
		err = mk.StartHomeKit(ctx, Version)
		if err != nil {
			log.Error("HomeKit server stopped", "err", err)
		}
		return
	}

	log.Info("HomeKit not configured, disabled")
	<-ctx.Done()
	log.Info("shutting down")
}
