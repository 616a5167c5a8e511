package main

import (
	"context"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hubertat/mcpkit"
	"github.com/hubertat/mcpkit/drivers"
	"github.com/hubertat/mcpkit/drivers/mcp23017"
)

var (
	Version string
	Build   string
)

const contactAddress = 0x21

// flipContacts drives the simulated contact inputs so the whole pipeline sees changes.
func flipContacts(ctx context.Context, mk *mcpkit.McpKit, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	levels := byte(0xFF)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pin := rand.Intn(mcp23017.PinCount)
			levels ^= 1 << pin
			err := mk.Mcp23017.Sim().SetInputs(contactAddress, mcp23017.PortB, levels)
			if err != nil {
				log.Error("failed to set simulated inputs", "err", err)
			}
		}
	}
}

func main() {
	log.SetLevel(log.DebugLevel)
	log.Info("mcpkit mock started, simulated bus, should work on MacOs")

	mk := &mcpkit.McpKit{
		Name:        "mcpkit mock",
		HkPin:       "88008800",
		HkDirectory: "./mock_homekit",
		MqttBroker:  os.Getenv("MCPKIT_MQTT"),
		Mcp23017: &drivers.McpIO{
			Bus: drivers.BusSim,
			Ports: []*drivers.McpPort{
				{Name: "contacts", Address: contactAddress, SubPort: "B", Role: "contact"},
				{Name: "relays", Address: 0x20, SubPort: "A", Role: "relay", Pins: []drivers.PinConfig{{Pin: 1, Name: "fake outlet"}, {Pin: 2, Name: "fake light"}}},
			},
		},
		Http: &drivers.HttpControl{HttpAddr: ":8080"},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := mk.InitDrivers(ctx)
	defer mk.Close()
	if err != nil {
		panic(err)
	}

	if len(mk.MqttBroker) > 0 {
		err = mk.InitMqtt()
		if err != nil {
			log.Error("mqtt init failed", "err", err)
		}
	}

	err = mk.StartHttp()
	if err != nil {
		panic(err)
	}

	err = mk.Start(ctx, 250*time.Millisecond)
	if err != nil {
		panic(err)
	}

	mk.PrintIoStatus(os.Stdout)

	go flipContacts(ctx, mk, 5*time.Second)

	log.Info("starting mock with HomeKit service")
	log.Fatal(mk.StartHomeKit(ctx, "mock: "+Version))
}
