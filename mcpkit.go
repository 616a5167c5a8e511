package mcpkit

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	dnslog "github.com/brutella/dnssd/log"
	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	hklog "github.com/brutella/hap/log"
	"github.com/pkg/errors"

	"github.com/hubertat/mcpkit/drivers"
	"github.com/hubertat/mcpkit/drivers/mcp23017"
	"github.com/hubertat/mcpkit/mqtt"
)

const defaultHomeKitDirectory = "./homekit"
const homeKitBridgeName = "mcpkit"
const homeKitBridgeAuthor = "github.com/hubertat"

type McpKit struct {
	Name string

	Mcp23017 *drivers.McpIO
	Influx   *drivers.InfluxSink
	Http     *drivers.HttpControl

	MqttBroker      string
	MqttUser        string
	MqttPassword    string
	MqttTopicPrefix string

	HkPin       string
	HkDirectory string
	HkAddress   string
	HkDebug     bool

	mqttClient *mqtt.MqttClient
	publisher  mqtt.Publisher
	outlets    []*RelayOutlet
	contacts   []*ContactSensor
	subscribed bool
	logger     *log.Logger
}

type HkThing interface {
	GetHk() *accessory.A
	GetUniqueId() uint64
	Sync() error
}

func (mk *McpKit) getLogger() *log.Logger {
	if mk.logger == nil {
		mk.logger = log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "McpKit: ",
			Level:  log.GetLevel(),
		})
	}
	return mk.logger
}

func (mk *McpKit) clientId() string {
	if len(mk.Name) > 0 {
		return mk.Name
	}
	return homeKitBridgeName
}

// InitDrivers opens the bus, configures every port and prepares the optional sinks.
func (mk *McpKit) InitDrivers(ctx context.Context) error {
	if mk.Mcp23017 == nil {
		return errors.New("mcp23017 driver not configured")
	}

	err := mk.Mcp23017.Setup(ctx)
	if err != nil {
		return errors.Wrapf(err, "failed to setup %s driver", mk.Mcp23017)
	}

	if mk.Influx != nil {
		err = mk.Influx.Setup()
		if err != nil {
			return errors.Wrap(err, "failed to setup influx sink")
		}
	}

	return nil
}

// Start subscribes the change fan-out on every contact port and starts polling.
func (mk *McpKit) Start(ctx context.Context, pollInterval time.Duration) error {
	if mk.Mcp23017 == nil || !mk.Mcp23017.IsReady() {
		return errors.New("drivers not initialized")
	}

	if !mk.subscribed {
		for _, mp := range mk.Mcp23017.Ports {
			if mp.Port() == nil || mp.IsRelay() {
				continue
			}
			mp.Port().OnChange(mk.changeHandler(mp))
		}
		mk.subscribed = true
	}

	return mk.Mcp23017.StartPolling(ctx, pollInterval)
}

func (mk *McpKit) changeHandler(mp *drivers.McpPort) mcp23017.ChangeHandler {
	names := mp.PinNames()

	return func(changes mcp23017.ChangeSet) {
		mk.getLogger().Info("contacts changed", "port", mp.Name, "changes", changes)

		mk.publishChanges(mp.Name, changes)

		if mk.Influx != nil && mk.Influx.IsReady() {
			err := mk.Influx.WriteChanges(mp.Name, names, changes)
			if err != nil {
				mk.getLogger().Error("failed to store changes", "port", mp.Name, "err", err)
			}
		}
	}
}

func (mk *McpKit) StartHttp() error {
	if mk.Http == nil {
		return errors.New("http control not configured")
	}
	mk.Http.OnSwitch = mk.relaySwitched
	return mk.Http.Setup(mk.Mcp23017)
}

func (mk *McpKit) Close() (err error) {
	if mk.mqttClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		disconnectErr := mk.mqttClient.Disconnect(ctx)
		cancel()
		if disconnectErr != nil {
			err = errors.Wrap(disconnectErr, "mqtt disconnect failed")
		}
	}

	if mk.Http != nil {
		httpErr := mk.Http.Close()
		if httpErr != nil {
			err = errors.Wrap(httpErr, "http close failed")
		}
	}

	if mk.Influx != nil {
		mk.Influx.Close()
	}

	if mk.Mcp23017 != nil {
		closeErr := mk.Mcp23017.Close()
		if closeErr != nil {
			err = errors.Wrap(closeErr, "mcp23017 close failed")
		}
	}

	return
}

func (mk *McpKit) PrintIoStatus(writer io.Writer) {
	fmt.Fprintln(writer)
	fmt.Fprintf(writer, "=== %s io ===\n", mk.clientId())
	if mk.Mcp23017 == nil {
		fmt.Fprintln(writer, "no driver configured")
		return
	}
	for _, mp := range mk.Mcp23017.Ports {
		port := mp.Port()
		if port == nil {
			continue
		}
		fmt.Fprintln(writer, "________")
		fmt.Fprintf(writer, "| port: %s (%s, %s)\n", mp.Name, port, port.Role())
		fmt.Fprintf(writer, "| value: 0x%02x\n", port.Current())
		fmt.Fprintf(writer, "| pins: ")
		for _, ref := range mp.PinRefs() {
			fmt.Fprintf(writer, "%d:%s, ", ref.Pin, ref.Name)
		}
		fmt.Fprintln(writer)
		fmt.Fprintln(writer, "--------")
	}
	fmt.Fprintln(writer, "-----------------------------")
	fmt.Fprintln(writer)
}

func (mk *McpKit) getHkThings() (things []HkThing) {
	for _, th := range mk.outlets {
		things = append(things, th)
	}
	for _, th := range mk.contacts {
		things = append(things, th)
	}
	return
}

// InitHomeKit builds an outlet per relay pin and a contact sensor per input pin.
func (mk *McpKit) InitHomeKit() error {
	mk.outlets = nil
	mk.contacts = nil

	for _, mp := range mk.Mcp23017.Ports {
		if mp.Port() == nil {
			continue
		}
		for _, ref := range mp.PinRefs() {
			if !mp.HomekitEnabled(ref.Pin) {
				continue
			}

			if mp.IsRelay() {
				output, err := mk.Mcp23017.GetOutput(ref.Port, ref.Pin)
				if err != nil {
					return errors.Wrapf(err, "outlet %s", ref)
				}
				mk.outlets = append(mk.outlets, NewRelayOutlet(ref, output, mk.publishRelayState))
				continue
			}

			input, err := mk.Mcp23017.GetInput(ref.Port, ref.Pin)
			if err != nil {
				return errors.Wrapf(err, "contact sensor %s", ref)
			}
			cs, err := NewContactSensor(ref, input)
			if err != nil {
				return errors.Wrapf(err, "contact sensor %s", ref)
			}
			mk.contacts = append(mk.contacts, cs)
		}
	}

	return nil
}

func (mk *McpKit) GetHkAccessories(firmwareVersion string) (acc []*accessory.A) {
	acc = []*accessory.A{}

	for _, th := range mk.getHkThings() {
		accessory := th.GetHk()
		if accessory != nil {
			if accessory.Info != nil && accessory.Info.FirmwareRevision != nil {
				accessory.Info.FirmwareRevision.SetValue(firmwareVersion)
			}
			accessory.Id = th.GetUniqueId()
			acc = append(acc, accessory)
		}
	}

	return
}

// SyncHomeKit refreshes every accessory from the cached port state.
func (mk *McpKit) SyncHomeKit() {
	for _, th := range mk.getHkThings() {
		err := th.Sync()
		if err != nil {
			mk.getLogger().Warn("homekit sync failed", "err", err)
		}
	}
}

func (mk *McpKit) StartHomeKit(ctx context.Context, firmwareVersion string) error {
	err := mk.InitHomeKit()
	if err != nil {
		return errors.Wrap(err, "failed to init HomeKit accessories")
	}
	mk.SyncHomeKit()

	hkName := mk.Name
	if len(hkName) < 1 {
		hkName = homeKitBridgeName
	}
	bridge := accessory.NewBridge(accessory.Info{
		Name:         hkName,
		Manufacturer: homeKitBridgeAuthor,
		Firmware:     firmwareVersion,
	})

	var store hap.Store
	if len(mk.HkDirectory) > 1 {
		store = hap.NewFsStore(mk.HkDirectory)
	} else {
		store = hap.NewFsStore(defaultHomeKitDirectory)
	}
	hkServer, err := hap.NewServer(store, bridge.A, mk.GetHkAccessories(firmwareVersion)...)
	if err != nil {
		return errors.Wrap(err, "failed to create HomeKit server")
	}
	hkServer.Pin = mk.HkPin
	if len(mk.HkAddress) > 0 {
		hkServer.Addr = mk.HkAddress
	}

	if mk.HkDebug {
		hklog.Debug.Enable()
		dnslog.Debug.Enable()
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-c:
		case <-ctx.Done():
		}
		signal.Stop(c)
		cancel()
	}()

	return hkServer.ListenAndServe(ctx)
}
