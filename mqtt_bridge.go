package mcpkit

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/eclipse/paho.golang/paho"
	"github.com/pkg/errors"

	"github.com/hubertat/mcpkit/drivers"
	"github.com/hubertat/mcpkit/drivers/mcp23017"
	"github.com/hubertat/mcpkit/mqtt"
)

const defaultTopicPrefix = "mcpkit"

func (mk *McpKit) topicPrefix() string {
	if len(mk.MqttTopicPrefix) > 0 {
		return strings.TrimSuffix(mk.MqttTopicPrefix, "/")
	}
	return defaultTopicPrefix
}

func (mk *McpKit) stateTopic(port string, pin int) string {
	return mk.topicPrefix() + "/" + port + "/" + strconv.Itoa(pin)
}

func (mk *McpKit) changesTopic(port string) string {
	return mk.topicPrefix() + "/" + port + "/changes"
}

func stateString(state bool) string {
	if state {
		return "on"
	}
	return "off"
}

// relaySetHandler switches relays of one port from <prefix>/<port>/<pin>/set.
type relaySetHandler struct {
	kit  *McpKit
	port *drivers.McpPort
}

func (rh *relaySetHandler) MqttSubscribeTopic() string {
	return rh.kit.topicPrefix() + "/" + rh.port.Name + "/+/set"
}

func (rh *relaySetHandler) MqttHandle(pub *paho.Publish) {
	err := rh.handle(pub.Topic, pub.Payload)
	if err != nil {
		rh.kit.getLogger().Error("relay set rejected", "topic", pub.Topic, "payload", string(pub.Payload), "err", err)
	}
}

func (rh *relaySetHandler) handle(topic string, payload []byte) error {
	levels := strings.Split(topic, "/")
	if len(levels) < 2 {
		return errors.Errorf("unexpected topic %s", topic)
	}

	pin, err := strconv.Atoi(levels[len(levels)-2])
	if err != nil {
		return errors.Wrap(err, "pin is not a number")
	}
	state, err := drivers.ParseState(string(payload))
	if err != nil {
		return err
	}

	output, err := rh.kit.Mcp23017.GetOutput(rh.port.Name, pin)
	if err != nil {
		return err
	}
	err = output.Set(state)
	if err != nil {
		return errors.Wrapf(err, "failed to switch %s/%d", rh.port.Name, pin)
	}

	rh.kit.relaySwitched(drivers.PinRef{Port: rh.port.Name, Pin: pin}, state)
	return nil
}

// relaySwitched publishes the new relay state and refreshes its outlet.
func (mk *McpKit) relaySwitched(ref drivers.PinRef, state bool) {
	mk.publishRelayState(ref, state)
	for _, ou := range mk.outlets {
		if ou.ref.Port == ref.Port && ou.ref.Pin == ref.Pin {
			err := ou.Sync()
			if err != nil {
				mk.getLogger().Warn("homekit sync failed", "err", err)
			}
		}
	}
}

func (mk *McpKit) mqttHandlers() (handlers []mqtt.MqttHandler) {
	for _, mp := range mk.Mcp23017.Ports {
		if mp.IsRelay() {
			handlers = append(handlers, &relaySetHandler{kit: mk, port: mp})
		}
	}
	return
}

func (mk *McpKit) publish(topic string, payload []byte, retain bool) {
	if mk.publisher == nil {
		return
	}
	err := mk.publisher.Publish(topic, payload, retain)
	if err != nil {
		mk.getLogger().Warn("mqtt publish failed", "topic", topic, "err", err)
	}
}

func (mk *McpKit) publishRelayState(ref drivers.PinRef, state bool) {
	mk.publish(mk.stateTopic(ref.Port, ref.Pin), []byte(stateString(state)), true)
}

func (mk *McpKit) publishChanges(port string, changes mcp23017.ChangeSet) {
	if mk.publisher == nil {
		return
	}

	payload, err := json.Marshal(changes)
	if err != nil {
		mk.getLogger().Error("failed to encode changes", "err", err)
		return
	}
	mk.publish(mk.changesTopic(port), payload, false)

	for _, pin := range changes.Pins() {
		mk.publish(mk.stateTopic(port, pin), []byte(stateString(changes[pin])), true)
	}
}

// PublishAllStates sends the retained state of every configured pin.
func (mk *McpKit) PublishAllStates() {
	for _, mp := range mk.Mcp23017.Ports {
		if mp.Port() == nil {
			continue
		}
		status := mp.Status()
		for _, pin := range status.Pins {
			mk.publish(mk.stateTopic(mp.Name, pin.Pin), []byte(stateString(pin.State)), true)
		}
	}
}

func (mk *McpKit) InitMqtt() (err error) {
	if len(mk.MqttBroker) == 0 {
		err = errors.New("mqtt broker not set")
		return
	}

	mc, err := mqtt.NewMqttClient(mk.MqttBroker, mk.clientId(), mk.MqttUser, mk.MqttPassword)
	if err != nil {
		err = errors.Wrap(err, "failed to create mqtt client")
		return
	}

	mk.mqttClient = mc
	mk.publisher = mc

	err = mc.Connect(mk.mqttHandlers())
	if err != nil {
		err = errors.Wrap(err, "failed to connect to mqtt broker")
		return
	}

	mk.PublishAllStates()
	return
}
