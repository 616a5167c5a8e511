package mqtt

import (
	"testing"

	"github.com/eclipse/paho.golang/paho"
)

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		filter, topic string
		want          bool
	}{
		{"mcpkit/relays/3/set", "mcpkit/relays/3/set", true},
		{"mcpkit/relays/+/set", "mcpkit/relays/3/set", true},
		{"mcpkit/relays/+/set", "mcpkit/relays/3/state", false},
		{"mcpkit/#", "mcpkit/relays/3/set", true},
		{"mcpkit/relays/+", "mcpkit/relays/3/set", false},
		{"mcpkit/relays/+/set", "mcpkit/relays", false},
		{"other/+/set", "mcpkit/relays/set", false},
	}

	for _, tt := range tests {
		if got := TopicMatches(tt.filter, tt.topic); got != tt.want {
			t.Errorf("TopicMatches(%q, %q) = %v want %v", tt.filter, tt.topic, got, tt.want)
		}
	}
}

type recordingHandler struct {
	topic    string
	received []string
}

func (rh *recordingHandler) MqttSubscribeTopic() string {
	return rh.topic
}

func (rh *recordingHandler) MqttHandle(pub *paho.Publish) {
	rh.received = append(rh.received, string(pub.Payload))
}

func TestRoute(t *testing.T) {
	mc, err := NewMqttClient("mqtt://127.0.0.1:1883", "test", "", "")
	if err != nil {
		t.Fatal(err)
	}

	relays := &recordingHandler{topic: "mcpkit/relays/+/set"}
	other := &recordingHandler{topic: "mcpkit/lights/+/set"}
	mc.handlers = []MqttHandler{relays, other}

	handled := mc.route(&paho.Publish{Topic: "mcpkit/relays/2/set", Payload: []byte("on")})
	if !handled {
		t.Error("message not handled")
	}
	handled = mc.route(&paho.Publish{Topic: "mcpkit/doors/changes", Payload: []byte("{}")})
	if handled {
		t.Error("unexpected handler for message")
	}

	if len(relays.received) != 1 || relays.received[0] != "on" {
		t.Errorf("relays got %v", relays.received)
	}
	if len(other.received) != 0 {
		t.Errorf("other got %v", other.received)
	}
}

func TestPublishNotConnected(t *testing.T) {
	mc, _ := NewMqttClient("mqtt://127.0.0.1:1883", "test", "user", "pass")

	if err := mc.Publish("t", []byte("x"), false); err == nil {
		t.Error("expected error publishing without connection")
	}
	if string(mc.config.ConnectPassword) != "pass" || mc.config.ConnectUsername != "user" {
		t.Error("credentials not set")
	}
}
