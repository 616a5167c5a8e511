package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/eclipse/paho.golang/paho"

	"github.com/hubertat/mcpkit/mqtt"
)

const clientID = "mq-mcpk-client"

var (
	broker = flag.String("broker", "mqtt://127.0.0.1:1883", "mqtt broker url")
	prefix = flag.String("prefix", "mcpkit", "topic prefix")
	set    = flag.String("set", "", "relay to switch, as <port>/<pin>")
	state  = flag.String("state", "on", "state sent with -set")
)

type Handler struct {
	topic string
}

func (h *Handler) MqttSubscribeTopic() string {
	return h.topic
}

func (h *Handler) MqttHandle(pub *paho.Publish) {
	log.Info("received", "topic", pub.Topic, "payload", string(pub.Payload), "retain", pub.Retain)
}

// watches mcpkit topics and optionally switches a relay
func main() {
	flag.Parse()
	log.SetLevel(log.DebugLevel)

	mc, err := mqtt.NewMqttClient(*broker, clientID, os.Getenv("MQTT_USER"), os.Getenv("MQTT_PASSWORD"))
	if err != nil {
		log.Error("failed to create mqtt client", "error", err)
		return
	}

	err = mc.Connect([]mqtt.MqttHandler{&Handler{topic: *prefix + "/#"}})
	if err != nil {
		log.Error("failed to connect to mqtt broker", "error", err)
		return
	}
	log.Info("mqtt client connected")

	if len(*set) > 0 {
		err = mc.Publish(*prefix+"/"+*set+"/set", []byte(*state), false)
		if err != nil {
			log.Error("failed to publish", "error", err)
		}
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}
