package bridge

import (
	"encoding/json"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nvoss/dmpilot/internal/event"
)

const topicPrefix = "dmpilot/events/"

// MQTT mirrors every bus event onto an MQTT broker so external integrations
// (home automation, notification relays) can react without holding a
// websocket open. Publish is fire-and-forget, QoS 0: the UI boundary is
// authoritative, this is a tap.
type MQTT struct {
	client mqtt.Client
	subID  string
	bus    *event.Bus
}

// Connect dials the broker and starts mirroring bus events
func Connect(brokerURL string, bus *event.Bus) (*MQTT, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID("dmpilot").
		SetConnectTimeout(10 * time.Second).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	b := &MQTT{client: client, bus: bus}
	b.subID = bus.Subscribe([]string{"*"}, b.publish)

	log.Printf("[Bridge] MQTT connected: %s", brokerURL)
	return b, nil
}

// Close stops mirroring and disconnects
func (b *MQTT) Close() {
	b.bus.Unsubscribe(b.subID)
	b.client.Disconnect(250)
}

func (b *MQTT) publish(evt *event.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	b.client.Publish(topicPrefix+evt.Topic, 0, false, payload)
}
