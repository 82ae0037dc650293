package events

import (
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	mqttPublishTimeout = 2 * time.Second
	mqttQuiesce        = 250 // ms
)

// publisher is the part of mqtt.Client used by the bridge.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTBridge forwards hub events to an MQTT broker. The topic of an event is
// the prefix followed by the event name with dots replaced by slashes, e.g.
// tfcal/frequency/tuned. Phase events are retained so late subscribers see
// the current phase.
type MQTTBridge struct {
	client publisher
	prefix string
	close  func()
}

// DialMQTT connects to broker (e.g. tcp://localhost:1883).
func DialMQTT(broker, clientID, prefix string) (*MQTTBridge, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, pkgerrors.Wrapf(token.Error(), "failed to connect to MQTT broker %s", broker)
	}
	logrus.WithField("broker", broker).Info("connected to MQTT broker")

	b := NewMQTTBridge(client, prefix)
	b.close = func() { client.Disconnect(mqttQuiesce) }
	return b, nil
}

// NewMQTTBridge creates a bridge on an existing client.
func NewMQTTBridge(client publisher, prefix string) *MQTTBridge {
	return &MQTTBridge{client: client, prefix: strings.TrimSuffix(prefix, "/")}
}

// Topic returns the MQTT topic an event with the given name is published on.
func (b *MQTTBridge) Topic(name string) string {
	t := strings.ReplaceAll(name, ".", "/")
	if b.prefix == "" {
		return t
	}
	return b.prefix + "/" + t
}

func (b *MQTTBridge) Forward(e Event) {
	topic := b.Topic(e.Name)
	retained := e.Name == SessionPhase
	token := b.client.Publish(topic, 0, retained, []byte(e.Data))
	if !token.WaitTimeout(mqttPublishTimeout) {
		logrus.WithField("topic", topic).Warn("timed out publishing to MQTT")
		return
	}
	if err := token.Error(); err != nil {
		logrus.WithError(err).WithField("topic", topic).Warn("failed to publish to MQTT")
	}
}

// Close disconnects from the broker if the bridge owns the connection.
func (b *MQTTBridge) Close() {
	if b.close != nil {
		b.close()
	}
}
