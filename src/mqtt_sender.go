package main

import (
	"context"
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"github.com/ryansname/easunbridge/src/pi30"
)

// Availability is the value published on the status topic
type Availability string

const (
	AvailabilityOnline  Availability = "online"
	AvailabilityOffline Availability = "offline"
)

// TelemetrySink is where the poll loop delivers everything it produces.
// Every call is fire-and-forget.
type TelemetrySink interface {
	PublishField(name, value string, retained bool)
	PublishJSON(record pi30.StatusRecord, retained bool)
	PublishAvailability(state Availability, retained bool)
	PublishDiscovery(sensor SensorMeta)
}

// MQTTMessage is one publish waiting in the outgoing queue
type MQTTMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
	Sticky  bool // the latest sticky message is re-sent on every new broker connection
}

// Topics derives every topic the bridge publishes to
type Topics struct {
	Base            string
	DiscoveryPrefix string
}

// Field returns the state topic of a single field
func (t Topics) Field(name string) string {
	return t.Base + "/" + name
}

// JSON returns the topic carrying the whole record
func (t Topics) JSON() string {
	return t.Base + "/json"
}

// Status returns the availability topic
func (t Topics) Status() string {
	return t.Base + "/status"
}

// Discovery returns the Home Assistant config topic for a sensor
func (t Topics) Discovery(uniqueID string) string {
	return t.DiscoveryPrefix + "/sensor/" + uniqueID + "/config"
}

// MQTTSender turns telemetry into MQTT messages on the outgoing queue
type MQTTSender struct {
	ch     chan<- MQTTMessage
	topics Topics
	device DeviceInfo
}

// NewMQTTSender creates a sender writing to ch
func NewMQTTSender(ch chan<- MQTTMessage, topics Topics, device DeviceInfo) *MQTTSender {
	return &MQTTSender{ch: ch, topics: topics, device: device}
}

// Send queues a raw MQTTMessage, dropping it if the queue is full so polling never waits on the broker
func (s *MQTTSender) Send(msg MQTTMessage) {
	select {
	case s.ch <- msg:
	default:
		log.Warnf("MQTT outgoing queue full, dropping message to %s", msg.Topic)
	}
}

// PublishField publishes one value to its own state topic
func (s *MQTTSender) PublishField(name, value string, retained bool) {
	s.Send(MQTTMessage{
		Topic:   s.topics.Field(name),
		Payload: []byte(value),
		QoS:     0,
		Retain:  retained,
	})
}

// PublishJSON publishes the whole record as one JSON document
func (s *MQTTSender) PublishJSON(record pi30.StatusRecord, retained bool) {
	payload, err := json.Marshal(record)
	if err != nil {
		log.Errorf("Failed to encode status record: %v", err)
		return
	}
	s.Send(MQTTMessage{
		Topic:   s.topics.JSON(),
		Payload: payload,
		QoS:     0,
		Retain:  retained,
	})
}

// PublishAvailability publishes online/offline on the status topic
func (s *MQTTSender) PublishAvailability(state Availability, retained bool) {
	s.Send(MQTTMessage{
		Topic:   s.topics.Status(),
		Payload: []byte(state),
		QoS:     1,
		Retain:  retained,
		Sticky:  true,
	})
}

// PublishDiscovery publishes the Home Assistant config for one sensor
func (s *MQTTSender) PublishDiscovery(sensor SensorMeta) {
	topic, payload, err := discoveryMessage(s.topics, s.device, sensor)
	if err != nil {
		log.Errorf("Failed to build discovery config for %s: %v", sensor.Key, err)
		return
	}
	s.Send(MQTTMessage{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	})
	log.Debugf("Discovery config queued for %s", sensor.Name)
}

// mqttSenderWorker publishes outgoing messages on the current client.
// While no client is connected only the newest message per topic is held,
// since every topic is last-value-wins. Each new client first gets the latest
// sticky message again, so availability survives the broker firing our will.
// When ctx is cancelled it publishes whatever is still buffered before returning.
func mqttSenderWorker(
	ctx context.Context,
	outgoingChan <-chan MQTTMessage,
	clientChan <-chan mqtt.Client,
) {
	log.Println("MQTT sender started")

	var client mqtt.Client
	var sticky *MQTTMessage
	var pending []MQTTMessage
	heldAt := map[string]int{} // topic -> index in pending

	connected := func() bool { return client != nil && client.IsConnected() }

	publish := func(msg MQTTMessage) {
		token := client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)
		switch {
		case !token.WaitTimeout(5 * time.Second):
			log.Warnf("Timed out publishing to %s", msg.Topic)
		case token.Error() != nil:
			log.Errorf("Failed to publish to %s: %v", msg.Topic, token.Error())
		}
	}

	hold := func(msg MQTTMessage) {
		if i, ok := heldAt[msg.Topic]; ok {
			pending[i] = msg
			return
		}
		heldAt[msg.Topic] = len(pending)
		pending = append(pending, msg)
		log.Debugf("MQTT sender holding message for %s (%d held)", msg.Topic, len(pending))
	}

	flushPending := func() {
		if len(pending) == 0 {
			return
		}
		for _, msg := range pending {
			publish(msg)
		}
		log.Printf("MQTT sender delivered %d held messages", len(pending))
		pending = nil
		clear(heldAt)
	}

	for {
		select {
		case client = <-clientChan:
			log.Debug("MQTT sender got a new client")
			if !connected() {
				continue
			}
			if sticky != nil {
				if _, held := heldAt[sticky.Topic]; !held {
					publish(*sticky)
				}
			}
			flushPending()

		case msg := <-outgoingChan:
			if msg.Sticky {
				latest := msg
				sticky = &latest
			}
			if !connected() {
				hold(msg)
				continue
			}
			publish(msg)

		case <-ctx.Done():
			if !connected() {
				log.Warnf("MQTT sender stopped with %d messages undelivered", len(pending)+len(outgoingChan))
				return
			}
			flushPending()
			for {
				select {
				case msg := <-outgoingChan:
					publish(msg)
				default:
					log.Println("MQTT sender stopped")
					return
				}
			}
		}
	}
}
