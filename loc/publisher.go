package loc

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// PosePayload is the message published on <prefix>/pose
type PosePayload struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Heading    float64 `json:"heading"` // degrees
	Confidence float64 `json:"confidence"`
	Error      float64 `json:"error"`
	Valid      int     `json:"validSensors"`
	Validated  bool    `json:"validated"`
	Accuracy   string  `json:"accuracy"`
	Timestamp  int64   `json:"timestamp"`
}

// EventPayload is the message published on <prefix>/events
type EventPayload struct {
	Event     string  `json:"event"`
	Reason    string  `json:"reason,omitempty"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Timestamp int64   `json:"timestamp"`
}

// Publisher publishes pose estimates and lifecycle events to MQTT.
// A nil client disables publishing.
type Publisher struct {
	client mqtt.Client
	prefix string
	qos    byte
	retain bool
}

// NewPublisher creates a publisher writing under prefix
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &Publisher{
		client: client,
		prefix: prefix,
		qos:    0,    // pose updates are fire and forget
		retain: true, // late subscribers get the latest pose
	}
}

// PoseTopic returns the retained pose topic
func (p *Publisher) PoseTopic() string {
	return p.prefix + "/pose"
}

// EventTopic returns the lifecycle event topic
func (p *Publisher) EventTopic() string {
	return p.prefix + "/events"
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether pose messages are retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}

// PublishPose publishes the estimate carried by snap
func (p *Publisher) PublishPose(snap Snapshot) error {
	payload := PosePayload{
		X:          snap.Estimate.Position.X,
		Y:          snap.Estimate.Position.Y,
		Heading:    snap.Estimate.HeadingDegrees(),
		Confidence: snap.Estimate.Confidence,
		Error:      snap.Error,
		Valid:      snap.ValidSensors,
		Validated:  snap.Validated,
		Accuracy:   Accuracy(snap).Level,
		Timestamp:  snap.Timestamp.Unix(),
	}
	return p.publish(p.PoseTopic(), p.retain, payload)
}

// PublishEvent publishes a lifecycle event such as a reset
func (p *Publisher) PublishEvent(event, reason string, at Point) error {
	payload := EventPayload{
		Event:     event,
		Reason:    reason,
		X:         at.X,
		Y:         at.Y,
		Timestamp: time.Now().Unix(),
	}
	if err := p.publish(p.EventTopic(), false, payload); err != nil {
		return err
	}
	log.Printf("Published %s event (%s)", event, reason)
	return nil
}

func (p *Publisher) publish(topic string, retain bool, v interface{}) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", topic, err)
	}

	token := p.client.Publish(topic, p.qos, retain, data)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}
