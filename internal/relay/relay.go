package relay

import (
	"encoding/json"
	"fmt"
	"time"
)

// Publisher is the broker surface the relay needs. *mqtt.Client satisfies it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Logger is the minimal logging interface the relay needs.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Relay turns device lifecycle and notification events into MQTT messages.
// It implements the server's Observer interface.
//
// Publish failures are logged and dropped: the broker is an outbound sink,
// and a broker outage must never stall device dispatch.
type Relay struct {
	pub    Publisher
	topics Topics
	qos    byte
	logger Logger
}

// New creates a relay publishing through pub at the given QoS.
func New(pub Publisher, qos byte, logger Logger) (*Relay, error) {
	if pub == nil {
		return nil, fmt.Errorf("relay: publisher is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("relay: logger is required")
	}
	return &Relay{pub: pub, qos: qos, logger: logger}, nil
}

// DeviceDiscovered announces a device identity seen for the first time.
func (r *Relay) DeviceDiscovered(deviceID, protocol string) {
	payload, err := json.Marshal(map[string]string{
		"device_id": deviceID,
		"protocol":  protocol,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	r.publish(r.topics.Discovery(), payload, false)
}

// DeviceConnected marks the device available. Retained so subscribers that
// join later still see the current availability.
func (r *Relay) DeviceConnected(deviceID string) {
	r.publish(r.topics.Availability(deviceID), []byte("online"), true)
}

// DeviceDisconnected marks the device unavailable.
func (r *Relay) DeviceDisconnected(deviceID string, code int, reason string, err error) {
	r.logger.Debug("relaying device offline",
		"device_id", deviceID,
		"code", code,
		"reason", reason,
		"error", err,
	)
	r.publish(r.topics.Availability(deviceID), []byte("offline"), true)
}

// StatusUpdate relays a NotifyStatus / NotifyFullStatus payload. Retained so
// the topic always carries the device's last reported state.
func (r *Relay) StatusUpdate(deviceID string, params json.RawMessage) {
	r.publish(r.topics.Status(deviceID), params, true)
}

// Event relays a NotifyEvent payload. Events are moments, not state, so they
// are not retained.
func (r *Relay) Event(deviceID string, params json.RawMessage) {
	r.publish(r.topics.Event(deviceID), params, false)
}

func (r *Relay) publish(topic string, payload []byte, retained bool) {
	if err := r.pub.Publish(topic, payload, r.qos, retained); err != nil {
		r.logger.Warn("relay publish failed", "topic", topic, "error", err)
	}
}
