package relay

import "fmt"

// TopicPrefix is the base for all gateway MQTT topics.
const TopicPrefix = "shellyws"

// Topics provides builders for the gateway's MQTT topics.
// Using these helpers keeps topic naming consistent across the codebase.
type Topics struct{}

// Availability returns the per-device availability topic.
//
// Example: shellyws/availability/shellyplus1-aabbcc
func (Topics) Availability(deviceID string) string {
	return fmt.Sprintf("%s/availability/%s", TopicPrefix, deviceID)
}

// Status returns the per-device status topic.
//
// Example: shellyws/status/shellyplus1-aabbcc
func (Topics) Status(deviceID string) string {
	return fmt.Sprintf("%s/status/%s", TopicPrefix, deviceID)
}

// Event returns the per-device event topic.
//
// Example: shellyws/event/shellyplus1-aabbcc
func (Topics) Event(deviceID string) string {
	return fmt.Sprintf("%s/event/%s", TopicPrefix, deviceID)
}

// Discovery returns the topic announcing newly seen devices.
//
// Example: shellyws/discovery
func (Topics) Discovery() string {
	return TopicPrefix + "/discovery"
}
