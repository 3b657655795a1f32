// Package mqtt wraps paho.mqtt.golang for the gateway's northbound relay.
//
// The gateway only publishes: device status updates, events, and
// availability flow out to the broker, and nothing is consumed from it. The
// client maintains the broker connection with automatic reconnection and a
// Last Will so consumers can tell a crashed gateway from a stopped one.
//
//	client, err := mqtt.Connect(cfg)
//	defer client.Close()
//	client.Publish("shellyws/status/shellyplus1-aabbcc", payload, 1, true)
//
// Thread Safety: all methods are safe for concurrent use.
package mqtt
