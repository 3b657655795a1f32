// Package relay publishes device notifications northbound over MQTT.
//
// The relay observes handler lifecycle and notification events and turns
// them into broker messages: availability (retained), status updates
// (retained, so late subscribers see the last known state), and discrete
// events (not retained). The relay is optional; without MQTT the gateway
// still serves its HTTP API and device RPC.
package relay
