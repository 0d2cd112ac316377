// Package mqtt wraps the paho MQTT client with reconnection-safe
// subscriptions, a configurable availability (last will) contract, and
// panic-isolated message handlers.
//
// Each outbound MQTT integration owns one Client built from its
// per-user configuration blob.
package mqtt
