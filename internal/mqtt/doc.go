// Package mqtt mirrors the operational event bus onto an MQTT broker.
// Every event is published as JSON to <prefix>/events/<source>/<kind>,
// and a retained availability topic tracks whether the process is up.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. A will message
// flips the availability topic to "offline" on unexpected disconnects.
// Publishing is best-effort: events that arrive while the broker is
// unreachable, or faster than the configured rate, are dropped.
package mqtt
