// Package mqtt implements the telemetry transport over MQTT.
//
// Two clients are provided: [V5] speaks MQTT 5 through Eclipse Paho v2
// (paho.golang) and [V3] speaks MQTT 3.1.1 through the classic Paho
// client, matching what small microcontroller stacks use. Both satisfy
// supervisor.Transport and behave the same way:
//
//   - Connect makes exactly one connection attempt. Reconnection is the
//     supervisor's job, so library auto-reconnect is never enabled.
//   - A will message marks the availability topic "offline" if the
//     session dies uncleanly.
//   - After every successful connect a birth message ("online") and the
//     retained Home Assistant discovery configs are published, so the
//     device appears in HA with temperature and humidity entities.
//   - AnnounceOffline publishes "offline" before a graceful shutdown.
package mqtt
