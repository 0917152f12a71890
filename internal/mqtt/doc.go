// Package mqtt is the broker protocol codec for the device session. It
// runs the MQTT v5 handshake over a transport the session manager has
// already dialed, using Eclipse Paho v2's low-level [paho] client rather
// than autopaho: reconnection and backoff belong to the session manager,
// so this package never redials on its own.
//
// On connect it asks for a clean or resumed session, requests a session
// expiry so the broker keeps subscriptions and in-flight messages across
// short outages, and subscribes to the configured topic filters unless
// the broker reports it still holds them. Inbound messages are rate
// limited and buffered until the session loop collects them with
// [Conn.Process].
package mqtt
