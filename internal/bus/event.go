package bus

import "time"

// Event kinds published by the messaging core. Subscribers filter by
// namespace prefix, e.g. "transport." or "message.".
const (
	KindTransportAck       = "transport.ack"
	KindTransportBroadcast = "transport.broadcast"
	KindTransportDelivered = "transport.delivered"
	KindTransportRead      = "transport.read"
	KindTransportTyping    = "transport.typing"

	KindConnOnline     = "conn.online"
	KindConnOffline    = "conn.offline"
	KindConnConnecting = "conn.connecting"
	KindConnDegraded   = "conn.degraded"

	KindMessageUpserted   = "message.upserted"
	KindMessageDecrypted  = "message.decrypted"
	KindMessageSendFailed = "message.send_failed"
	KindMessageSendAck    = "message.send_ack"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
