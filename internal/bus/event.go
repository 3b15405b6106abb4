package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published across the daemon. Subscribers filter by
// namespace prefix, e.g. "store." for all store mutations.
const (
	KindStoreConversation = "store.conversation_changed"
	KindStoreMessage      = "store.message_changed"
	KindStoreTyping       = "store.typing_changed"
	KindStorePresence     = "store.presence_changed"

	KindStreamConnected    = "stream.connected"
	KindStreamDisconnected = "stream.disconnected"
	KindStreamEvent        = "stream.event"

	KindSendQueued = "send.queued"
	KindSendAck    = "send.ack"
	KindSendFailed = "send.failed"

	KindStatusChanged = "conn.status_changed"
)
