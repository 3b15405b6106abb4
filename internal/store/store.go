package store

import (
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mentorloop/coachchat/internal/bus"
	"go.uber.org/zap"
)

// defaultReconcileWindow bounds the content-equality fallback used to match
// a server echo against a pending local send when no idempotency key is
// echoed back.
const defaultReconcileWindow = 10 * time.Second

// defaultTypingTTL is applied to typing events that arrive without an
// explicit expiry.
const defaultTypingTTL = 5 * time.Second

// Store is the in-memory authority for conversations, messages, typing and
// presence. All mutations serialize through one mutex and publish a change
// notification on the bus; no other component holds a mutable copy.
type Store struct {
	mu     sync.RWMutex
	selfID string
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time

	conversations map[string]*Conversation
	messages      map[string][]*Message // sorted by (CreatedAt, ID)
	byServerID    map[string]string     // server id -> local message id
	unconfirmed   map[string]*Message   // client id -> pending/failed local send
	typing        map[string]map[string]TypingIndicator
	presence      map[string]PresenceState

	reconcileWindow time.Duration
}

// New creates an empty store for the given viewing user.
func New(selfID string, b *bus.Bus, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		selfID:          selfID,
		bus:             b,
		logger:          logger,
		now:             time.Now,
		conversations:   make(map[string]*Conversation),
		messages:        make(map[string][]*Message),
		byServerID:      make(map[string]string),
		unconfirmed:     make(map[string]*Message),
		typing:          make(map[string]map[string]TypingIndicator),
		presence:        make(map[string]PresenceState),
		reconcileWindow: defaultReconcileWindow,
	}
}

// SelfID returns the viewing user's id.
func (s *Store) SelfID() string { return s.selfID }

func (s *Store) publish(kind, convID, msgID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(kind, map[string]string{"conversation_id": convID, "message_id": msgID})
}

// Seed warms the store from the offline cache at boot. Unacknowledged local
// sends (pending/failed) are re-indexed so a later ack or retry still finds
// them.
func (s *Store) Seed(convs []Conversation, msgs []Message) {
	s.mu.Lock()
	for i := range convs {
		c := convs[i]
		s.conversations[c.ID] = &c
	}
	for i := range msgs {
		m := msgs[i]
		s.insertLocked(&m)
	}
	s.mu.Unlock()
	s.publish(bus.KindStoreConversation, "", "")
}

// Conversations returns all known conversations ordered by last activity,
// newest first. Archived conversations are excluded unless requested.
func (s *Store) Conversations(includeArchived bool) []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		if c.Archived && !includeArchived {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivityAt != out[j].LastActivityAt {
			return out[i].LastActivityAt > out[j].LastActivityAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Conversation returns a single conversation by id.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, false
	}
	return *c, true
}

// Messages returns the messages of a conversation ordered by (CreatedAt, ID).
func (s *Store) Messages(convID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[convID]
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = *m
	}
	return out
}

// OldestMessage returns the oldest cached message of a conversation, used as
// the backward pagination boundary.
func (s *Store) OldestMessage(convID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[convID]
	if len(msgs) == 0 {
		return Message{}, false
	}
	return *msgs[0], true
}

// Unconfirmed returns a local send that has not been confirmed by the
// server yet (pending or failed), by client id.
func (s *Store) Unconfirmed(clientID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.unconfirmed[clientID]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// ApplyOptimisticSend inserts a pending message authored by the viewing
// user and bumps the conversation immediately. Returns the client id used
// as idempotency key for the outbound request.
func (s *Store) ApplyOptimisticSend(convID string, d Draft) string {
	clientID := uuid.NewString()
	nowMs := s.now().UnixMilli()

	s.mu.Lock()
	m := &Message{
		ID:             clientID,
		ConversationID: convID,
		SenderID:       s.selfID,
		Content:        d.Content,
		AttachmentRef:  d.AttachmentRef,
		CreatedAt:      nowMs,
		DeliveryState:  DeliveryPending,
	}
	s.insertLocked(m)
	s.bumpConversationLocked(convID, m, false)
	s.mu.Unlock()

	s.publish(bus.KindStoreMessage, convID, clientID)
	s.publish(bus.KindStoreConversation, convID, "")
	return clientID
}

// ReconcileSend resolves an optimistic send with the outcome of its
// outbound request. On success the pending entry becomes sent and carries
// the server id; on failure it becomes failed but stays visible for retry.
func (s *Store) ReconcileSend(clientID string, out SendOutcome) {
	s.mu.Lock()
	m, ok := s.unconfirmed[clientID]
	if !ok {
		// The server echo on the stream may have confirmed this send
		// before the request round-trip finished.
		s.mu.Unlock()
		s.logger.Debug("reconcile for already-confirmed send", zap.String("client_id", clientID))
		return
	}
	if out.OK {
		m.ServerID = out.ServerID
		if out.CreatedAt > 0 {
			m.CreatedAt = out.CreatedAt
		}
		if m.DeliveryState != DeliveryDelivered {
			m.DeliveryState = DeliverySent
		}
		if out.ServerID != "" {
			s.byServerID[out.ServerID] = m.ID
		}
		delete(s.unconfirmed, clientID)
		s.resortLocked(m.ConversationID)
	} else {
		m.DeliveryState = DeliveryFailed
	}
	convID := m.ConversationID
	s.mu.Unlock()

	s.publish(bus.KindStoreMessage, convID, clientID)
}

// MarkPending flips a failed send back to pending for a manual retry.
func (s *Store) MarkPending(clientID string) bool {
	s.mu.Lock()
	m, ok := s.unconfirmed[clientID]
	var convID string
	if ok {
		m.DeliveryState = DeliveryPending
		convID = m.ConversationID
	}
	s.mu.Unlock()
	if ok {
		s.publish(bus.KindStoreMessage, convID, clientID)
	}
	return ok
}

// MarkRead zeroes the unread count and returns the prior value so a failed
// server round-trip can compensate with RestoreUnread.
func (s *Store) MarkRead(convID string) int {
	s.mu.Lock()
	c, ok := s.conversations[convID]
	prev := 0
	if ok {
		prev = c.UnreadCount
		c.UnreadCount = 0
	}
	s.mu.Unlock()
	if ok {
		s.publish(bus.KindStoreConversation, convID, "")
	}
	return prev
}

// RestoreUnread reinstates an unread count after a failed mark-read.
func (s *Store) RestoreUnread(convID string, count int) {
	s.mu.Lock()
	c, ok := s.conversations[convID]
	if ok {
		c.UnreadCount = count
	}
	s.mu.Unlock()
	if ok {
		s.publish(bus.KindStoreConversation, convID, "")
	}
}

// UpsertConversation inserts or merges a conversation record.
func (s *Store) UpsertConversation(c Conversation) {
	s.mu.Lock()
	s.upsertConversationLocked(c)
	s.mu.Unlock()
	s.publish(bus.KindStoreConversation, c.ID, "")
}

// RekeyConversation replaces a temporary client-side conversation id with
// the server-assigned one once creation is acknowledged.
func (s *Store) RekeyConversation(tempID, serverID string) bool {
	s.mu.Lock()
	c, ok := s.conversations[tempID]
	if !ok || tempID == serverID {
		s.mu.Unlock()
		return ok
	}
	delete(s.conversations, tempID)
	c.ID = serverID
	s.conversations[serverID] = c

	msgs := s.messages[tempID]
	delete(s.messages, tempID)
	for _, m := range msgs {
		m.ConversationID = serverID
	}
	s.messages[serverID] = msgs

	if ty, ok := s.typing[tempID]; ok {
		delete(s.typing, tempID)
		s.typing[serverID] = ty
	}
	s.mu.Unlock()

	s.publish(bus.KindStoreConversation, serverID, "")
	return true
}

// InsertHistory adds an older page of messages to a conversation, skipping
// any already cached. Returns the number actually appended. History never
// touches unread counts or last-activity ordering.
func (s *Store) InsertHistory(convID string, msgs []Message) int {
	s.mu.Lock()
	added := 0
	for i := range msgs {
		m := msgs[i]
		if m.ID == "" {
			m.ID = m.ServerID
		}
		if s.knownLocked(convID, &m) {
			continue
		}
		if m.DeliveryState == "" {
			m.DeliveryState = DeliveryDelivered
		}
		s.insertLocked(&m)
		added++
	}
	s.mu.Unlock()
	if added > 0 {
		s.publish(bus.KindStoreMessage, convID, "")
	}
	return added
}

// ApplyEvent applies one remote event to the store. Duplicate or stale
// events are absorbed and logged; application is idempotent so redelivery
// and reordering on the transport cannot corrupt state.
func (s *Store) ApplyEvent(ev Event) {
	switch e := ev.(type) {
	case NewMessage:
		s.applyNewMessage(e)
	case MessageUpdated:
		s.applyMessageUpdated(e)
	case TypingChanged:
		s.applyTyping(e)
	case PresenceChanged:
		s.applyPresence(e)
	case ConversationUpdated:
		s.applyConversationUpdated(e)
	default:
		s.logger.Warn("unknown store event", zap.String("kind", ev.eventKind()))
	}
}

func (s *Store) applyNewMessage(e NewMessage) {
	m := e.Message
	if m.ID == "" {
		m.ID = m.ServerID
	}
	if m.ServerID == "" || m.ConversationID == "" {
		s.logger.Warn("dropping malformed message event",
			zap.String("server_id", m.ServerID),
			zap.String("conversation_id", m.ConversationID))
		return
	}

	s.mu.Lock()
	if localID, ok := s.byServerID[m.ServerID]; ok {
		// Redelivery of a message we already hold: refresh content only.
		if cur := s.findLocked(m.ConversationID, localID); cur != nil {
			cur.Content = m.Content
			s.mu.Unlock()
			s.logger.Debug("duplicate message event absorbed", zap.String("server_id", m.ServerID))
			s.publish(bus.KindStoreMessage, m.ConversationID, localID)
			return
		}
		s.mu.Unlock()
		return
	}

	if pending := s.matchPendingLocked(e); pending != nil {
		// Authoritative echo of a local send: replace in place, never append.
		pending.ServerID = m.ServerID
		pending.Content = m.Content
		if m.CreatedAt > 0 {
			pending.CreatedAt = m.CreatedAt
		}
		if pending.DeliveryState != DeliveryDelivered {
			pending.DeliveryState = DeliverySent
		}
		s.byServerID[m.ServerID] = pending.ID
		delete(s.unconfirmed, pending.ID)
		s.resortLocked(pending.ConversationID)
		convID, msgID := pending.ConversationID, pending.ID
		s.mu.Unlock()
		s.publish(bus.KindStoreMessage, convID, msgID)
		return
	}

	if m.DeliveryState == "" {
		if m.SenderID == s.selfID {
			m.DeliveryState = DeliverySent
		} else {
			m.DeliveryState = DeliveryDelivered
		}
	}
	s.insertLocked(&m)
	s.bumpConversationLocked(m.ConversationID, &m, m.SenderID != s.selfID)
	s.mu.Unlock()

	s.publish(bus.KindStoreMessage, m.ConversationID, m.ID)
	s.publish(bus.KindStoreConversation, m.ConversationID, "")
}

// matchPendingLocked finds the pending local send a server echo corresponds
// to: first by the echoed idempotency key, then by the
// conversation+sender+content heuristic inside the reconcile window.
func (s *Store) matchPendingLocked(e NewMessage) *Message {
	if e.ClientID != "" {
		if p, ok := s.unconfirmed[e.ClientID]; ok {
			return p
		}
		return nil
	}
	if e.Message.SenderID != s.selfID {
		return nil
	}
	windowMs := s.reconcileWindow.Milliseconds()
	for _, p := range s.unconfirmed {
		if p.ConversationID != e.Message.ConversationID || p.Content != e.Message.Content {
			continue
		}
		delta := e.Message.CreatedAt - p.CreatedAt
		if delta < 0 {
			delta = -delta
		}
		if delta <= windowMs {
			return p
		}
	}
	return nil
}

func (s *Store) applyMessageUpdated(e MessageUpdated) {
	s.mu.Lock()
	localID, ok := s.byServerID[e.ServerID]
	if !ok {
		s.mu.Unlock()
		s.logger.Debug("update for unknown message ignored", zap.String("server_id", e.ServerID))
		return
	}
	m := s.findLocked(e.ConversationID, localID)
	if m == nil {
		s.mu.Unlock()
		return
	}
	if e.Content != "" {
		m.Content = e.Content
	}
	if e.DeliveryState != "" && !(m.DeliveryState == DeliveryDelivered && e.DeliveryState == DeliverySent) {
		m.DeliveryState = e.DeliveryState
	}
	if e.Deleted {
		m.Deleted = true
	}
	s.mu.Unlock()
	s.publish(bus.KindStoreMessage, e.ConversationID, localID)
}

func (s *Store) applyTyping(e TypingChanged) {
	if e.UserID == s.selfID {
		return
	}
	s.mu.Lock()
	if e.IsTyping {
		expires := e.ExpiresAt
		if expires == 0 {
			expires = s.now().Add(defaultTypingTTL).UnixMilli()
		}
		byUser := s.typing[e.ConversationID]
		if byUser == nil {
			byUser = make(map[string]TypingIndicator)
			s.typing[e.ConversationID] = byUser
		}
		byUser[e.UserID] = TypingIndicator{
			ConversationID: e.ConversationID,
			UserID:         e.UserID,
			ExpiresAt:      expires,
		}
	} else {
		delete(s.typing[e.ConversationID], e.UserID)
	}
	s.mu.Unlock()
	s.publish(bus.KindStoreTyping, e.ConversationID, "")
}

func (s *Store) applyPresence(e PresenceChanged) {
	s.mu.Lock()
	s.presence[e.UserID] = PresenceState{
		UserID:     e.UserID,
		Status:     e.Status,
		LastSeenAt: e.LastSeenAt,
	}
	s.mu.Unlock()
	s.publish(bus.KindStorePresence, "", "")
}

func (s *Store) applyConversationUpdated(e ConversationUpdated) {
	s.mu.Lock()
	s.upsertConversationLocked(e.Conversation)
	s.mu.Unlock()
	s.publish(bus.KindStoreConversation, e.Conversation.ID, "")
}

// TypingUsers returns the ids of users typing in a conversation whose
// indicator has not expired as of the given instant. Expired entries are
// invisible here even before the sweeper removes them.
func (s *Store) TypingUsers(convID string, at time.Time) []string {
	atMs := at.UnixMilli()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var users []string
	for _, ind := range s.typing[convID] {
		if ind.ExpiresAt > atMs {
			users = append(users, ind.UserID)
		}
	}
	sort.Strings(users)
	return users
}

// Presence returns the last known presence of a user.
func (s *Store) Presence(userID string) (PresenceState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.presence[userID]
	return p, ok
}

// SweepTyping garbage-collects expired typing indicators. Returns the
// number removed.
func (s *Store) SweepTyping(at time.Time) int {
	atMs := at.UnixMilli()
	s.mu.Lock()
	removed := 0
	for convID, byUser := range s.typing {
		for userID, ind := range byUser {
			if ind.ExpiresAt <= atMs {
				delete(byUser, userID)
				removed++
			}
		}
		if len(byUser) == 0 {
			delete(s.typing, convID)
		}
	}
	s.mu.Unlock()
	if removed > 0 {
		s.publish(bus.KindStoreTyping, "", "")
	}
	return removed
}

func (s *Store) upsertConversationLocked(c Conversation) {
	cur, ok := s.conversations[c.ID]
	if !ok {
		cp := c
		s.conversations[c.ID] = &cp
		return
	}
	if len(c.ParticipantIDs) > 0 {
		cur.ParticipantIDs = c.ParticipantIDs
	}
	cur.Archived = c.Archived
	cur.UnreadCount = c.UnreadCount
	if c.LastActivityAt > cur.LastActivityAt {
		cur.LastActivityAt = c.LastActivityAt
		if c.LastMessagePreview != "" {
			cur.LastMessagePreview = c.LastMessagePreview
		}
	}
}

// bumpConversationLocked refreshes preview, activity and unread count after
// a new message. The conversation is created on first sight.
func (s *Store) bumpConversationLocked(convID string, m *Message, countUnread bool) {
	c, ok := s.conversations[convID]
	if !ok {
		c = &Conversation{ID: convID}
		s.conversations[convID] = c
	}
	if m.CreatedAt >= c.LastActivityAt {
		c.LastActivityAt = m.CreatedAt
		c.LastMessagePreview = preview(m.Content)
	}
	if countUnread {
		c.UnreadCount++
	}
}

func (s *Store) insertLocked(m *Message) {
	msgs := s.messages[m.ConversationID]
	i := sort.Search(len(msgs), func(i int) bool {
		if msgs[i].CreatedAt != m.CreatedAt {
			return msgs[i].CreatedAt > m.CreatedAt
		}
		return msgs[i].ID > m.ID
	})
	msgs = append(msgs, nil)
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = m
	s.messages[m.ConversationID] = msgs

	if m.ServerID != "" {
		s.byServerID[m.ServerID] = m.ID
	}
	if m.SenderID == s.selfID && (m.DeliveryState == DeliveryPending || m.DeliveryState == DeliveryFailed) {
		s.unconfirmed[m.ID] = m
	}
}

func (s *Store) resortLocked(convID string) {
	msgs := s.messages[convID]
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt != msgs[j].CreatedAt {
			return msgs[i].CreatedAt < msgs[j].CreatedAt
		}
		return msgs[i].ID < msgs[j].ID
	})
}

func (s *Store) findLocked(convID, id string) *Message {
	if convID != "" {
		for _, m := range s.messages[convID] {
			if m.ID == id {
				return m
			}
		}
		return nil
	}
	for _, msgs := range s.messages {
		for _, m := range msgs {
			if m.ID == id {
				return m
			}
		}
	}
	return nil
}

func (s *Store) knownLocked(convID string, m *Message) bool {
	if m.ServerID != "" {
		if _, ok := s.byServerID[m.ServerID]; ok {
			return true
		}
	}
	return s.findLocked(convID, m.ID) != nil
}

func preview(content string) string {
	const maxLen = 100
	if len(content) <= maxLen {
		return content
	}
	// Truncate on a rune boundary so multi-byte text stays valid UTF-8.
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut]
}
