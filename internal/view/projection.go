// Package view derives render-ready snapshots from the store and signals
// the UI layer when they change.
package view

import (
	"context"
	"time"

	"github.com/mentorloop/coachchat/internal/bus"
	"github.com/mentorloop/coachchat/internal/status"
	"github.com/mentorloop/coachchat/internal/store"
)

// HistoryGauge reports whether older history remains for a conversation.
type HistoryGauge interface {
	HasMore(convID string) bool
}

// ConversationRow is one entry of the conversation list, enriched with
// the live presence of the other participants and who is typing right
// now.
type ConversationRow struct {
	store.Conversation
	Presence    map[string]store.PresenceStatus
	TypingUsers []string
}

// Snapshot is the conversation list plus connection state, in render
// order.
type Snapshot struct {
	Conversations []ConversationRow
	Connection    status.State
}

// Thread is one open conversation: its messages oldest-first, who is
// typing right now, and whether older pages remain.
type Thread struct {
	Conversation store.Conversation
	Messages     []store.Message
	TypingUsers  []string
	HasMore      bool
	Connection   status.State
}

// Projection reads the store and exposes coalesced refresh signals: any
// burst of mutations collapses into at most one pending tick.
type Projection struct {
	st      *store.Store
	machine *status.Machine
	gauge   HistoryGauge
	bus     *bus.Bus
	now     func() time.Time

	refreshCh chan struct{}
	cancel    context.CancelFunc
}

// NewProjection creates a projection over the store.
func NewProjection(st *store.Store, m *status.Machine, gauge HistoryGauge, b *bus.Bus) *Projection {
	return &Projection{
		st:        st,
		machine:   m,
		gauge:     gauge,
		bus:       b,
		now:       time.Now,
		refreshCh: make(chan struct{}, 1),
	}
}

// RefreshCh returns the channel that signals the UI to re-read.
func (p *Projection) RefreshCh() <-chan struct{} {
	return p.refreshCh
}

// Start subscribes to store, connection and send events on the bus.
func (p *Projection) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	storeCh, unsubStore := p.bus.Subscribe("store.", 64)
	connCh, unsubConn := p.bus.Subscribe("conn.", 16)
	sendCh, unsubSend := p.bus.Subscribe("send.", 16)

	go func() {
		defer unsubStore()
		defer unsubConn()
		defer unsubSend()
		for {
			select {
			case <-storeCh:
				p.signalRefresh()
			case <-connCh:
				p.signalRefresh()
			case <-sendCh:
				p.signalRefresh()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the bus subscription.
func (p *Projection) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Projection) signalRefresh() {
	select {
	case p.refreshCh <- struct{}{}:
	default:
	}
}

// Snapshot returns the conversation list in render order.
func (p *Projection) Snapshot(includeArchived bool) Snapshot {
	now := p.now()
	convs := p.st.Conversations(includeArchived)
	rows := make([]ConversationRow, 0, len(convs))
	for _, c := range convs {
		rows = append(rows, ConversationRow{
			Conversation: c,
			Presence:     p.presenceOf(c.ParticipantIDs),
			TypingUsers:  p.st.TypingUsers(c.ID, now),
		})
	}
	return Snapshot{
		Conversations: rows,
		Connection:    p.connection(),
	}
}

// Thread returns the open view of one conversation. Expired typing
// indicators are filtered at read time.
func (p *Projection) Thread(convID string) (Thread, bool) {
	c, ok := p.st.Conversation(convID)
	if !ok {
		return Thread{}, false
	}
	hasMore := true
	if p.gauge != nil {
		hasMore = p.gauge.HasMore(convID)
	}
	return Thread{
		Conversation: c,
		Messages:     p.st.Messages(convID),
		TypingUsers:  p.st.TypingUsers(convID, p.now()),
		HasMore:      hasMore,
		Connection:   p.connection(),
	}, true
}

func (p *Projection) connection() status.State {
	if p.machine == nil {
		return status.Booting
	}
	return p.machine.Current()
}

func (p *Projection) presenceOf(participantIDs []string) map[string]store.PresenceStatus {
	var out map[string]store.PresenceStatus
	for _, id := range participantIDs {
		if id == p.st.SelfID() {
			continue
		}
		ps, ok := p.st.Presence(id)
		if !ok {
			continue
		}
		if out == nil {
			out = make(map[string]store.PresenceStatus)
		}
		out[id] = ps.Status
	}
	return out
}
