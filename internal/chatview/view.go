package chatview

import (
	"sort"
	"sync"

	"github.com/Baaaki/chatcore/internal/broker"
	"github.com/Baaaki/chatcore/internal/models"
	"github.com/google/uuid"
)

// Rollback undoes one optimistic delete.
type Rollback struct {
	channelID string
	messageID uuid.UUID
}

func (r Rollback) MessageID() uuid.UUID { return r.messageID }

type channelView struct {
	lastSeq   int64
	messages  []models.Message
	reactions map[uuid.UUID]map[string]int64
	hidden    map[uuid.UUID]struct{}
}

func newChannelView() *channelView {
	return &channelView{
		reactions: make(map[uuid.UUID]map[string]int64),
		hidden:    make(map[uuid.UUID]struct{}),
	}
}

// View is the local, event-sourced message list for the channels a client
// is subscribed to. It is safe for concurrent use.
type View struct {
	mu       sync.Mutex
	channels map[string]*channelView
}

func New() *View {
	return &View{channels: make(map[string]*channelView)}
}

func (v *View) channel(channelID string) *channelView {
	channelID = models.NormalizeChannel(channelID)
	cv, ok := v.channels[channelID]
	if !ok {
		cv = newChannelView()
		v.channels[channelID] = cv
	}
	return cv
}

// Apply folds a broker event into the view and reports whether it was
// applied. Events whose seq is not above the last applied seq of their
// channel are duplicates and are ignored. Global events are not part of
// any message list.
func (v *View) Apply(ev broker.Event) bool {
	if ev.ChannelID == "" {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	cv := v.channel(ev.ChannelID)
	if ev.Seq <= cv.lastSeq {
		return false
	}
	cv.lastSeq = ev.Seq

	switch ev.Type {
	case broker.EventMessageCreated, broker.EventMessageUpdated, broker.EventMessageDeleted:
		cv.messages = Reduce(cv.messages, ev)
		if ev.Type == broker.EventMessageDeleted && ev.Message != nil {
			// the server confirmed the delete
			delete(cv.hidden, ev.Message.ID)
			delete(cv.reactions, ev.Message.ID)
		}

	case broker.EventReactionChanged:
		if ev.Reaction == nil {
			break
		}
		counts := cv.reactions[ev.Reaction.MessageID]
		if counts == nil {
			counts = make(map[string]int64)
			cv.reactions[ev.Reaction.MessageID] = counts
		}
		if ev.Reaction.Count <= 0 {
			delete(counts, ev.Reaction.Emoji)
		} else {
			counts[ev.Reaction.Emoji] = ev.Reaction.Count
		}
	}
	return true
}

// Messages returns the visible messages of a channel in seq order.
// Optimistically deleted messages are left out; confirmed deletes stay as
// tombstones.
func (v *View) Messages(channelID string) []models.Message {
	v.mu.Lock()
	defer v.mu.Unlock()

	cv := v.channel(channelID)
	out := make([]models.Message, 0, len(cv.messages))
	for _, msg := range cv.messages {
		if _, hidden := cv.hidden[msg.ID]; hidden {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// Reactions returns emoji counts for a message.
func (v *View) Reactions(channelID string, messageID uuid.UUID) map[string]int64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make(map[string]int64)
	for emoji, n := range v.channel(channelID).reactions[messageID] {
		out[emoji] = n
	}
	return out
}

// DeleteOptimistic hides a message before the server has confirmed the
// delete. It returns false when the message is unknown or already deleted.
func (v *View) DeleteOptimistic(channelID string, messageID uuid.UUID) (Rollback, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	cv := v.channel(channelID)
	for _, msg := range cv.messages {
		if msg.ID != messageID {
			continue
		}
		if msg.Deleted {
			return Rollback{}, false
		}
		cv.hidden[messageID] = struct{}{}
		return Rollback{channelID: models.NormalizeChannel(channelID), messageID: messageID}, true
	}
	return Rollback{}, false
}

// Undo makes an optimistically deleted message visible again. It is a
// no-op once the delete has been confirmed or reconciled away.
func (v *View) Undo(rb Rollback) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if cv, ok := v.channels[rb.channelID]; ok {
		delete(cv.hidden, rb.messageID)
	}
}

// Reconcile replaces a channel's messages with an authoritative page, for
// instance after a rejected delete. Pending optimistic deletes are dropped;
// the dedupe position is kept so already seen events stay ignored.
func (v *View) Reconcile(channelID string, page []models.Message) {
	msgs := make([]models.Message, len(page))
	for i, msg := range page {
		msgs[i] = msg.Redacted()
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Seq < msgs[j].Seq })

	v.mu.Lock()
	defer v.mu.Unlock()

	cv := v.channel(channelID)
	cv.messages = msgs
	cv.hidden = make(map[uuid.UUID]struct{})
}

// Reset forgets a channel entirely. Broker seqs are assigned per node, so
// a client that reconnects resets the channel before loading a fresh page.
func (v *View) Reset(channelID string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	delete(v.channels, models.NormalizeChannel(channelID))
}

// LastSeq is the seq of the last event applied to the channel.
func (v *View) LastSeq(channelID string) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.channel(channelID).lastSeq
}
