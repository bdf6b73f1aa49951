package testutil

import (
	"context"
	"sync"

	"github.com/Baaaki/chatcore/internal/broker"
)

// RecordingPublisher captures published events instead of fanning them out.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []broker.Event
	seq    map[string]int64
	// Err, when set, is returned by every publish after recording the event.
	Err error
}

func NewRecordingPublisher() *RecordingPublisher {
	return &RecordingPublisher{seq: make(map[string]int64)}
}

func (p *RecordingPublisher) Publish(_ context.Context, channelID string, ev broker.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq[channelID]++
	ev.ChannelID = channelID
	ev.Seq = p.seq[channelID]
	p.events = append(p.events, ev)
	return p.Err
}

func (p *RecordingPublisher) PublishGlobal(_ context.Context, ev broker.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq[""]++
	ev.ChannelID = ""
	ev.Seq = p.seq[""]
	p.events = append(p.events, ev)
	return p.Err
}

// Events returns a copy of everything published so far.
func (p *RecordingPublisher) Events() []broker.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]broker.Event(nil), p.events...)
}

// OfType returns published events of one type, in publish order.
func (p *RecordingPublisher) OfType(t broker.EventType) []broker.Event {
	var out []broker.Event
	for _, ev := range p.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (p *RecordingPublisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}
