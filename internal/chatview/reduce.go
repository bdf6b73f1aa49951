// Package chatview keeps a client's local copy of channel messages in step
// with broker events.
package chatview

import (
	"sort"

	"github.com/Baaaki/chatcore/internal/broker"
	"github.com/Baaaki/chatcore/internal/models"
)

// Reduce applies one message event to list, which is ordered by seq and
// keyed by id. It never mutates list; when nothing changes the input slice
// is returned as is.
//
//   - message.created inserts the message unless its id is already present.
//   - message.updated replaces a known, not yet deleted message.
//   - message.deleted replaces a known message with its tombstone.
//
// Any other event, or a message event for a message outside the list,
// leaves the list untouched.
func Reduce(list []models.Message, ev broker.Event) []models.Message {
	if ev.Message == nil {
		return list
	}
	msg := ev.Message.Redacted()
	idx := indexOf(list, msg)

	switch ev.Type {
	case broker.EventMessageCreated:
		if idx >= 0 {
			return list
		}
		return insert(list, msg)

	case broker.EventMessageUpdated:
		if idx < 0 || list[idx].Deleted || msg.Deleted || msg.EditCount < list[idx].EditCount {
			return list
		}
		return replace(list, idx, msg)

	case broker.EventMessageDeleted:
		if idx < 0 || list[idx].Deleted {
			return list
		}
		msg.Deleted = true
		return replace(list, idx, msg)
	}
	return list
}

func indexOf(list []models.Message, msg models.Message) int {
	for i := range list {
		if list[i].ID == msg.ID {
			return i
		}
	}
	return -1
}

func insert(list []models.Message, msg models.Message) []models.Message {
	at := sort.Search(len(list), func(i int) bool { return list[i].Seq > msg.Seq })
	out := make([]models.Message, 0, len(list)+1)
	out = append(out, list[:at]...)
	out = append(out, msg)
	return append(out, list[at:]...)
}

func replace(list []models.Message, idx int, msg models.Message) []models.Message {
	out := append([]models.Message(nil), list...)
	out[idx] = msg
	return out
}
