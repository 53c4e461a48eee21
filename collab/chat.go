package collab

import (
	"fmt"
	"time"

	"golang.org/x/exp/slices"
)

// sender id for locally synthesized notices
const SystemSenderId = "system"

// append-only message history ordered by local arrival, not by any global
// causal order. Existing entries are never reordered. Incoming messages are
// deduplicated on the (sender, text, timestamp) triple before appending.
type ChatLog struct {
	messages []*ChatMessage

	// comparable dedupe key
	seen map[chatKey]bool
}

type chatKey struct {
	senderId  string
	text      string
	timestamp int64
}

func NewChatLog() *ChatLog {
	return &ChatLog{
		seen: map[chatKey]bool{},
	}
}

func (self *ChatLog) Len() int {
	return len(self.messages)
}

func (self *ChatLog) Messages() []*ChatMessage {
	return slices.Clone(self.messages)
}

// appends unless the (sender, text, timestamp) triple was already appended.
// Returns whether the log changed.
func (self *ChatLog) Append(message *ChatMessage) bool {
	key := chatKey{
		senderId:  message.SenderId,
		text:      message.Text,
		timestamp: message.Timestamp,
	}
	if self.seen[key] {
		return false
	}
	self.seen[key] = true
	self.messages = append(self.messages, message)
	return true
}

// locally synthesized notice (join/leave/session ended/disconnect). Uses the
// same storage and ordering as transport-delivered messages, no round trip.
func (self *ChatLog) AppendSystemNotice(format string, a ...any) bool {
	return self.Append(&ChatMessage{
		SenderId:  SystemSenderId,
		Text:      fmt.Sprintf(format, a...),
		Timestamp: time.Now().UnixMilli(),
	})
}
