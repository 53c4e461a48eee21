package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestChatAppendAndOrder(t *testing.T) {
	chat := NewChatLog()

	assert.Equal(t, chat.Append(&ChatMessage{SenderId: "a", Text: "one", Timestamp: 1}), true)
	assert.Equal(t, chat.Append(&ChatMessage{SenderId: "b", Text: "two", Timestamp: 2}), true)
	// arrival order, not timestamp order
	assert.Equal(t, chat.Append(&ChatMessage{SenderId: "a", Text: "zero", Timestamp: 0}), true)

	messages := chat.Messages()
	assert.Equal(t, len(messages), 3)
	assert.Equal(t, messages[0].Text, "one")
	assert.Equal(t, messages[1].Text, "two")
	assert.Equal(t, messages[2].Text, "zero")
}

func TestChatDedupe(t *testing.T) {
	chat := NewChatLog()

	chat.Append(&ChatMessage{SenderId: "a", Text: "hello", Timestamp: 10})
	// the broker echoes the sender's own message back
	assert.Equal(t, chat.Append(&ChatMessage{SenderId: "a", Text: "hello", Timestamp: 10}), false)
	assert.Equal(t, chat.Len(), 1)

	// any one differing component is a different message
	assert.Equal(t, chat.Append(&ChatMessage{SenderId: "b", Text: "hello", Timestamp: 10}), true)
	assert.Equal(t, chat.Append(&ChatMessage{SenderId: "a", Text: "hello!", Timestamp: 10}), true)
	assert.Equal(t, chat.Append(&ChatMessage{SenderId: "a", Text: "hello", Timestamp: 11}), true)
	assert.Equal(t, chat.Len(), 4)

	// no two entries share the triple
	seen := map[chatKey]bool{}
	for _, message := range chat.Messages() {
		key := chatKey{message.SenderId, message.Text, message.Timestamp}
		assert.Equal(t, seen[key], false)
		seen[key] = true
	}
}

func TestChatSystemNotice(t *testing.T) {
	chat := NewChatLog()

	assert.Equal(t, chat.AppendSystemNotice("%s joined the session", "alice"), true)
	messages := chat.Messages()
	assert.Equal(t, len(messages), 1)
	assert.Equal(t, messages[0].SenderId, SystemSenderId)
	assert.Equal(t, messages[0].Text, "alice joined the session")
	assert.NotEqual(t, messages[0].Timestamp, int64(0))
}

func TestChatMonotonicLength(t *testing.T) {
	chat := NewChatLog()

	length := 0
	for i := 0; i < 100; i += 1 {
		chat.Append(&ChatMessage{SenderId: "a", Text: "m", Timestamp: int64(i % 10)})
		assert.Equal(t, length <= chat.Len(), true)
		length = chat.Len()
	}
	// 10 distinct timestamps
	assert.Equal(t, chat.Len(), 10)
}
