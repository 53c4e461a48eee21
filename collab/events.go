package collab

import (
	"encoding/json"
	"fmt"
)

// wire format for the broker. Every message is one json envelope with the
// topic and the session id on the outside and a topic-specific payload.
// User identities are the authority's user names, not client instance ids.

type Envelope struct {
	Topic     string          `json:"topic"`
	SessionId Id              `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
}

// whole-document replace. There is no version or sequence number on an edit.
// Concurrent edits from two senders resolve purely by delivery order.
type EditEvent struct {
	SessionId Id     `json:"session_id"`
	SenderId  string `json:"sender_id"`
	Text      string `json:"text"`
}

// server authoritative document state. Always wins over local state.
type ResyncResponse struct {
	Applied       bool   `json:"applied"`
	ServerVersion int64  `json:"server_version"`
	UpdatedText   string `json:"updated_text"`
}

// payload of the edits topic. The server either rebroadcasts an edit or
// pushes a resync on the same topic; exactly one side is set.
type EditFrame struct {
	Edit   *EditEvent      `json:"edit,omitempty"`
	Resync *ResyncResponse `json:"resync,omitempty"`
}

type ChatMessage struct {
	SenderId  string `json:"sender_id"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

const (
	PresenceJoined = "joined"
	PresenceLeft   = "left"
)

type PresenceEvent struct {
	Type   string `json:"type"`
	UserId string `json:"user_id"`
}

type LifecycleEvent struct {
	Type    string `json:"type"`
	EndedBy string `json:"ended_by"`
}

type MetaEvent struct {
	Language string `json:"language"`
	SenderId string `json:"sender_id"`
}

type TerminalEvent struct {
	Output    string `json:"output"`
	Timestamp int64  `json:"timestamp"`
}

func NewEnvelope(topic string, sessionId Id, payload any) (*Envelope, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Topic:     topic,
		SessionId: sessionId,
		Payload:   payloadBytes,
	}, nil
}

func EncodeEnvelope(envelope *Envelope) ([]byte, error) {
	return json.Marshal(envelope)
}

func DecodeEnvelope(envelopeBytes []byte) (*Envelope, error) {
	envelope := &Envelope{}
	if err := json.Unmarshal(envelopeBytes, envelope); err != nil {
		return nil, &MalformedMessageError{Err: err}
	}
	switch envelope.Topic {
	case TopicEdits, TopicChat, TopicPresence, TopicMeta, TopicTerminal, TopicEnd:
	default:
		return nil, &MalformedMessageError{Err: fmt.Errorf("unknown topic %q", envelope.Topic)}
	}
	if (envelope.SessionId == Id{}) {
		return nil, &MalformedMessageError{Err: fmt.Errorf("missing session id")}
	}
	return envelope, nil
}

// decodes the payload for the envelope topic
func (self *Envelope) DecodePayload() (any, error) {
	decode := func(v any) (any, error) {
		if err := json.Unmarshal(self.Payload, v); err != nil {
			return nil, &MalformedMessageError{Err: err}
		}
		return v, nil
	}
	switch self.Topic {
	case TopicEdits:
		frame, err := decode(&EditFrame{})
		if err != nil {
			return nil, err
		}
		editFrame := frame.(*EditFrame)
		if editFrame.Edit == nil && editFrame.Resync == nil {
			return nil, &MalformedMessageError{Err: fmt.Errorf("empty edit frame")}
		}
		return editFrame, nil
	case TopicChat:
		return decode(&ChatMessage{})
	case TopicPresence:
		event, err := decode(&PresenceEvent{})
		if err != nil {
			return nil, err
		}
		presence := event.(*PresenceEvent)
		if presence.Type != PresenceJoined && presence.Type != PresenceLeft {
			return nil, &MalformedMessageError{Err: fmt.Errorf("unknown presence type %q", presence.Type)}
		}
		return presence, nil
	case TopicMeta:
		return decode(&MetaEvent{})
	case TopicTerminal:
		return decode(&TerminalEvent{})
	case TopicEnd:
		return decode(&LifecycleEvent{})
	default:
		return nil, &MalformedMessageError{Err: fmt.Errorf("unknown topic %q", self.Topic)}
	}
}
