package collab

import (
	"github.com/golang/glog"
)

// imperative handle on the text editing surface. Editor content must update
// synchronously with receipt of a remote edit or resync, separate from the
// general state-change notification, which may run asynchronously.
type EditorSurface interface {
	SetContent(text string)
}

// owns the shared text buffer. There is no merge and no diff: the buffer
// always equals the text of the most recently applied edit or resync, never
// a combination of two. Edits carry no sequence number, so concurrent edits
// from two non-self senders resolve purely by delivery order. The server
// resync is the only authoritative override.
type DocumentSynchronizer struct {
	sessionId Id

	// the local identity for the self-echo filter. Read at delivery time
	// because the cached identity can update asynchronously relative to
	// subscription setup.
	localUserId func() string

	publish func(topic string, payload any) error

	text    string
	surface EditorSurface
}

func NewDocumentSynchronizer(
	sessionId Id,
	localUserId func() string,
	publish func(topic string, payload any) error,
) *DocumentSynchronizer {
	return &DocumentSynchronizer{
		sessionId:   sessionId,
		localUserId: localUserId,
		publish:     publish,
	}
}

func (self *DocumentSynchronizer) Text() string {
	return self.text
}

// seeds the buffer without publishing, e.g. from the join snapshot
func (self *DocumentSynchronizer) Seed(text string) {
	self.text = text
}

func (self *DocumentSynchronizer) SetEditorSurface(surface EditorSurface) {
	self.surface = surface
}

// optimistically overwrites the local buffer and publishes the edit tagged
// with the local identity. Does not wait for delivery confirmation.
func (self *DocumentSynchronizer) ApplyLocalEdit(text string) error {
	self.text = text
	event := &EditEvent{
		SessionId: self.sessionId,
		SenderId:  self.localUserId(),
		Text:      text,
	}
	if err := self.publish(TopicEdits, event); err != nil {
		glog.Infof("[d]publish edit error = %s\n", err)
		return err
	}
	glog.V(2).Infof("[d]local edit %d bytes\n", len(text))
	return nil
}

// overwrites the buffer wholesale with the event text unless the event is a
// self echo. The most recently delivered remote edit wins over whatever the
// buffer holds, including a not-yet-acknowledged local edit.
func (self *DocumentSynchronizer) ReceiveRemoteEdit(event *EditEvent) bool {
	if event.SenderId == self.localUserId() {
		glog.V(2).Infof("[d]self echo from %s\n", event.SenderId)
		return false
	}
	self.text = event.Text
	if self.surface != nil {
		self.surface.SetContent(event.Text)
	}
	glog.V(2).Infof("[d]remote edit from %s\n", event.SenderId)
	return true
}

// applies a server resync. When applied is false the server state supersedes
// any local state, even a newer local edit still in flight.
func (self *DocumentSynchronizer) ReceiveResync(response *ResyncResponse) bool {
	if response.Applied {
		return false
	}
	self.text = response.UpdatedText
	if self.surface != nil {
		self.surface.SetContent(response.UpdatedText)
	}
	glog.Infof("[d]resync to server version %d\n", response.ServerVersion)
	return true
}
