package collab

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

// starter documents, keyed by language
var DefaultDocumentTexts = map[string]string{
	"java":       "// Welcome to CollabDebug!\npublic class Main {\n    public static void main(String[] args) {\n        System.out.println(\"Hello, World!\");\n    }\n}",
	"javascript": "// Welcome to CollabDebug!\nconsole.log(\"Hello, World!\");",
	"python":     "# Welcome to CollabDebug!\nprint(\"Hello, World!\")",
}

const DefaultLanguage = "java"

// the session authority, consumed synchronously per call.
// *SessionApi satisfies this.
type SessionAuthority interface {
	JoinSessionSync(sessionId Id) (*JoinSessionResult, error)
	LeaveSessionSync(sessionId Id) (*LeaveSessionResult, error)
	EndSessionSync(sessionId Id, endSession *EndSessionArgs) (*EndSessionResult, error)
	StopExecutionSync(sessionId Id) (*StopExecutionResult, error)
	SubmitExecutionSync(sessionId Id, submitExecution *SubmitExecutionArgs) (*SubmitExecutionResult, error)
	ParticipantsSync(sessionId Id) (*ParticipantsResult, error)
}

// outbound frames. *SessionTransport satisfies this.
type framePublisher interface {
	Send(frameBytes []byte) bool
}

type SessionClientSettings struct {
	TransportSettings *SessionTransportSettings

	PresenceReconcileInterval time.Duration
}

func DefaultSessionClientSettings() *SessionClientSettings {
	return &SessionClientSettings{
		TransportSettings:         DefaultSessionTransportSettings(),
		PresenceReconcileInterval: 30 * time.Second,
	}
}

// immutable snapshot of the local view, published to state change listeners
type SessionState struct {
	SessionId     Id
	OwnerId       string
	CurrentUserId string
	Language      string
	Text          string
	Participants  []string
	Chat          []*ChatMessage
	Terminal      []string
	Lifecycle     LifecycleState
	EndedBy       string
}

type StateChangeListener func(state *SessionState)

// one client instance's view of one session. All inbound deliveries, timer
// callbacks, and mutating operations are serialized onto the router's
// dispatch goroutine, so the document, presence set, and chat log need no
// locking of their own.
type SessionClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	authority SessionAuthority
	brokerUrl string
	auth      *ClientAuth

	settings *SessionClientSettings

	lifecycle *Lifecycle

	// set by Join
	sessionId Id
	ownerId   string
	userId    string
	language  string
	joined    bool

	router    *Router
	transport *SessionTransport
	publisher framePublisher

	document *DocumentSynchronizer
	presence *PresenceTracker
	chat     *ChatLog
	terminal []string

	leaving atomic.Bool

	stateMutex sync.Mutex
	lastState  *SessionState

	stateChangeListeners CallbackList[StateChangeListener]
}

func NewSessionClient(
	ctx context.Context,
	authority SessionAuthority,
	brokerUrl string,
	auth *ClientAuth,
) *SessionClient {
	return NewSessionClientWithSettings(ctx, authority, brokerUrl, auth, DefaultSessionClientSettings())
}

func NewSessionClientWithSettings(
	ctx context.Context,
	authority SessionAuthority,
	brokerUrl string,
	auth *ClientAuth,
	settings *SessionClientSettings,
) *SessionClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SessionClient{
		ctx:       cancelCtx,
		cancel:    cancel,
		authority: authority,
		brokerUrl: brokerUrl,
		auth:      auth,
		settings:  settings,
		lifecycle: NewLifecycle(),
		presence:  NewPresenceTracker(),
		chat:      NewChatLog(),
	}
}

func (self *SessionClient) Lifecycle() *Lifecycle {
	return self.lifecycle
}

func (self *SessionClient) UserId() string {
	return self.userId
}

func (self *SessionClient) AddStateChangeListener(listener StateChangeListener) int {
	return self.stateChangeListeners.Add(listener)
}

func (self *SessionClient) RemoveStateChangeListener(listenerId int) {
	self.stateChangeListeners.Remove(listenerId)
}

// the most recently published snapshot
func (self *SessionClient) State() *SessionState {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.lastState
}

// joins the session: authority snapshot, seed local state, connect the
// transport, register topic handlers, start presence reconciliation.
// A rejection from an already ended session transitions the lifecycle to
// Ended instead of surfacing as a bare request failure.
func (self *SessionClient) Join(sessionId Id) error {
	if err := self.lifecycle.Guard("join"); err != nil {
		return err
	}
	if self.joined {
		// single owner handle, re-entry is a no-op
		glog.V(1).Infof("[c]already joined %s\n", self.sessionId)
		return nil
	}

	result, err := self.authority.JoinSessionSync(sessionId)
	if err != nil {
		return err
	}
	if result.Error != nil {
		if result.Error.EndedBy != "" {
			self.lifecycle.End(result.Error.EndedBy)
			self.chat.AppendSystemNotice("session was ended by %s", result.Error.EndedBy)
			self.notifyLocked()
			return &JoinRejectedError{
				SessionId: sessionId,
				EndedBy:   result.Error.EndedBy,
				Message:   result.Error.Message,
			}
		}
		return &JoinRejectedError{
			SessionId: sessionId,
			Message:   result.Error.Message,
		}
	}

	self.sessionId = sessionId
	self.ownerId = result.OwnerId
	self.userId = result.CurrentUserId
	self.language = result.Language
	if self.language == "" {
		self.language = DefaultLanguage
	}

	self.document = NewDocumentSynchronizer(
		sessionId,
		func() string {
			return self.userId
		},
		self.publish,
	)
	text := result.LatestText
	if text == "" {
		text = DefaultDocumentTexts[self.language]
	}
	self.document.Seed(text)
	self.presence.Reconcile(result.Participants)

	self.router = NewRouter(self.ctx, sessionId)
	self.router.SetTopicHandler(TopicEdits, self.handleEditFrame)
	self.router.SetTopicHandler(TopicChat, self.handleChat)
	self.router.SetTopicHandler(TopicPresence, self.handlePresence)
	self.router.SetTopicHandler(TopicMeta, self.handleMeta)
	self.router.SetTopicHandler(TopicTerminal, self.handleTerminal)
	self.router.SetTopicHandler(TopicEnd, self.handleEnd)

	transport, err := ConnectWithSettings(
		self.ctx,
		self.brokerUrl,
		sessionId,
		self.auth,
		self.lifecycle,
		self.router.HandleFrame,
		self.handleDrop,
		self.settings.TransportSettings,
	)
	if err != nil {
		self.router.Close()
		return err
	}
	self.transport = transport
	self.publisher = transport
	self.joined = true

	go self.runPresenceReconcile()

	glog.Infof("[c]joined %s as %s\n", sessionId, self.userId)
	self.notifyLocked()
	return nil
}

func (self *SessionClient) SetEditorSurface(surface EditorSurface) {
	self.router.PostWait(func() {
		self.document.SetEditorSurface(surface)
	})
}

// overwrites the local buffer immediately and publishes the edit. Does not
// wait for any acknowledgement.
func (self *SessionClient) SubmitEdit(text string) error {
	if err := self.lifecycle.Guard("edit-submit"); err != nil {
		return err
	}
	if !self.joined {
		return fmt.Errorf("not joined")
	}
	var editErr error
	self.router.PostWait(func() {
		editErr = self.document.ApplyLocalEdit(text)
		self.notify()
	})
	return editErr
}

func (self *SessionClient) SubmitChat(text string) error {
	if err := self.lifecycle.Guard("chat-submit"); err != nil {
		return err
	}
	if !self.joined {
		return fmt.Errorf("not joined")
	}
	message := &ChatMessage{
		SenderId:  self.userId,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
	}
	var chatErr error
	self.router.PostWait(func() {
		// append locally first. The broker echo dedupes on the
		// (sender, text, timestamp) triple.
		self.chat.Append(message)
		chatErr = self.publish(TopicChat, message)
		self.notify()
	})
	return chatErr
}

func (self *SessionClient) SetLanguage(language string) error {
	if err := self.lifecycle.Guard("meta-submit"); err != nil {
		return err
	}
	if !self.joined {
		return fmt.Errorf("not joined")
	}
	var metaErr error
	self.router.PostWait(func() {
		if self.language == language {
			return
		}
		// switch the starter document along with the language when the
		// buffer is still the old starter
		if self.document.Text() == DefaultDocumentTexts[self.language] {
			self.document.Seed(DefaultDocumentTexts[language])
		}
		self.language = language
		metaErr = self.publish(TopicMeta, &MetaEvent{
			Language: language,
			SenderId: self.userId,
		})
		self.notify()
	})
	return metaErr
}

// submits the current document for execution. The call is an ack only; the
// output arrives later on the terminal topic.
func (self *SessionClient) SubmitRun() error {
	if err := self.lifecycle.Guard("execution-submit"); err != nil {
		return err
	}
	if !self.joined {
		return fmt.Errorf("not joined")
	}
	var language string
	var code string
	self.router.PostWait(func() {
		language = self.language
		code = self.document.Text()
		self.appendTerminal(fmt.Sprintf("> Running code in %s sandbox...", language))
		self.notify()
	})
	go func() {
		_, err := self.authority.SubmitExecutionSync(self.sessionId, &SubmitExecutionArgs{
			Language: language,
			Code:     code,
		})
		if err != nil {
			// discarded when the client was torn down in the meantime
			self.router.Post(func() {
				self.appendTerminal(fmt.Sprintf("ERROR: %s", err))
				self.notify()
			})
		}
	}()
	return nil
}

func (self *SessionClient) SubmitStop() error {
	if err := self.lifecycle.Guard("stop-execution"); err != nil {
		return err
	}
	if !self.joined {
		return fmt.Errorf("not joined")
	}
	go func() {
		_, err := self.authority.StopExecutionSync(self.sessionId)
		self.router.Post(func() {
			if err != nil {
				self.appendTerminal(fmt.Sprintf("ERROR stopping container: %s", err))
			} else {
				self.appendTerminal(fmt.Sprintf("> Container stopped by %s", self.userId))
			}
			self.notify()
		})
	}()
	return nil
}

// ends the session for all participants. The authority persists the final
// text and broadcasts on the end topic. Owner only.
func (self *SessionClient) End() error {
	if err := self.lifecycle.Guard("end"); err != nil {
		return err
	}
	if !self.joined {
		return fmt.Errorf("not joined")
	}
	if self.userId != self.ownerId {
		return fmt.Errorf("only the owner %s can end the session", self.ownerId)
	}
	var finalText string
	self.router.PostWait(func() {
		finalText = self.document.Text()
	})
	_, err := self.authority.EndSessionSync(self.sessionId, &EndSessionArgs{
		FinalText: finalText,
	})
	if err != nil {
		return err
	}
	self.lifecycle.End(self.userId)
	self.router.PostWait(func() {
		self.chat.AppendSystemNotice("session ended by %s", self.userId)
		self.notify()
	})
	self.Close()
	return nil
}

// leaves this client's participation. Always permitted, irrespective of
// lifecycle state, and does not end the session for other participants.
func (self *SessionClient) Leave() error {
	self.leaving.Store(true)
	defer self.Close()

	if !self.joined {
		return nil
	}
	_, err := self.authority.LeaveSessionSync(self.sessionId)
	if err != nil {
		glog.Infof("[c]leave error = %s\n", err)
		return err
	}
	return nil
}

// tears down the client: stops the reconcile timer, closes the transport
// and the router. Idempotent. In-flight call completions posted after this
// are discarded by the router.
func (self *SessionClient) Close() {
	self.cancel()
	if self.transport != nil {
		self.transport.Close()
	}
	if self.router != nil {
		self.router.Close()
	}
}

func (self *SessionClient) publish(topic string, payload any) error {
	envelope, err := NewEnvelope(topic, self.sessionId, payload)
	if err != nil {
		return err
	}
	frameBytes, err := EncodeEnvelope(envelope)
	if err != nil {
		return err
	}
	if self.publisher == nil {
		return fmt.Errorf("not connected")
	}
	if !self.publisher.Send(frameBytes) {
		return fmt.Errorf("transport send failed")
	}
	return nil
}

// topic handlers below run on the router dispatch goroutine

func (self *SessionClient) handleEditFrame(event any) {
	frame := event.(*EditFrame)
	changed := false
	if frame.Edit != nil {
		changed = self.document.ReceiveRemoteEdit(frame.Edit)
	}
	if frame.Resync != nil {
		if self.document.ReceiveResync(frame.Resync) {
			changed = true
		}
	}
	if changed {
		self.notify()
	}
}

func (self *SessionClient) handleChat(event any) {
	message := event.(*ChatMessage)
	if self.chat.Append(message) {
		self.notify()
	}
}

func (self *SessionClient) handlePresence(event any) {
	presence := event.(*PresenceEvent)
	if self.presence.Receive(presence) {
		switch presence.Type {
		case PresenceJoined:
			self.chat.AppendSystemNotice("%s joined the session", presence.UserId)
		case PresenceLeft:
			self.chat.AppendSystemNotice("%s left the session", presence.UserId)
		}
		self.notify()
	}
}

func (self *SessionClient) handleMeta(event any) {
	meta := event.(*MetaEvent)
	if meta.SenderId == self.userId {
		return
	}
	if self.language != meta.Language {
		self.language = meta.Language
		self.notify()
	}
}

func (self *SessionClient) handleTerminal(event any) {
	terminal := event.(*TerminalEvent)
	self.appendTerminal(terminal.Output)
	self.notify()
}

func (self *SessionClient) handleEnd(event any) {
	end := event.(*LifecycleEvent)
	if self.lifecycle.End(end.EndedBy) {
		self.chat.AppendSystemNotice("session ended by %s", end.EndedBy)
		self.notify()
	}
	// full teardown: stop the reconcile timer, the transport, and the
	// router. No reconnect after this.
	self.Close()
}

// called by the transport after an unexpected drop, before any reconnect
func (self *SessionClient) handleDrop() {
	if self.leaving.Load() {
		// closure with a leave intent outstanding ends this instance
		self.lifecycle.End(self.userId)
		return
	}
	self.router.Post(func() {
		if self.lifecycle.IsEnded() {
			self.chat.AppendSystemNotice("disconnected")
		} else {
			self.chat.AppendSystemNotice("connection lost, reconnecting...")
		}
		self.notify()
	})
}

func (self *SessionClient) runPresenceReconcile() {
	ticker := time.NewTicker(self.settings.PresenceReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
		}
		result, err := self.authority.ParticipantsSync(self.sessionId)
		if err != nil {
			glog.Infof("[c]reconcile error = %s\n", err)
			continue
		}
		// posted results are discarded after teardown
		self.router.Post(func() {
			if self.presence.Reconcile(result.Participants) {
				self.notify()
			}
		})
	}
}

func (self *SessionClient) appendTerminal(line string) {
	self.terminal = append(self.terminal, line)
}

// builds a snapshot and publishes it to the listeners. Must run on the
// dispatch goroutine.
func (self *SessionClient) notify() {
	state := &SessionState{
		SessionId:     self.sessionId,
		OwnerId:       self.ownerId,
		CurrentUserId: self.userId,
		Language:      self.language,
		Participants:  self.presence.Members(),
		Chat:          self.chat.Messages(),
		Terminal:      slices.Clone(self.terminal),
		Lifecycle:     self.lifecycle.State(),
		EndedBy:       self.lifecycle.EndedBy(),
	}
	if self.document != nil {
		state.Text = self.document.Text()
	}

	self.stateMutex.Lock()
	self.lastState = state
	self.stateMutex.Unlock()

	for _, listener := range self.stateChangeListeners.Get() {
		listener(state)
	}
}

// like notify but callable before the router exists
func (self *SessionClient) notifyLocked() {
	if self.router != nil {
		self.router.PostWait(self.notify)
	} else {
		self.notify()
	}
}
