package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type testAuthority struct {
	mutex sync.Mutex

	joinResult   *JoinSessionResult
	joinErr      error
	participants []string

	calls map[string]int
}

func newTestAuthority(joinResult *JoinSessionResult) *testAuthority {
	return &testAuthority{
		joinResult: joinResult,
		calls:      map[string]int{},
	}
}

func (self *testAuthority) called(name string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.calls[name] += 1
}

func (self *testAuthority) callCount(name string) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.calls[name]
}

func (self *testAuthority) setParticipants(participants []string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.participants = participants
}

func (self *testAuthority) JoinSessionSync(sessionId Id) (*JoinSessionResult, error) {
	self.called("join")
	return self.joinResult, self.joinErr
}

func (self *testAuthority) LeaveSessionSync(sessionId Id) (*LeaveSessionResult, error) {
	self.called("leave")
	return &LeaveSessionResult{}, nil
}

func (self *testAuthority) EndSessionSync(sessionId Id, endSession *EndSessionArgs) (*EndSessionResult, error) {
	self.called("end")
	return &EndSessionResult{}, nil
}

func (self *testAuthority) StopExecutionSync(sessionId Id) (*StopExecutionResult, error) {
	self.called("stop")
	return &StopExecutionResult{}, nil
}

func (self *testAuthority) SubmitExecutionSync(sessionId Id, submitExecution *SubmitExecutionArgs) (*SubmitExecutionResult, error) {
	self.called("run")
	return &SubmitExecutionResult{}, nil
}

// fails until participants are set, so tests control when reconciliation
// starts taking effect
func (self *testAuthority) ParticipantsSync(sessionId Id) (*ParticipantsResult, error) {
	self.called("participants")
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.participants == nil {
		return nil, fmt.Errorf("unavailable")
	}
	return &ParticipantsResult{Participants: self.participants}, nil
}

type testPublisher struct {
	mutex  sync.Mutex
	frames [][]byte
}

func (self *testPublisher) Send(frameBytes []byte) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.frames = append(self.frames, frameBytes)
	return true
}

func (self *testPublisher) frameCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.frames)
}

// the broker url is unroutable. The transport retries in the background;
// outbound frames are captured by swapping in a test publisher.
func newTestClient(t *testing.T, authority *testAuthority, settings *SessionClientSettings) (*SessionClient, Id, *testPublisher) {
	t.Helper()
	sessionId := NewId()
	auth := &ClientAuth{
		ByJwt:      "test-jwt",
		InstanceId: NewId(),
	}
	if settings == nil {
		settings = DefaultSessionClientSettings()
	}
	client := NewSessionClientWithSettings(
		context.Background(),
		authority,
		"ws://127.0.0.1:9",
		auth,
		settings,
	)
	t.Cleanup(client.Close)

	err := client.Join(sessionId)
	assert.Equal(t, err, nil)

	publisher := &testPublisher{}
	client.router.PostWait(func() {
		client.publisher = publisher
	})
	return client, sessionId, publisher
}

func snapshotJoinResult() *JoinSessionResult {
	return &JoinSessionResult{
		OwnerId:       "alice",
		CurrentUserId: "bob",
		Participants:  []string{"alice", "bob"},
		Language:      "python",
		LatestText:    "print(1)",
	}
}

func TestClientJoinSeedsState(t *testing.T) {
	authority := newTestAuthority(snapshotJoinResult())
	client, _, _ := newTestClient(t, authority, nil)

	state := client.State()
	assert.Equal(t, state.OwnerId, "alice")
	assert.Equal(t, state.CurrentUserId, "bob")
	assert.Equal(t, state.Language, "python")
	assert.Equal(t, state.Text, "print(1)")
	assert.Equal(t, state.Participants, []string{"alice", "bob"})
	assert.Equal(t, state.Lifecycle, LifecycleActive)

	// re-entrant join is a no-op
	err := client.Join(NewId())
	assert.Equal(t, err, nil)
	assert.Equal(t, authority.callCount("join"), 1)
}

func TestClientJoinSeedsDefaultDocument(t *testing.T) {
	authority := newTestAuthority(&JoinSessionResult{
		OwnerId:       "alice",
		CurrentUserId: "bob",
	})
	client, _, _ := newTestClient(t, authority, nil)

	state := client.State()
	assert.Equal(t, state.Language, DefaultLanguage)
	assert.Equal(t, state.Text, DefaultDocumentTexts[DefaultLanguage])
}

func TestClientJoinAuthMissing(t *testing.T) {
	authority := newTestAuthority(snapshotJoinResult())
	client := NewSessionClient(
		context.Background(),
		authority,
		"ws://127.0.0.1:9",
		&ClientAuth{},
	)
	defer client.Close()

	err := client.Join(NewId())
	assert.NotEqual(t, err, nil)
	authMissing := &AuthMissingError{}
	assert.Equal(t, errors.As(err, &authMissing), true)
}

func TestClientJoinRejectedEnds(t *testing.T) {
	// join returns rejected with by="alice": lifecycle becomes Ended and
	// subsequent submits are local no-ops with zero network calls
	authority := newTestAuthority(&JoinSessionResult{
		Error: &JoinSessionResultError{
			Message: "session is not active",
			EndedBy: "alice",
		},
	})
	client := NewSessionClient(
		context.Background(),
		authority,
		"ws://127.0.0.1:9",
		&ClientAuth{ByJwt: "test-jwt", InstanceId: NewId()},
	)
	defer client.Close()

	err := client.Join(NewId())
	assert.NotEqual(t, err, nil)
	rejected := &JoinRejectedError{}
	assert.Equal(t, errors.As(err, &rejected), true)
	assert.Equal(t, rejected.EndedBy, "alice")

	assert.Equal(t, client.Lifecycle().State(), LifecycleEnded)
	assert.Equal(t, client.Lifecycle().EndedBy(), "alice")

	postTermination := &PostTerminationError{}
	assert.Equal(t, errors.As(client.SubmitEdit("X"), &postTermination), true)
	assert.Equal(t, errors.As(client.SubmitChat("hi"), &postTermination), true)
	assert.Equal(t, errors.As(client.SubmitRun(), &postTermination), true)
	assert.Equal(t, errors.As(client.SubmitStop(), &postTermination), true)

	assert.Equal(t, authority.callCount("join"), 1)
	assert.Equal(t, authority.callCount("run"), 0)
	assert.Equal(t, authority.callCount("stop"), 0)
	assert.Equal(t, authority.callCount("end"), 0)
}

func TestClientGuardsAfterEndBroadcast(t *testing.T) {
	authority := newTestAuthority(snapshotJoinResult())
	client, sessionId, publisher := newTestClient(t, authority, nil)

	client.router.HandleFrame(mustFrame(t, TopicEnd, sessionId, &LifecycleEvent{
		Type:    "ended",
		EndedBy: "carol",
	}))
	waitFor(t, 5*time.Second, func() bool {
		return client.Lifecycle().IsEnded()
	})
	assert.Equal(t, client.Lifecycle().EndedBy(), "carol")

	postTermination := &PostTerminationError{}
	assert.Equal(t, errors.As(client.SubmitEdit("X"), &postTermination), true)
	assert.Equal(t, errors.As(client.SubmitChat("hi"), &postTermination), true)
	assert.Equal(t, errors.As(client.SetLanguage("java"), &postTermination), true)
	assert.Equal(t, errors.As(client.SubmitRun(), &postTermination), true)
	assert.Equal(t, errors.As(client.SubmitStop(), &postTermination), true)

	// zero network calls after Ended
	assert.Equal(t, publisher.frameCount(), 0)
	assert.Equal(t, authority.callCount("run"), 0)
	assert.Equal(t, authority.callCount("stop"), 0)

	// the end notice is in the chat log
	state := client.State()
	last := state.Chat[len(state.Chat)-1]
	assert.Equal(t, last.SenderId, SystemSenderId)
	assert.Equal(t, last.Text, "session ended by carol")
}

func TestClientRemoteEdit(t *testing.T) {
	// "A" submits edit "X"; "B" receives it and B's buffer becomes "X"
	authority := newTestAuthority(snapshotJoinResult())
	client, sessionId, _ := newTestClient(t, authority, nil)

	surface := &testSurface{}
	client.SetEditorSurface(surface)

	client.router.HandleFrame(mustFrame(t, TopicEdits, sessionId, &EditFrame{
		Edit: &EditEvent{SessionId: sessionId, SenderId: "alice", Text: "X"},
	}))
	waitFor(t, 5*time.Second, func() bool {
		return client.State().Text == "X"
	})
	assert.Equal(t, surface.content, "X")
}

func TestClientSelfEchoIgnored(t *testing.T) {
	authority := newTestAuthority(snapshotJoinResult())
	client, sessionId, publisher := newTestClient(t, authority, nil)

	assert.Equal(t, client.SubmitEdit("mine"), nil)
	assert.Equal(t, publisher.frameCount(), 1)

	// the broker echoes bob's own edit back
	client.router.HandleFrame(mustFrame(t, TopicEdits, sessionId, &EditFrame{
		Edit: &EditEvent{SessionId: sessionId, SenderId: "bob", Text: "stale"},
	}))
	client.router.PostWait(func() {})
	assert.Equal(t, client.State().Text, "mine")
}

func TestClientResyncOverridesLocalEdit(t *testing.T) {
	authority := newTestAuthority(snapshotJoinResult())
	client, sessionId, _ := newTestClient(t, authority, nil)

	assert.Equal(t, client.SubmitEdit("X"), nil)
	assert.Equal(t, client.State().Text, "X")

	client.router.HandleFrame(mustFrame(t, TopicEdits, sessionId, &EditFrame{
		Resync: &ResyncResponse{Applied: false, ServerVersion: 3, UpdatedText: "Y"},
	}))
	waitFor(t, 5*time.Second, func() bool {
		return client.State().Text == "Y"
	})
}

func TestClientChatEchoDedupes(t *testing.T) {
	authority := newTestAuthority(snapshotJoinResult())
	client, sessionId, publisher := newTestClient(t, authority, nil)

	assert.Equal(t, client.SubmitChat("hello"), nil)
	assert.Equal(t, publisher.frameCount(), 1)

	state := client.State()
	assert.Equal(t, len(state.Chat), 1)

	// echo with the identical (sender, text, timestamp) triple
	client.router.HandleFrame(mustFrame(t, TopicChat, sessionId, state.Chat[0]))
	client.router.PostWait(func() {})
	assert.Equal(t, len(client.State().Chat), 1)

	// a different message appends
	client.router.HandleFrame(mustFrame(t, TopicChat, sessionId, &ChatMessage{
		SenderId:  "alice",
		Text:      "hey",
		Timestamp: 1,
	}))
	waitFor(t, 5*time.Second, func() bool {
		return len(client.State().Chat) == 2
	})
}

func TestClientPresenceEventsAndNotices(t *testing.T) {
	authority := newTestAuthority(snapshotJoinResult())
	client, sessionId, _ := newTestClient(t, authority, nil)

	client.router.HandleFrame(mustFrame(t, TopicPresence, sessionId, &PresenceEvent{
		Type:   PresenceJoined,
		UserId: "carol",
	}))
	waitFor(t, 5*time.Second, func() bool {
		state := client.State()
		for _, userId := range state.Participants {
			if userId == "carol" {
				return true
			}
		}
		return false
	})

	state := client.State()
	last := state.Chat[len(state.Chat)-1]
	assert.Equal(t, last.Text, "carol joined the session")

	client.router.HandleFrame(mustFrame(t, TopicPresence, sessionId, &PresenceEvent{
		Type:   PresenceLeft,
		UserId: "carol",
	}))
	waitFor(t, 5*time.Second, func() bool {
		state := client.State()
		for _, userId := range state.Participants {
			if userId == "carol" {
				return false
			}
		}
		return true
	})
}

func TestClientPresenceReconcileTimer(t *testing.T) {
	authority := newTestAuthority(snapshotJoinResult())

	settings := DefaultSessionClientSettings()
	settings.PresenceReconcileInterval = 20 * time.Millisecond
	client, sessionId, _ := newTestClient(t, authority, settings)

	// a push event adds someone the authority never saw. Reconciliation
	// is failing at this point, so the divergence sticks.
	client.router.HandleFrame(mustFrame(t, TopicPresence, sessionId, &PresenceEvent{
		Type:   PresenceJoined,
		UserId: "ghost",
	}))
	waitFor(t, 5*time.Second, func() bool {
		state := client.State()
		for _, userId := range state.Participants {
			if userId == "ghost" {
				return true
			}
		}
		return false
	})

	// once the authority answers, divergence heals within one interval
	authority.setParticipants([]string{"alice", "bob"})
	waitFor(t, 5*time.Second, func() bool {
		state := client.State()
		for _, userId := range state.Participants {
			if userId == "ghost" {
				return false
			}
		}
		return len(state.Participants) == 2
	})
	assert.Equal(t, 1 <= authority.callCount("participants"), true)
}

func TestClientEndBroadcastStopsReconcile(t *testing.T) {
	authority := newTestAuthority(snapshotJoinResult())
	authority.setParticipants([]string{"alice", "bob"})

	settings := DefaultSessionClientSettings()
	settings.PresenceReconcileInterval = 20 * time.Millisecond
	client, sessionId, _ := newTestClient(t, authority, settings)

	waitFor(t, 5*time.Second, func() bool {
		return 1 <= authority.callCount("participants")
	})

	client.router.HandleFrame(mustFrame(t, TopicEnd, sessionId, &LifecycleEvent{
		Type:    "ended",
		EndedBy: "alice",
	}))
	waitFor(t, 5*time.Second, func() bool {
		return client.Lifecycle().IsEnded()
	})

	// the timer stops with the teardown. One call can be in flight when the
	// broadcast lands; after it settles the count stays flat.
	time.Sleep(60 * time.Millisecond)
	count := authority.callCount("participants")
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, authority.callCount("participants"), count)
}

func TestClientMetaUpdatesLanguage(t *testing.T) {
	authority := newTestAuthority(snapshotJoinResult())
	client, sessionId, publisher := newTestClient(t, authority, nil)

	// remote language change
	client.router.HandleFrame(mustFrame(t, TopicMeta, sessionId, &MetaEvent{
		Language: "javascript",
		SenderId: "alice",
	}))
	waitFor(t, 5*time.Second, func() bool {
		return client.State().Language == "javascript"
	})

	// local change publishes
	assert.Equal(t, client.SetLanguage("java"), nil)
	assert.Equal(t, client.State().Language, "java")
	assert.Equal(t, publisher.frameCount(), 1)

	// self echo does not loop
	client.router.HandleFrame(mustFrame(t, TopicMeta, sessionId, &MetaEvent{
		Language: "javascript",
		SenderId: "bob",
	}))
	client.router.PostWait(func() {})
	assert.Equal(t, client.State().Language, "java")
}

func TestClientTerminalOutput(t *testing.T) {
	authority := newTestAuthority(snapshotJoinResult())
	client, sessionId, _ := newTestClient(t, authority, nil)

	assert.Equal(t, client.SubmitRun(), nil)
	waitFor(t, 5*time.Second, func() bool {
		return authority.callCount("run") == 1
	})
	state := client.State()
	assert.Equal(t, state.Terminal[0], "> Running code in python sandbox...")

	// output arrives later on the terminal topic, not from the call
	client.router.HandleFrame(mustFrame(t, TopicTerminal, sessionId, &TerminalEvent{
		Output:    "1",
		Timestamp: time.Now().UnixMilli(),
	}))
	waitFor(t, 5*time.Second, func() bool {
		state := client.State()
		return len(state.Terminal) == 2 && state.Terminal[1] == "1"
	})
}

func TestClientStopExecution(t *testing.T) {
	authority := newTestAuthority(snapshotJoinResult())
	client, _, _ := newTestClient(t, authority, nil)

	assert.Equal(t, client.SubmitStop(), nil)
	waitFor(t, 5*time.Second, func() bool {
		return authority.callCount("stop") == 1
	})
	waitFor(t, 5*time.Second, func() bool {
		state := client.State()
		return 0 < len(state.Terminal) && state.Terminal[0] == "> Container stopped by bob"
	})
}

func TestClientEndOwnerOnly(t *testing.T) {
	// bob is not the owner
	authority := newTestAuthority(snapshotJoinResult())
	client, _, _ := newTestClient(t, authority, nil)

	err := client.End()
	assert.NotEqual(t, err, nil)
	assert.Equal(t, authority.callCount("end"), 0)
	assert.Equal(t, client.Lifecycle().State(), LifecycleActive)
}

func TestClientEndByOwner(t *testing.T) {
	joinResult := snapshotJoinResult()
	joinResult.CurrentUserId = "alice"
	authority := newTestAuthority(joinResult)
	client, _, _ := newTestClient(t, authority, nil)

	assert.Equal(t, client.SubmitEdit("final"), nil)
	assert.Equal(t, client.End(), nil)

	assert.Equal(t, authority.callCount("end"), 1)
	assert.Equal(t, client.Lifecycle().State(), LifecycleEnded)
	assert.Equal(t, client.Lifecycle().EndedBy(), "alice")
}

func TestClientLeaveAlwaysPermitted(t *testing.T) {
	authority := newTestAuthority(snapshotJoinResult())
	client, sessionId, _ := newTestClient(t, authority, nil)

	client.router.HandleFrame(mustFrame(t, TopicEnd, sessionId, &LifecycleEvent{
		Type:    "ended",
		EndedBy: "alice",
	}))
	waitFor(t, 5*time.Second, func() bool {
		return client.Lifecycle().IsEnded()
	})

	// leave still goes through after end
	assert.Equal(t, client.Leave(), nil)
	assert.Equal(t, authority.callCount("leave"), 1)
}

func TestClientStateChangeListeners(t *testing.T) {
	authority := newTestAuthority(snapshotJoinResult())
	client, sessionId, _ := newTestClient(t, authority, nil)

	var mutex sync.Mutex
	notifyCount := 0
	var lastState *SessionState
	listenerId := client.AddStateChangeListener(func(state *SessionState) {
		mutex.Lock()
		defer mutex.Unlock()
		notifyCount += 1
		lastState = state
	})
	currentNotifyCount := func() int {
		mutex.Lock()
		defer mutex.Unlock()
		return notifyCount
	}

	client.router.HandleFrame(mustFrame(t, TopicChat, sessionId, &ChatMessage{
		SenderId:  "alice",
		Text:      "hi",
		Timestamp: 1,
	}))
	waitFor(t, 5*time.Second, func() bool {
		return currentNotifyCount() == 1
	})
	mutex.Lock()
	assert.Equal(t, len(lastState.Chat), 1)
	mutex.Unlock()

	client.RemoveStateChangeListener(listenerId)
	client.router.HandleFrame(mustFrame(t, TopicChat, sessionId, &ChatMessage{
		SenderId:  "alice",
		Text:      "bye",
		Timestamp: 2,
	}))
	client.router.PostWait(func() {})
	assert.Equal(t, currentNotifyCount(), 1)
}

func TestClientSubmitBeforeJoin(t *testing.T) {
	authority := newTestAuthority(snapshotJoinResult())
	client := NewSessionClient(
		context.Background(),
		authority,
		"ws://127.0.0.1:9",
		&ClientAuth{ByJwt: "test-jwt", InstanceId: NewId()},
	)
	defer client.Close()

	err := client.SubmitEdit("X")
	assert.Equal(t, err, fmt.Errorf("not joined"))
}
