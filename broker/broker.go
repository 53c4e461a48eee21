package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/collabdebug/collab/collab"
)

const MemberSendBufferSize = 32

type BrokerSettings struct {
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	AuthTimeout  time.Duration
	PingTimeout  time.Duration
}

func DefaultBrokerSettings() *BrokerSettings {
	return &BrokerSettings{
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  15 * time.Second,
		AuthTimeout:  2 * time.Second,
		PingTimeout:  1 * time.Second,
	}
}

// relays session envelopes between the connected clients. A member
// authenticates with the first message, which the broker echoes back, then
// every valid envelope for the session fans out to all members including the
// sender. Clients filter their own echoes.
type Broker struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *BrokerSettings

	upgrader *websocket.Upgrader

	mutex    sync.Mutex
	sessions map[collab.Id]map[*member]bool
}

type member struct {
	sessionId collab.Id
	send      chan []byte
}

func NewBroker(ctx context.Context) *Broker {
	return NewBrokerWithSettings(ctx, DefaultBrokerSettings())
}

func NewBrokerWithSettings(ctx context.Context, settings *BrokerSettings) *Broker {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Broker{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		upgrader: &websocket.Upgrader{},
		sessions: map[collab.Id]map[*member]bool{},
	}
}

func (self *Broker) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/session/{sessionId}", self.handleSession)
	return router
}

func (self *Broker) Close() {
	self.cancel()
}

func (self *Broker) subscribe(m *member) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	members, ok := self.sessions[m.sessionId]
	if !ok {
		members = map[*member]bool{}
		self.sessions[m.sessionId] = members
	}
	members[m] = true
	glog.V(1).Infof("[b]subscribe %s (%d)\n", m.sessionId, len(members))
}

func (self *Broker) unsubscribe(m *member) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	members, ok := self.sessions[m.sessionId]
	if !ok {
		return
	}
	delete(members, m)
	if len(members) == 0 {
		delete(self.sessions, m.sessionId)
	}
	glog.V(1).Infof("[b]unsubscribe %s (%d)\n", m.sessionId, len(members))
}

// fans the frame out to every member of the session. A member with a full
// send buffer is skipped; a dead connection is reaped by its own pump.
func (self *Broker) relay(sessionId collab.Id, frameBytes []byte) {
	self.mutex.Lock()
	members := make([]*member, 0, len(self.sessions[sessionId]))
	for m := range self.sessions[sessionId] {
		members = append(members, m)
	}
	self.mutex.Unlock()

	for _, m := range members {
		select {
		case m.send <- frameBytes:
		default:
			glog.Infof("[b]drop to slow member %s\n", sessionId)
		}
	}
}

// current member count for a session
func (self *Broker) MemberCount(sessionId collab.Id) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.sessions[sessionId])
}

type authMessage struct {
	ByJwt      string    `json:"by_jwt"`
	SessionId  collab.Id `json:"session_id"`
	InstanceId collab.Id `json:"instance_id"`
	AppVersion string    `json:"app_version,omitempty"`
}

func (self *Broker) handleSession(w http.ResponseWriter, r *http.Request) {
	sessionIdStr := mux.Vars(r)["sessionId"]
	sessionId, err := collab.ParseId(sessionIdStr)
	if err != nil {
		http.Error(w, "bad session id", http.StatusBadRequest)
		return
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[b]upgrade error = %s\n", err)
		return
	}
	defer ws.Close()

	// auth handshake: read the auth message, verify, echo it back
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	_, authBytes, err := ws.ReadMessage()
	if err != nil {
		glog.Infof("[b]auth read error = %s\n", err)
		return
	}
	auth := &authMessage{}
	if err := json.Unmarshal(authBytes, auth); err != nil {
		glog.Infof("[b]auth decode error = %s\n", err)
		return
	}
	if auth.ByJwt == "" || auth.SessionId != sessionId {
		glog.Infof("[b]auth rejected %s\n", sessionId)
		return
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
		return
	}

	m := &member{
		sessionId: sessionId,
		send:      make(chan []byte, MemberSendBufferSize),
	}
	self.subscribe(m)
	defer self.unsubscribe(m)

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case frameBytes := <-m.send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, frameBytes); err != nil {
					glog.Infof("[b]%s-> error = %s\n", sessionId, err)
					return
				}
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, frameBytes, err := ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[b]%s<- closed = %s\n", sessionId, err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if len(frameBytes) == 0 {
			// ping
			continue
		}
		// drop malformed or cross-session envelopes, keep the connection
		envelope, err := collab.DecodeEnvelope(frameBytes)
		if err != nil {
			glog.Infof("[b]drop = %s\n", err)
			continue
		}
		if envelope.SessionId != sessionId {
			glog.Infof("[b]drop session %s != %s\n", envelope.SessionId, sessionId)
			continue
		}
		self.relay(sessionId, frameBytes)
	}
}
