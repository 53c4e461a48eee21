package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const TransportSendBufferSize = 32

type SessionTransportSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultSessionTransportSettings() *SessionTransportSettings {
	return &SessionTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

type ClientAuth struct {
	ByJwt      string
	InstanceId Id
	AppVersion string
}

func (self *ClientAuth) UserName() (string, error) {
	byJwt, err := ParseByJwtUnverified(self.ByJwt)
	if err != nil {
		return "", err
	}
	return byJwt.UserName, nil
}

// first message on a new connection. The broker verifies and echoes it back.
type authMessage struct {
	ByJwt      string `json:"by_jwt"`
	SessionId  Id     `json:"session_id"`
	InstanceId Id     `json:"instance_id"`
	AppVersion string `json:"app_version,omitempty"`
}

type TransportState string

const (
	TransportDisconnected TransportState = "disconnected"
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportClosed       TransportState = "closed"
)

// one active transport per session per process. Re-entrant connect attempts
// while a live handle exists return the existing handle, which keeps
// subscription setup idempotent when effects re-run.
var activeTransportsMutex sync.Mutex
var activeTransports = map[Id]*SessionTransport{}

// owns the broker connection lifecycle: dial, auth handshake with echo
// verify, reader/writer pumps, and a fixed-delay reconnect loop that stops
// once the lifecycle is ended.
type SessionTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	brokerUrl string
	sessionId Id
	auth      *ClientAuth

	lifecycle *Lifecycle

	// called with each raw inbound frame, from the reader goroutine
	receive func(frameBytes []byte)
	// called after an unexpected drop, before any reconnect attempt
	drop func()

	settings *SessionTransportSettings

	// persistent across reconnects
	send chan []byte

	stateMutex sync.Mutex
	state      TransportState
}

func Connect(
	ctx context.Context,
	brokerUrl string,
	sessionId Id,
	auth *ClientAuth,
	lifecycle *Lifecycle,
	receive func(frameBytes []byte),
	drop func(),
) (*SessionTransport, error) {
	return ConnectWithSettings(
		ctx,
		brokerUrl,
		sessionId,
		auth,
		lifecycle,
		receive,
		drop,
		DefaultSessionTransportSettings(),
	)
}

func ConnectWithSettings(
	ctx context.Context,
	brokerUrl string,
	sessionId Id,
	auth *ClientAuth,
	lifecycle *Lifecycle,
	receive func(frameBytes []byte),
	drop func(),
	settings *SessionTransportSettings,
) (*SessionTransport, error) {
	// fail before any connection attempt
	if auth == nil || auth.ByJwt == "" {
		return nil, &AuthMissingError{}
	}

	activeTransportsMutex.Lock()
	defer activeTransportsMutex.Unlock()

	if transport, ok := activeTransports[sessionId]; ok {
		glog.V(1).Infof("[t]reuse active handle %s\n", sessionId)
		return transport, nil
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &SessionTransport{
		ctx:       cancelCtx,
		cancel:    cancel,
		brokerUrl: brokerUrl,
		sessionId: sessionId,
		auth:      auth,
		lifecycle: lifecycle,
		receive:   receive,
		drop:      drop,
		settings:  settings,
		send:      make(chan []byte, TransportSendBufferSize),
		state:     TransportConnecting,
	}
	activeTransports[sessionId] = transport
	go transport.run()
	return transport, nil
}

func (self *SessionTransport) State() TransportState {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.state
}

func (self *SessionTransport) setState(state TransportState) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	if self.state == TransportClosed {
		return
	}
	self.state = state
}

// queues an outbound frame without waiting for delivery. Returns false when
// the buffer is full or the transport is closed.
func (self *SessionTransport) Send(frameBytes []byte) bool {
	select {
	case <-self.ctx.Done():
		return false
	default:
	}
	select {
	case self.send <- frameBytes:
		return true
	default:
		glog.Infof("[t]send buffer full %s\n", self.sessionId)
		return false
	}
}

func (self *SessionTransport) run() {
	defer func() {
		self.stateMutex.Lock()
		self.state = TransportClosed
		self.stateMutex.Unlock()

		activeTransportsMutex.Lock()
		if activeTransports[self.sessionId] == self {
			delete(activeTransports, self.sessionId)
		}
		activeTransportsMutex.Unlock()
	}()
	defer self.cancel()

	authBytes, err := json.Marshal(&authMessage{
		ByJwt:      self.auth.ByJwt,
		SessionId:  self.sessionId,
		InstanceId: self.auth.InstanceId,
		AppVersion: self.auth.AppVersion,
	})
	if err != nil {
		return
	}

	url := fmt.Sprintf("%s/session/%s", self.brokerUrl, self.sessionId)

	for {
		if self.lifecycle.IsEnded() {
			glog.Infof("[t]ended, no reconnect %s\n", self.sessionId)
			return
		}

		self.setState(TransportConnecting)

		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, url, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			if messageType, message, err := ws.ReadMessage(); err != nil {
				return nil, err
			} else {
				// verify the auth echo
				switch messageType {
				case websocket.TextMessage:
					if !bytes.Equal(authBytes, message) {
						return nil, fmt.Errorf("auth response error: bad bytes")
					}
				default:
					return nil, fmt.Errorf("auth response error")
				}
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[t]auth error %s = %s\n", self.sessionId, err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		self.setState(TransportConnected)
		glog.V(1).Infof("[t]connected %s\n", self.sessionId)

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case message, ok := <-self.send:
						if !ok {
							return
						}

						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
							// a deadline timeout cannot be recovered on websocket
							glog.Infof("[ts]%s-> error = %s\n", self.sessionId, err)
							return
						}
						glog.V(2).Infof("[ts]%s->\n", self.sessionId)
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
							return
						}
					}
				}
			}()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					default:
					}

					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					messageType, message, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[tr]%s<- error = %s\n", self.sessionId, err)
						return
					}

					switch messageType {
					case websocket.TextMessage:
						if 0 == len(message) {
							// ping
							glog.V(2).Infof("[tr]ping %s<-\n", self.sessionId)
							continue
						}
						self.receive(message)
						glog.V(2).Infof("[tr]%s<-\n", self.sessionId)
					default:
						glog.V(2).Infof("[tr]other=%d %s<-\n", messageType, self.sessionId)
					}
				}
			}()

			select {
			case <-handleCtx.Done():
			}
		}
		c()

		self.setState(TransportDisconnected)

		select {
		case <-self.ctx.Done():
			return
		default:
		}

		// unexpected drop. Let the client react (leave intent, notices)
		// before deciding on reconnect.
		if self.drop != nil {
			self.drop()
		}

		if self.lifecycle.IsEnded() {
			glog.Infof("[t]dropped after end %s\n", self.sessionId)
			return
		}

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

// idempotent. Safe to call any number of times.
func (self *SessionTransport) Close() {
	self.cancel()
}
