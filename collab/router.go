package collab

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

const RouterDispatchBufferSize = 32

// demultiplexes inbound broker traffic by topic and serializes all delivery
// onto one dispatch goroutine. Timer callbacks and the client's mutating
// operations post onto the same goroutine, so the document, presence set,
// chat log, and lifecycle never see concurrent handlers.
type Router struct {
	ctx    context.Context
	cancel context.CancelFunc

	sessionId Id

	dispatch chan func()

	mutex    sync.Mutex
	handlers map[string]func(event any)
}

func NewRouter(ctx context.Context, sessionId Id) *Router {
	cancelCtx, cancel := context.WithCancel(ctx)
	router := &Router{
		ctx:       cancelCtx,
		cancel:    cancel,
		sessionId: sessionId,
		dispatch:  make(chan func(), RouterDispatchBufferSize),
		handlers:  map[string]func(event any){},
	}
	go router.run()
	return router
}

func (self *Router) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case f := <-self.dispatch:
			f()
		}
	}
}

// registers the handler for a topic. One handler per topic; re-registering
// replaces, which keeps subscription setup idempotent against re-entry.
func (self *Router) SetTopicHandler(topic string, handler func(event any)) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.handlers[topic] = handler
}

func (self *Router) topicHandler(topic string) func(event any) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.handlers[topic]
}

// posts a callback onto the dispatch goroutine. Discarded if the router is
// already closed.
func (self *Router) Post(f func()) bool {
	select {
	case <-self.ctx.Done():
		return false
	default:
	}
	select {
	case <-self.ctx.Done():
		return false
	case self.dispatch <- f:
		return true
	}
}

// posts a callback and waits for it to complete. Returns false without
// running the callback if the router is closed.
func (self *Router) PostWait(f func()) bool {
	done := make(chan struct{})
	posted := self.Post(func() {
		defer close(done)
		f()
	})
	if !posted {
		return false
	}
	select {
	case <-self.ctx.Done():
		return false
	case <-done:
		return true
	}
}

// entry point for raw frames from the transport reader. A malformed frame is
// dropped and logged; the router keeps processing subsequent frames.
func (self *Router) HandleFrame(frameBytes []byte) {
	envelope, err := DecodeEnvelope(frameBytes)
	if err != nil {
		glog.Infof("[r]drop = %s\n", err)
		return
	}
	if envelope.SessionId != self.sessionId {
		glog.Infof("[r]drop session %s != %s\n", envelope.SessionId, self.sessionId)
		return
	}
	event, err := envelope.DecodePayload()
	if err != nil {
		glog.Infof("[r]drop %s = %s\n", envelope.Topic, err)
		return
	}
	handler := self.topicHandler(envelope.Topic)
	if handler == nil {
		glog.V(2).Infof("[r]no handler %s\n", envelope.Topic)
		return
	}
	self.Post(func() {
		handler(event)
	})
	glog.V(2).Infof("[r]%s<-\n", envelope.Topic)
}

func (self *Router) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *Router) Close() {
	self.cancel()
}
