package collab

import (
	"sync"

	"github.com/golang/glog"
)

type LifecycleState int

const (
	LifecycleActive LifecycleState = iota
	LifecycleEnded
)

func (self LifecycleState) String() string {
	switch self {
	case LifecycleActive:
		return "active"
	case LifecycleEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Active/Ended for one client instance. Ended is terminal: once reached it
// cannot return to Active for the life of this instance. Every mutating
// action consults Guard first and becomes a local no-op once ended.
type Lifecycle struct {
	mutex   sync.Mutex
	state   LifecycleState
	endedBy string
}

func NewLifecycle() *Lifecycle {
	return &Lifecycle{
		state: LifecycleActive,
	}
}

func (self *Lifecycle) State() LifecycleState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

func (self *Lifecycle) IsEnded() bool {
	return self.State() == LifecycleEnded
}

func (self *Lifecycle) EndedBy() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.endedBy
}

// transitions to ended with the attributed actor. Returns false if the
// session was already ended, in which case the first attribution is kept.
func (self *Lifecycle) End(endedBy string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.state == LifecycleEnded {
		return false
	}
	self.state = LifecycleEnded
	self.endedBy = endedBy
	glog.Infof("[l]ended by %s\n", endedBy)
	return true
}

// returns nil while active, or a PostTerminationError for the action once
// ended. Leave is always permitted and does not call Guard.
func (self *Lifecycle) Guard(action string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.state == LifecycleEnded {
		return &PostTerminationError{
			Action:  action,
			EndedBy: self.endedBy,
		}
	}
	return nil
}
