package collab

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// makes a copy of the list on update, so callers can iterate a snapshot
// without holding the lock. Entries are keyed by an opaque id because
// function values are not comparable.
type CallbackList[T any] struct {
	mutex       sync.Mutex
	nextId      int
	callbackIds []int
	callbacks   map[int]T
	snapshot    []T
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.snapshot
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextId
	self.nextId += 1
	if self.callbacks == nil {
		self.callbacks = map[int]T{}
	}
	self.callbacks[callbackId] = callback
	self.callbackIds = append(self.callbackIds, callbackId)
	self.updateSnapshot()
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.callbacks[callbackId]; !ok {
		// not present
		return
	}
	delete(self.callbacks, callbackId)
	i := slices.Index(self.callbackIds, callbackId)
	self.callbackIds = slices.Delete(slices.Clone(self.callbackIds), i, i+1)
	self.updateSnapshot()
}

func (self *CallbackList[T]) Clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	maps.Clear(self.callbacks)
	self.callbackIds = nil
	self.snapshot = nil
}

// must be called with the mutex held
func (self *CallbackList[T]) updateSnapshot() {
	snapshot := make([]T, 0, len(self.callbackIds))
	for _, callbackId := range self.callbackIds {
		snapshot = append(snapshot, self.callbacks[callbackId])
	}
	self.snapshot = snapshot
}
