package collab

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

// the live participant set. Two update paths feed the one set: push events
// from the presence topic, and a periodic wholesale replace from the
// authority. A missed or duplicated push event self-heals within one
// reconciliation interval. Only current membership is kept; no ordering or
// join-time information.
type PresenceTracker struct {
	members map[string]bool
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		members: map[string]bool{},
	}
}

// sorted for stable presentation
func (self *PresenceTracker) Members() []string {
	members := maps.Keys(self.members)
	slices.Sort(members)
	return members
}

func (self *PresenceTracker) Contains(userId string) bool {
	return self.members[userId]
}

func (self *PresenceTracker) Count() int {
	return len(self.members)
}

// idempotent insert. Returns whether the set changed.
func (self *PresenceTracker) Join(userId string) bool {
	if self.members[userId] {
		return false
	}
	self.members[userId] = true
	glog.V(1).Infof("[p]joined %s (%d)\n", userId, len(self.members))
	return true
}

// no-op if absent. Returns whether the set changed.
func (self *PresenceTracker) Leave(userId string) bool {
	if !self.members[userId] {
		return false
	}
	delete(self.members, userId)
	glog.V(1).Infof("[p]left %s (%d)\n", userId, len(self.members))
	return true
}

func (self *PresenceTracker) Receive(event *PresenceEvent) bool {
	switch event.Type {
	case PresenceJoined:
		return self.Join(event.UserId)
	case PresenceLeft:
		return self.Leave(event.UserId)
	default:
		return false
	}
}

// replaces the set wholesale with the authority's list when they differ.
// Returns whether the set changed.
func (self *PresenceTracker) Reconcile(authorityMembers []string) bool {
	next := map[string]bool{}
	for _, userId := range authorityMembers {
		next[userId] = true
	}
	if maps.Equal(self.members, next) {
		return false
	}
	glog.V(1).Infof("[p]reconcile %d -> %d\n", len(self.members), len(next))
	self.members = next
	return true
}
