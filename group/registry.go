package group

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wichain/crypto"
)

// Group is a session-scoped membership set.
type Group struct {
	ID        string    `json:"id"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

// Others returns every member except self.
func (g Group) Others(self string) []string {
	out := make([]string, 0, len(g.Members))
	for _, m := range g.Members {
		if m != self {
			out = append(out, m)
		}
	}
	return out
}

// Has reports whether peerID is a member.
func (g Group) Has(peerID string) bool {
	i := sort.SearchStrings(g.Members, peerID)
	return i < len(g.Members) && g.Members[i] == peerID
}

func (g Group) clone() Group {
	g.Members = append([]string(nil), g.Members...)
	return g
}

// Registry holds the groups known in this session.
type Registry struct {
	self string
	tp   crypto.TimeProvider

	mu     sync.RWMutex
	groups map[string]Group
}

// NewRegistry creates an empty registry for the node selfID.
func NewRegistry(selfID string, tp crypto.TimeProvider) *Registry {
	if tp == nil {
		tp = crypto.GetDefaultTimeProvider()
	}
	return &Registry{self: selfID, tp: tp, groups: make(map[string]Group)}
}

// Create registers the group made of members plus the local node. Creating
// an existing group returns it unchanged with created false.
func (r *Registry) Create(members []string) (Group, bool, error) {
	canon, err := Validate(append(append([]string(nil), members...), r.self))
	if err != nil {
		return Group{}, false, err
	}
	return r.store(ID(canon), canon)
}

// Ensure registers a group learned from inbound traffic. The id must match
// the members and the local node must be one of them.
func (r *Registry) Ensure(id string, members []string) (Group, bool, error) {
	canon, err := Validate(members)
	if err != nil {
		return Group{}, false, err
	}
	if ID(canon) != id {
		return Group{}, false, ErrIDMismatch
	}
	g := Group{Members: canon}
	if !g.Has(r.self) {
		return Group{}, false, ErrNotMember
	}
	return r.store(id, canon)
}

func (r *Registry) store(id string, canon []string) (Group, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.groups[id]; ok {
		return g.clone(), false, nil
	}
	g := Group{ID: id, Members: canon, CreatedAt: r.tp.Now()}
	r.groups[id] = g

	logrus.WithFields(logrus.Fields{
		"function": "store",
		"package":  "group",
		"group_id": crypto.ShortID(id),
		"members":  len(canon),
	}).Info("Group registered")
	return g.clone(), true, nil
}

// Get returns the group with id.
func (r *Registry) Get(id string) (Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[id]
	if !ok {
		return Group{}, false
	}
	return g.clone(), true
}

// List returns every group, oldest first.
func (r *Registry) List() []Group {
	r.mu.RLock()
	out := make([]Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Reset forgets every group.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.groups = make(map[string]Group)
	r.mu.Unlock()
}
