package cluster

import (
	"encoding/json"
	"fmt"
	"sync"
)

// ServiceNode is the address a node advertises to its peers.
type ServiceNode struct {
	Node    string `json:"node"`
	Address string `json:"address"`
}

func (s ServiceNode) String() string {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Sprintf("%s@%s", s.Node, s.Address)
	}
	return string(b)
}

// ParseServiceNode decodes a ServiceNode from its JSON wire form.
func ParseServiceNode(raw string) (ServiceNode, error) {
	var sn ServiceNode
	if err := json.Unmarshal([]byte(raw), &sn); err != nil {
		return ServiceNode{}, fmt.Errorf("cluster: parse service node: %w", err)
	}
	return sn, nil
}

// Registry tracks the current membership of one group. Every node, leader
// or plain member, keeps a single registry for the group it registered
// into, so it can answer get_peers-style queries.
type Registry struct {
	mu      sync.RWMutex
	groupID int
	members []ServiceNode
}

// NewRegistry constructs an empty registry for groupID.
func NewRegistry(groupID int) *Registry {
	return &Registry{groupID: groupID}
}

// GroupID reports which group this registry tracks.
func (r *Registry) GroupID() int {
	return r.groupID
}

// AddEndpoint appends one JSON-encoded ServiceNode to the registry, used
// when a single Put watch event announces a new peer.
func (r *Registry) AddEndpoint(raw string) error {
	sn, err := ParseServiceNode(raw)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members = append(r.members, sn)
	return nil
}

// Replace swaps the entire membership list, used when a Delete watch event
// forces a full re-read of the group.
func (r *Registry) Replace(raw []string) error {
	members := make([]ServiceNode, 0, len(raw))
	for _, ep := range raw {
		sn, err := ParseServiceNode(ep)
		if err != nil {
			return err
		}
		members = append(members, sn)
	}
	r.mu.Lock()
	r.members = members
	r.mu.Unlock()
	return nil
}

// MemberCount returns the number of nodes currently tracked.
func (r *Registry) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Members returns a snapshot of the current membership.
func (r *Registry) Members() []ServiceNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServiceNode, len(r.members))
	copy(out, r.members)
	return out
}
