package cluster

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"
)

// NodeType is this node's current role within its coalition.
type NodeType uint8

const (
	NodeMember NodeType = iota
	NodeLeader
)

func (t NodeType) String() string {
	if t == NodeLeader {
		return "leader"
	}
	return "member"
}

// Sentinel errors surfaced by Node, matching the cluster-core error kinds
// of the coordinator contract.
var (
	ErrInvalidState           = errors.New("cluster: invalid state")
	ErrInvalidFunctionAttempt = errors.New("cluster: function restricted to the current node role")
	ErrServerCreation         = errors.New("cluster: failed to obtain a node id at startup")
	ErrLeaderSlotTaken        = errors.New("cluster: leader slot already occupied")
)

// Bootstrap is the environment this node reads at startup; each field is
// fatal if absent (spec §4.10's environment contract).
type Bootstrap struct {
	Coordinator     string
	LeaseTTL        time.Duration
	RefreshInterval time.Duration
	NodeName        string
	NodeAddress     string
}

// BootstrapFromEnv reads ETCD (the coordinator address), LEASE_TTL,
// REFRESH_INTERVAL, NODE, and ADDRESS, failing fast if any is missing or
// malformed.
func BootstrapFromEnv() (Bootstrap, error) {
	get := func(key string) (string, error) {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return "", fmt.Errorf("cluster: %s undefined", key)
		}
		return v, nil
	}
	coordinatorAddr, err := get("ETCD")
	if err != nil {
		return Bootstrap{}, err
	}
	leaseTTLRaw, err := get("LEASE_TTL")
	if err != nil {
		return Bootstrap{}, err
	}
	refreshRaw, err := get("REFRESH_INTERVAL")
	if err != nil {
		return Bootstrap{}, err
	}
	node, err := get("NODE")
	if err != nil {
		return Bootstrap{}, err
	}
	address, err := get("ADDRESS")
	if err != nil {
		return Bootstrap{}, err
	}
	leaseTTL, err := strconv.ParseInt(leaseTTLRaw, 10, 64)
	if err != nil {
		return Bootstrap{}, fmt.Errorf("cluster: invalid LEASE_TTL: %w", err)
	}
	refresh, err := strconv.ParseInt(refreshRaw, 10, 64)
	if err != nil {
		return Bootstrap{}, fmt.Errorf("cluster: invalid REFRESH_INTERVAL: %w", err)
	}
	if leaseTTL <= refresh {
		return Bootstrap{}, fmt.Errorf("cluster: refresh interval (%ds) must be smaller than lease ttl (%ds)", refresh, leaseTTL)
	}
	return Bootstrap{
		Coordinator:     coordinatorAddr,
		LeaseTTL:        time.Duration(leaseTTL) * time.Second,
		RefreshInterval: time.Duration(refresh) * time.Second,
		NodeName:        node,
		NodeAddress:     address,
	}, nil
}

// Node drives one cluster member's lifecycle: obtaining an id, registering
// into a group, keeping its lease alive, watching peers, and campaigning
// for leadership on behalf of its coalition.
type Node struct {
	coord   Coordinator
	svc     ServiceNode
	config  *Config
	lease   LeaseID
	refresh time.Duration

	mu           sync.RWMutex
	nodeID       *int
	groupID      *int
	groupKey     string
	nodetype     NodeType
	registry     *Registry // nil until nodeID/groupID is known
	keepAliveErr error     // set once by runKeepAlive on its first failure

	logger *log.Logger
}

// NewNode constructs a Node that has not yet bootstrapped: no lease, no id,
// no group. Call Run to drive the full lifecycle.
func NewNode(coord Coordinator, config *Config, svc ServiceNode, refresh time.Duration) *Node {
	return &Node{
		coord:   coord,
		svc:     svc,
		config:  config,
		refresh: refresh,
		logger:  log.New(os.Stderr, "[cluster] ", log.LstdFlags),
	}
}

// IsLeader reports this node's current role.
func (n *Node) IsLeader() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.nodetype == NodeLeader
}

func (n *Node) flipNodeType() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.nodetype == NodeMember {
		n.nodetype = NodeLeader
	} else {
		n.nodetype = NodeMember
	}
}

// Bootstrap acquires a coordinator lease with the configured TTL. Must run
// before any other Node operation.
func (n *Node) Bootstrap(ctx context.Context, ttl time.Duration) error {
	lease, err := n.coord.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("cluster: lease grant: %w", err)
	}
	n.lease = lease
	return nil
}

// register puts this node's membership entry into groupID under its
// lease, so the entry disappears automatically on lease loss.
func (n *Node) register(ctx context.Context, groupID int) error {
	selfJSON := n.svc.String()
	memberKey := n.config.MemberKey(groupID, selfJSON)
	if err := n.coord.Put(ctx, memberKey, selfJSON, n.lease); err != nil {
		return fmt.Errorf("cluster: register into group %d: %w", groupID, err)
	}
	n.mu.Lock()
	n.groupKey = memberKey
	n.groupID = &groupID
	if n.registry == nil {
		n.registry = NewRegistry(groupID)
	}
	n.mu.Unlock()
	n.logger.Printf("registered into group %d as %s", groupID, memberKey)
	return nil
}

// acquireNodeID implements the two-phase identity resolution of spec
// §4.10: first try to fill a vacancy advertised by a failover slot (whose
// value is a group id), and only mint a fresh id if none is available. A
// node that joins through a failover slot takes the first id of that
// group, so GroupOf maps it back to the group it joined.
func (n *Node) acquireNodeID(ctx context.Context) (int, error) {
	failoverPrefix := n.config.FailoverIDKeyPrefix
	kvs, err := n.coord.Get(ctx, failoverPrefix, true)
	if err != nil {
		return 0, fmt.Errorf("cluster: scan failover slots: %w", err)
	}
	for _, kv := range kvs {
		groupID, err := strconv.Atoi(kv.Value)
		if err != nil {
			continue
		}
		if n.joinGroup(ctx, kv.Key, groupID) {
			return groupID * n.config.GroupSize, nil
		}
	}
	return n.mintID(ctx)
}

// joinGroup locks the group-add key for groupID, registers into it, and
// clears the failover slot that advertised the vacancy. Any failure along
// the way abandons this slot for the next candidate, per spec.
func (n *Node) joinGroup(ctx context.Context, failoverKey string, groupID int) bool {
	lockKey := n.config.GroupAddLockKey(groupID)
	token, err := n.coord.Lock(ctx, lockKey, n.lease)
	if err != nil {
		n.logger.Printf("error locking group add key %s: %v", lockKey, err)
		return false
	}
	defer n.coord.Unlock(ctx, token)

	if err := n.register(ctx, groupID); err != nil {
		n.logger.Printf("error registering into group %d: %v", groupID, err)
		return false
	}
	if err := n.coord.Delete(ctx, failoverKey); err != nil {
		n.logger.Printf("error deleting failover key %s: %v", failoverKey, err)
		return false
	}
	return true
}

// mintID locks the global id key, reads its current value, and uses it as
// this node's fresh id.
func (n *Node) mintID(ctx context.Context) (int, error) {
	token, err := n.coord.Lock(ctx, IDKeyLock, n.lease)
	if err != nil {
		return 0, fmt.Errorf("cluster: lock id key: %w", err)
	}
	defer n.coord.Unlock(ctx, token)

	kvs, err := n.coord.Get(ctx, n.config.IDKey, false)
	if err != nil {
		return 0, fmt.Errorf("cluster: read id key: %w", err)
	}
	if len(kvs) == 0 {
		return 0, ErrServerCreation
	}
	id, err := strconv.Atoi(kvs[0].Value)
	if err != nil {
		return 0, fmt.Errorf("cluster: parse id key value: %w", err)
	}
	return id, nil
}

// KeepAlive sends one lease keep-alive. Callers invoke this on every tick
// of the refresh interval; failure here is fatal for the node.
func (n *Node) KeepAlive(ctx context.Context) error {
	ttl, err := n.coord.KeepAlive(ctx, n.lease)
	if err != nil {
		return fmt.Errorf("cluster: keepalive: %w", err)
	}
	n.logger.Printf("lease %d kept alive, new ttl %s", n.lease, ttl)
	return nil
}

// getPeers reads the current membership of this node's group directly
// (bypassing any cached Registry), used both to seed watchPeers and to
// rebuild the registry after a Delete event.
func (n *Node) getPeers(ctx context.Context) ([]string, error) {
	groupID, err := n.requireGroupID()
	if err != nil {
		return nil, err
	}
	kvs, err := n.coord.Get(ctx, n.config.MemberPrefix(groupID), true)
	if err != nil {
		return nil, fmt.Errorf("cluster: get peers: %w", err)
	}
	out := make([]string, len(kvs))
	for i, kv := range kvs {
		out[i] = kv.Value
	}
	return out, nil
}

// WatchPeers seeds the registry from a full read, then blocks on the group
// membership watch until ctx is cancelled, applying every Put/Delete event
// it observes. A leader additionally tracks whether its groups have fallen
// under quorum and, if so, announces a failover slot.
func (n *Node) WatchPeers(ctx context.Context) error {
	peers, err := n.getPeers(ctx)
	if err != nil {
		return err
	}
	n.mu.RLock()
	reg := n.registry
	n.mu.RUnlock()
	if reg == nil {
		return fmt.Errorf("%w: registry not initialized", ErrInvalidState)
	}
	if err := reg.Replace(peers); err != nil {
		return err
	}

	events, err := n.coord.Watch(ctx, n.config.MemberPrefix(reg.GroupID()), true)
	if err != nil {
		return fmt.Errorf("cluster: watch peers: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := n.applyPeerEvent(ctx, reg, ev); err != nil {
				return err
			}
		}
	}
}

func (n *Node) applyPeerEvent(ctx context.Context, reg *Registry, ev WatchEvent) error {
	switch ev.Type {
	case EventPut:
		n.logger.Printf("added node: %s", ev.Value)
		return reg.AddEndpoint(ev.Value)
	case EventDelete:
		n.logger.Printf("one member has died")
		peers, err := n.getPeers(ctx)
		if err != nil {
			return err
		}
		if err := reg.Replace(peers); err != nil {
			return err
		}
		return n.maybeAnnounceFailover(ctx, reg)
	}
	return nil
}

// maybeAnnounceFailover implements the leader-side half of spec §4.10's
// failover protocol: once this node's group has fewer members than the
// configured read quorum, publish a failover slot naming the group so
// another node can claim the vacancy.
func (n *Node) maybeAnnounceFailover(ctx context.Context, reg *Registry) error {
	if !n.IsLeader() {
		return nil
	}
	if reg.MemberCount() >= n.config.Reads {
		return nil
	}
	key := fmt.Sprintf("%s%s", n.config.FailoverIDKeyPrefix, n.svc.String())
	return n.coord.Put(ctx, key, strconv.Itoa(reg.GroupID()), 0)
}

// leaderKeys and electionKeys resolve this node's coalition's key pairs;
// both require the node id (and therefore the group id) to already be
// known.
func (n *Node) leaderKeys() (slot1, slot2 string, err error) {
	groupID, err := n.requireGroupID()
	if err != nil {
		return "", "", err
	}
	s1, s2 := n.config.LeaderKeys(n.config.Coalition(groupID))
	return s1, s2, nil
}

func (n *Node) electionKeys() (slot1, slot2 string, err error) {
	groupID, err := n.requireGroupID()
	if err != nil {
		return "", "", err
	}
	s1, s2 := n.config.ElectionKeys(n.config.Coalition(groupID))
	return s1, s2, nil
}

func (n *Node) requireGroupID() (int, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.groupID == nil {
		return 0, fmt.Errorf("%w: group id is not known", ErrInvalidState)
	}
	return *n.groupID, nil
}

// GetLeaders reads both leader slots of this node's coalition and returns
// whichever are currently occupied.
func (n *Node) GetLeaders(ctx context.Context) ([]ServiceNode, error) {
	slot1, slot2, err := n.leaderKeys()
	if err != nil {
		return nil, err
	}
	var leaders []ServiceNode
	for _, key := range []string{slot1, slot2} {
		kvs, err := n.coord.Get(ctx, key, true)
		if err != nil {
			return nil, fmt.Errorf("cluster: get leader %s: %w", key, err)
		}
		if len(kvs) == 0 {
			continue
		}
		sn, err := ParseServiceNode(kvs[0].Value)
		if err != nil {
			return nil, err
		}
		leaders = append(leaders, sn)
	}
	if len(leaders) == 0 {
		return nil, fmt.Errorf("%w: no leader found", ErrInvalidState)
	}
	return leaders, nil
}

// campaign locks electionKey with this node's lease and, on success,
// installs itself as the corresponding leader slot.
func (n *Node) campaign(ctx context.Context, electionKey string) error {
	leaderSlot1, leaderSlot2, err := n.leaderKeys()
	if err != nil {
		return err
	}
	electionSlot1, _, err := n.electionKeys()
	if err != nil {
		return err
	}
	token, err := n.coord.Lock(ctx, electionKey, n.lease)
	if err != nil {
		return err
	}
	n.logger.Printf("locked election key with lease: %s", token)

	leaderKey := leaderSlot2
	if electionKey == electionSlot1 {
		leaderKey = leaderSlot1
	}

	// Re-check under the election lock: another node may have installed
	// itself into this slot between WatchLeaders observing it empty and
	// this node winning the lock. Never put into an occupied slot.
	kvs, err := n.coord.Get(ctx, leaderKey, false)
	if err != nil {
		return fmt.Errorf("cluster: check leader slot: %w", err)
	}
	if len(kvs) != 0 {
		return ErrLeaderSlotTaken
	}

	if err := n.coord.Put(ctx, leaderKey, n.svc.String(), n.lease); err != nil {
		return fmt.Errorf("cluster: publish leader key: %w", err)
	}
	return nil
}

// WatchLeaders checks both election slots of this node's coalition; if
// either is empty it returns that slot's key immediately so the caller can
// campaign. Otherwise it watches both slots for a Delete event naming one
// of the leader keys and returns the corresponding election key once one
// fires, or ctx.Err() if ctx is cancelled first (including by a keepalive
// failure, when Run passes a context derived for that purpose).
func (n *Node) WatchLeaders(ctx context.Context) (string, error) {
	slot1, slot2, err := n.electionKeys()
	if err != nil {
		return "", err
	}
	leaderSlot1, leaderSlot2, err := n.leaderKeys()
	if err != nil {
		return "", err
	}
	for _, key := range []string{slot1, slot2} {
		kvs, err := n.coord.Get(ctx, key, true)
		if err != nil {
			return "", fmt.Errorf("cluster: check election slot %s: %w", key, err)
		}
		if len(kvs) == 0 {
			return key, nil
		}
	}

	events1, err := n.coord.Watch(ctx, slot1, true)
	if err != nil {
		return "", fmt.Errorf("cluster: watch election slot 1: %w", err)
	}
	events2, err := n.coord.Watch(ctx, slot2, true)
	if err != nil {
		return "", fmt.Errorf("cluster: watch election slot 2: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case ev, ok := <-events1:
			if ok && ev.Type == EventDelete && containsPrefix(ev.Key, leaderSlot1) {
				return slot1, nil
			}
		case ev, ok := <-events2:
			if ok && ev.Type == EventDelete && containsPrefix(ev.Key, leaderSlot2) {
				return slot2, nil
			}
		}
	}
}

func containsPrefix(key, prefix string) bool {
	return len(key) >= len(prefix) && key[:len(prefix)] == prefix
}

// runKeepAlive sends a lease keep-alive on every tick of the refresh
// interval until ctx is cancelled, recording the first failure (fatal for
// the node, per spec) on the node and closing failed so any blocking watch
// Run has delegated a derived context to wakes up immediately instead of
// waiting for its next event.
func (n *Node) runKeepAlive(ctx context.Context, failed chan<- struct{}) {
	ticker := time.NewTicker(n.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.KeepAlive(ctx); err != nil {
				n.mu.Lock()
				n.keepAliveErr = err
				n.mu.Unlock()
				close(failed)
				return
			}
		}
	}
}

// Run drives the full node lifecycle: obtain an id, register into the
// resolved group, then loop forever refreshing the lease and — per role —
// watching either for an empty leadership slot to campaign for, or for
// peer churn to reconcile the registry. It returns only on an
// unrecoverable coordinator error or ctx cancellation.
func (n *Node) Run(ctx context.Context, bootstrap Bootstrap) error {
	if err := n.Bootstrap(ctx, bootstrap.LeaseTTL); err != nil {
		return err
	}
	nodeID, err := n.acquireNodeID(ctx)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.nodeID = &nodeID
	n.mu.Unlock()
	n.logger.Printf("node id: %d", nodeID)

	groupID := n.config.GroupOf(nodeID)
	n.logger.Printf("group id: %d", groupID)
	if err := n.register(ctx, groupID); err != nil {
		return err
	}
	n.logger.Printf("registered")

	// failed is closed, and watchCtx cancelled, the instant runKeepAlive
	// observes its first failure — so a Leader or candidate blocked inside
	// WatchPeers/WatchLeaders reacts immediately instead of waiting for its
	// next membership or leadership event. Mirrors node.rs's single
	// tokio::select! interleaving keepalive, watch_peers, and
	// watch_group_leaders/campaign every iteration.
	failed := make(chan struct{})
	go n.runKeepAlive(ctx, failed)

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go func() {
		select {
		case <-ctx.Done():
		case <-failed:
		}
		cancelWatch()
	}()

	// keepAliveOutcome turns a watchCtx cancellation into the right error:
	// the outer ctx's own error if this is a real shutdown, the recorded
	// keepalive failure if that is what tripped watchCtx, or err unchanged
	// for any other failure.
	keepAliveOutcome := func(err error) error {
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-failed:
			n.mu.RLock()
			kerr := n.keepAliveErr
			n.mu.RUnlock()
			return kerr
		default:
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-failed:
			n.mu.RLock()
			err := n.keepAliveErr
			n.mu.RUnlock()
			return err
		default:
		}

		if n.IsLeader() {
			if err := n.WatchPeers(watchCtx); err != nil {
				return keepAliveOutcome(err)
			}
			continue
		}

		electionKey, err := n.WatchLeaders(watchCtx)
		if err != nil {
			return keepAliveOutcome(err)
		}
		if electionKey != "" {
			if err := n.campaign(ctx, electionKey); err != nil {
				if errors.Is(err, ErrLockHeld) || errors.Is(err, ErrLeaderSlotTaken) {
					n.logger.Printf("did not become leader: %v", err)
					continue
				}
				n.logger.Printf("error while campaigning: %v", err)
				return err
			}
			n.flipNodeType()
			continue
		}
		if err := n.WatchPeers(watchCtx); err != nil {
			return keepAliveOutcome(err)
		}
	}
}
