package cluster

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func testConfig() *Config {
	return &Config{
		DBName:              "db",
		Groups:              2,
		GroupSize:           1,
		Reads:               2,
		Writes:              2,
		IDKey:               "relaydb-next-id",
		FailoverIDKeyPrefix: "failover-",
	}
}

// testNode builds a Node that already holds a lease and knows its group id,
// skipping the id-acquisition/registration dance Run otherwise drives.
func testNode(t *testing.T, coord Coordinator, cfg *Config, svc ServiceNode, groupID int) *Node {
	t.Helper()
	n := NewNode(coord, cfg, svc, time.Second)
	if err := n.Bootstrap(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	n.mu.Lock()
	n.groupID = &groupID
	n.mu.Unlock()
	return n
}

// Property 8: a campaigning node that observes both leader keys present
// never puts into a leader slot (node.go:429-438).
func TestCampaignNeverOverwritesOccupiedLeaderSlot(t *testing.T) {
	ctx := context.Background()
	coord := NewMemCoordinator()
	cfg := testConfig()
	node := testNode(t, coord, cfg, ServiceNode{Node: "b", Address: "b:1"}, 0)

	leaderSlot1, _, err := node.leaderKeys()
	if err != nil {
		t.Fatal(err)
	}
	electionSlot1, _, err := node.electionKeys()
	if err != nil {
		t.Fatal(err)
	}

	// Simulate a peer that already won this slot between WatchLeaders
	// observing it empty and this node reaching campaign.
	intruder := ServiceNode{Node: "a", Address: "a:1"}
	if err := coord.Put(ctx, leaderSlot1, intruder.String(), 0); err != nil {
		t.Fatal(err)
	}

	if err := node.campaign(ctx, electionSlot1); !errors.Is(err, ErrLeaderSlotTaken) {
		t.Fatalf("expected ErrLeaderSlotTaken, got %v", err)
	}

	kvs, err := coord.Get(ctx, leaderSlot1, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(kvs) != 1 || kvs[0].Value != intruder.String() {
		t.Fatalf("leader slot was overwritten: %v", kvs)
	}
}

// Campaigning into an empty slot ties the leader key to the node's own
// lease, so it is garbage-collected when that lease is revoked (§4.10/§9).
func TestCampaignPublishesLeaseTiedLeaderKey(t *testing.T) {
	ctx := context.Background()
	coord := NewMemCoordinator()
	cfg := testConfig()
	node := testNode(t, coord, cfg, ServiceNode{Node: "a", Address: "a:1"}, 0)

	electionSlot1, _, err := node.electionKeys()
	if err != nil {
		t.Fatal(err)
	}
	leaderSlot1, _, err := node.leaderKeys()
	if err != nil {
		t.Fatal(err)
	}

	if err := node.campaign(ctx, electionSlot1); err != nil {
		t.Fatalf("campaign: %v", err)
	}
	if kvs, err := coord.Get(ctx, leaderSlot1, false); err != nil || len(kvs) != 1 {
		t.Fatalf("expected leader key present after campaign, got %v err=%v", kvs, err)
	}

	coord.Revoke(node.lease)

	kvs, err := coord.Get(ctx, leaderSlot1, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(kvs) != 0 {
		t.Fatalf("expected leader key to disappear once its owning lease is revoked, got %v", kvs)
	}
}

// Property 9: killing a node without graceful shutdown causes, within L
// seconds, the disappearance of its membership key — MemCoordinator.Revoke
// models the lease expiry that drives this.
func TestMemCoordinatorRevokeSignalsWatchers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coord := NewMemCoordinator()

	lease, err := coord.Grant(ctx, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := coord.Put(ctx, "member-db-group-0-x", "peer-x", lease); err != nil {
		t.Fatal(err)
	}
	events, err := coord.Watch(ctx, "member-db-group-0-", true)
	if err != nil {
		t.Fatal(err)
	}

	coord.Revoke(lease)

	select {
	case ev := <-events:
		if ev.Type != EventDelete || ev.Key != "member-db-group-0-x" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("watch never observed the lease-expiry deletion")
	}

	kvs, err := coord.Get(ctx, "member-db-group-0-x", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(kvs) != 0 {
		t.Fatalf("expected member key gone after revoke, got %v", kvs)
	}
}

// Property 9, applied to leadership: once a leader's lease is revoked, a
// peer's GetLeaders no longer returns it.
func TestGetLeadersExcludesRevokedLeader(t *testing.T) {
	ctx := context.Background()
	coord := NewMemCoordinator()
	cfg := testConfig()

	nodeA := testNode(t, coord, cfg, ServiceNode{Node: "a", Address: "a:1"}, 0)
	electionSlot1, electionSlot2, err := nodeA.electionKeys()
	if err != nil {
		t.Fatal(err)
	}
	if err := nodeA.campaign(ctx, electionSlot1); err != nil {
		t.Fatal(err)
	}

	nodeB := testNode(t, coord, cfg, ServiceNode{Node: "b", Address: "b:1"}, 0)
	if err := nodeB.campaign(ctx, electionSlot2); err != nil {
		t.Fatal(err)
	}

	leaders, err := nodeB.GetLeaders(ctx)
	if err != nil || len(leaders) != 2 {
		t.Fatalf("expected both leaders present, got %v err=%v", leaders, err)
	}

	coord.Revoke(nodeA.lease)

	leaders, err = nodeB.GetLeaders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, l := range leaders {
		if l.Node == "a" {
			t.Fatalf("expected revoked leader a to be gone, got %v", leaders)
		}
	}
	if len(leaders) != 1 || leaders[0].Node != "b" {
		t.Fatalf("expected exactly leader b remaining, got %v", leaders)
	}
}

// flakyKeepAliveCoordinator wraps a real Coordinator but always fails
// KeepAlive, so a test can force runKeepAlive's failure path deterministically
// instead of waiting out a real lease TTL.
type flakyKeepAliveCoordinator struct {
	Coordinator
}

func (f *flakyKeepAliveCoordinator) KeepAlive(context.Context, LeaseID) (time.Duration, error) {
	return 0, errors.New("simulated coordinator keepalive failure")
}

// A keepalive failure must be observed promptly even while a Leader is
// blocked inside WatchPeers's own watch select loop (node.go's Run, the
// WatchPeers/WatchLeaders threading of the keepAliveErr signal).
func TestRunPropagatesKeepAliveFailureWhileLeaderBlockedInWatchPeers(t *testing.T) {
	cfg := testConfig()
	mem := NewMemCoordinator()
	if err := mem.Put(context.Background(), cfg.IDKey, "0", 0); err != nil {
		t.Fatal(err)
	}
	coord := &flakyKeepAliveCoordinator{Coordinator: mem}

	node := NewNode(coord, cfg, ServiceNode{Node: "a", Address: "a:1"}, 10*time.Millisecond)
	node.mu.Lock()
	node.nodetype = NodeLeader
	node.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- node.Run(ctx, Bootstrap{LeaseTTL: time.Second, RefreshInterval: 10 * time.Millisecond})
	}()

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "simulated coordinator keepalive failure") {
			t.Fatalf("expected the keepalive failure to propagate, got %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Run did not react to a keepalive failure while a Leader was blocked in WatchPeers")
	}
}
