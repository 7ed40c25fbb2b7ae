package p2p

import (
	"context"
	"crypto/ecdsa"
	"log/slog"
	"sort"

	"github.com/fedbtc/fedbtcd/internal/config"
	"github.com/fedbtc/fedbtcd/internal/rsk"
)

// Group is the authenticated federation peer group: broadcast and unicast to
// peers, a membership view keyed by federator address, and availability
// callbacks. Inbound messages are queued and drained by the node loop, so all
// handling stays on one task.
type Group struct {
	localID string
	key     *ecdsa.PrivateKey
	lookup  FederatorLookup

	peers   map[string]*Peer // endpoint -> peer
	inbound chan Envelope

	available     map[string]bool // nodeID -> reachable
	onAvailable   []func(nodeID string)
	onUnavailable []func(nodeID string)
}

// NewGroup creates the peer group. localID is the node's own federator
// address; endpoints are the configured peer host:port pairs.
func NewGroup(localID string, key *ecdsa.PrivateKey, lookup FederatorLookup, endpoints []string) *Group {
	peers := make(map[string]*Peer, len(endpoints))
	for _, ep := range endpoints {
		peers[ep] = NewPeer(ep, key, lookup)
	}

	return &Group{
		localID:   rsk.NormalizeAddress(localID),
		key:       key,
		lookup:    lookup,
		peers:     peers,
		inbound:   make(chan Envelope, config.MessageQueueCapacity),
		available: make(map[string]bool),
	}
}

// LocalID returns the node's own federator address.
func (g *Group) LocalID() string {
	return g.localID
}

// Members returns the sorted set of known-reachable node ids, including the
// local node.
func (g *Group) Members() []string {
	members := []string{g.localID}
	for id, ok := range g.available {
		if ok {
			members = append(members, id)
		}
	}
	sort.Strings(members)
	return members
}

// OnNodeAvailable registers a callback fired when a peer becomes reachable.
func (g *Group) OnNodeAvailable(fn func(nodeID string)) {
	g.onAvailable = append(g.onAvailable, fn)
}

// OnNodeUnavailable registers a callback fired when a peer stops being
// reachable.
func (g *Group) OnNodeUnavailable(fn func(nodeID string)) {
	g.onUnavailable = append(g.onUnavailable, fn)
}

// Receive returns the inbound message queue. The node loop drains it between
// iterations; handlers never run concurrently.
func (g *Group) Receive() <-chan Envelope {
	return g.inbound
}

// Broadcast sends a message to every configured peer. Per-peer failures mark
// the peer unavailable but do not fail the broadcast.
func (g *Group) Broadcast(ctx context.Context, msgType string, payload any) error {
	env, err := NewEnvelope(msgType, g.localID, payload)
	if err != nil {
		return err
	}

	for endpoint, peer := range g.peers {
		if err := peer.Send(ctx, env); err != nil {
			slog.Debug("broadcast delivery failed",
				"endpoint", endpoint,
				"type", msgType,
				"error", err,
			)
			g.markUnavailable(peer)
			continue
		}
		g.markAvailable(peer)
	}
	return nil
}

// Send delivers a message to the peer with the given node id. Unknown or
// unreachable peers return ErrPeerUnavailable.
func (g *Group) Send(ctx context.Context, nodeID, msgType string, payload any) error {
	env, err := NewEnvelope(msgType, g.localID, payload)
	if err != nil {
		return err
	}

	for _, peer := range g.peers {
		if rsk.SameAddress(peer.NodeID(), nodeID) {
			if err := peer.Send(ctx, env); err != nil {
				g.markUnavailable(peer)
				return err
			}
			g.markAvailable(peer)
			return nil
		}
	}
	return config.ErrPeerUnavailable
}

// RefreshMembership probes every peer that has not completed a handshake yet,
// so the membership view converges after startup and after peer restarts.
func (g *Group) RefreshMembership(ctx context.Context) {
	for endpoint, peer := range g.peers {
		if peer.NodeID() != "" && g.available[peer.NodeID()] {
			continue
		}
		if err := peer.handshake(ctx); err != nil {
			slog.Debug("peer probe failed", "endpoint", endpoint, "error", err)
			g.markUnavailable(peer)
			continue
		}
		g.markAvailable(peer)
	}
}

func (g *Group) markAvailable(peer *Peer) {
	id := peer.NodeID()
	if id == "" || g.available[id] {
		return
	}
	g.available[id] = true
	slog.Info("peer available", "nodeId", id)
	for _, fn := range g.onAvailable {
		fn(id)
	}
}

func (g *Group) markUnavailable(peer *Peer) {
	id := peer.NodeID()
	if id == "" || !g.available[id] {
		return
	}
	g.available[id] = false
	slog.Info("peer unavailable", "nodeId", id)
	for _, fn := range g.onUnavailable {
		fn(id)
	}
}
