package coopcore

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"go-coopcore/detector"
)

// AddPeer registers a remote member with the failure detector and the ring.
// The peer takes placements until the detector suspects it.
func (n *Node) AddPeer(id uint64, name string, weight uint32, capacity uint64, now uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch {
	case id == 0:
		return ErrReservedID
	case id == n.id:
		return ErrSelfPeer
	case weight == 0:
		return ErrInvalidWeight
	}
	if _, ok := n.peers[id]; ok {
		return ErrPeerExists
	}

	if err := n.detector.Register(id, n.options.suspectThreshold, n.options.failThreshold); err != nil {
		if errors.Is(err, detector.ErrPeerExists) {
			return ErrPeerExists
		}
		return fmt.Errorf("failed to register peer %d: %w", id, err)
	}
	if !n.ring.AddNode(id, name, weight, capacity, now) {
		n.detector.Unregister(id)
		return fmt.Errorf("failed to add peer %d to ring: %w", id, ErrPeerExists)
	}

	n.peers[id] = &peer{ID: id, Name: name, Weight: weight, Capacity: capacity, JoinedNs: now}
	n.emit(EventPeerJoined, id, now, name)
	n.options.logger.Info("peer added",
		"peer_id", id,
		"name", name,
		"weight", weight)
	return nil
}

// RemovePeer forgets a peer everywhere. Items it owned are re-homed; the
// rebalance events are reported by the next Maintain.
func (n *Node) RemovePeer(id uint64, now uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	var p, ok = n.peers[id]
	if !ok {
		return false
	}

	n.detector.Unregister(id)
	n.clock.RemovePeer(id)
	n.ring.RemoveNode(id, now)
	delete(n.peers, id)

	n.emit(EventPeerLeft, id, now, p.Name)
	n.options.logger.Info("peer removed", "peer_id", id, "name", p.Name)
	return true
}

// Heartbeat records a heartbeat from a peer. A peer coming back from
// suspicion is made placeable again immediately.
func (n *Node) Heartbeat(peerID uint64, ts uint64, payloadVersion uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	var before = n.detector.Status(peerID)
	if !n.detector.ReceiveHeartbeat(peerID, ts, payloadVersion) {
		return false
	}
	if after := n.detector.Status(peerID); after != before {
		n.observe(detector.Transition{PeerID: peerID, From: before, To: after, AtNs: ts})
	}
	return true
}

// observe propagates a detector transition into the ring and the event log.
func (n *Node) observe(tr detector.Transition) {
	var placeable = tr.To != detector.StatusSuspected && tr.To != detector.StatusFailed
	n.ring.SetAlive(tr.PeerID, placeable)

	n.emit(EventPeerStatus, tr.PeerID, tr.AtNs, fmt.Sprintf("%s->%s phi=%.2f", tr.From, tr.To, tr.Phi))

	switch {
	case !placeable:
		n.options.logger.Warn("peer status changed",
			"peer_id", tr.PeerID,
			"from", tr.From.String(),
			"to", tr.To.String(),
			"phi", tr.Phi)
	case tr.From == detector.StatusSuspected || tr.From == detector.StatusFailed:
		n.options.logger.Info("peer recovered",
			"peer_id", tr.PeerID,
			"from", tr.From.String())
	default:
		n.options.logger.Debug("peer status changed",
			"peer_id", tr.PeerID,
			"from", tr.From.String(),
			"to", tr.To.String())
	}
}

// PeerStatus returns the detector's view of a peer.
func (n *Node) PeerStatus(id uint64) detector.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.detector.Status(id)
}

// Peers returns snapshots of every peer, ordered by id.
func (n *Node) Peers() []PeerInfo {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out = make([]PeerInfo, 0, len(n.peers))
	for _, id := range slices.Sorted(maps.Keys(n.peers)) {
		out = append(out, n.peerInfo(id))
	}
	return out
}

func (n *Node) peerInfo(id uint64) PeerInfo {
	var (
		p       = n.peers[id]
		info    = PeerInfo{ID: id, Name: p.Name, Weight: p.Weight}
		st, ok  = n.detector.Peer(id)
		rn, has = n.ring.Node(id)
	)
	if ok {
		info.Status = st.Status
		info.Phi = st.Phi
		info.LastHeartbeatNs = st.LastHeartbeatNs
	}
	if has {
		info.Load = rn.Load
		info.VirtualNodes = rn.VirtualNodes
	}
	return info
}
