// Package liveness is the Peer Liveness Tracker: it watches two disjoint
// populations, torrent owners and peer workers, and on a death notification
// classifies the dead identity and dispatches the right release action back
// into the scheduler.
//
// Liveness never imports the scheduler package. It depends only on the
// narrow Releaser interface below, which *scheduler.Scheduler happens to
// satisfy - a one-way subscription instead of a back-pointer, so the two
// packages don't form an import cycle even though logically they call into
// each other.
package liveness

import (
	"sync"

	"github.com/relaymesh/chunkrelay/blockindex"
)

// TorrentID and PeerID mirror blockindex's so callers never convert.
type TorrentID = blockindex.TorrentID
type PeerID = blockindex.PeerID

// Releaser is what NotifyDeath calls back into once it has classified a
// dead identity.
type Releaser interface {
	// Putback demotes every block reserved by peer back to not_fetched.
	Putback(peer PeerID)
	// PurgeTorrent drops every block index entry belonging to a torrent.
	PurgeTorrent(t TorrentID)
}

// Tracker is the Peer Liveness Tracker.
type Tracker struct {
	releaser Releaser

	mu     sync.Mutex
	owners map[TorrentID]PeerID
	peers  map[PeerID]struct{}
}

// New returns a Tracker that dispatches release actions to releaser.
func New(releaser Releaser) *Tracker {
	return &Tracker{
		releaser: releaser,
		owners:   make(map[TorrentID]PeerID),
		peers:    make(map[PeerID]struct{}),
	}
}

// WatchOwner records identity as the owner of torrent, idempotently.
func (tr *Tracker) WatchOwner(t TorrentID, owner PeerID) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.owners[t] = owner
}

// WatchPeer begins watching a peer worker's liveness. Called the first time
// a peer successfully reserves blocks, per spec.md's monitored-peer set.
func (tr *Tracker) WatchPeer(peer PeerID) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.peers[peer] = struct{}{}
}

// IsWatchingPeer reports whether peer is currently in the monitored-peer
// set, used to preserve invariant 3: no {assigned, P} entry may exist for a
// P the tracker isn't watching.
func (tr *Tracker) IsWatchingPeer(peer PeerID) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	_, ok := tr.peers[peer]
	return ok
}

// NotifyDeath reports that identity has terminated. If it is a known
// torrent owner, every torrent it owns is purged from the block index and
// the owner is forgotten. Otherwise it is treated as a peer worker: its
// reservations are put back and it is forgotten. The two populations are
// checked in separate maps so classification never depends on ordering.
func (tr *Tracker) NotifyDeath(identity PeerID) {
	tr.mu.Lock()
	var dead []TorrentID
	for t, owner := range tr.owners {
		if owner == identity {
			dead = append(dead, t)
		}
	}
	for _, t := range dead {
		delete(tr.owners, t)
	}
	isOwner := len(dead) > 0
	delete(tr.peers, identity)
	tr.mu.Unlock()

	if isOwner {
		for _, t := range dead {
			tr.releaser.PurgeTorrent(t)
		}
		return
	}
	tr.releaser.Putback(identity)
}
