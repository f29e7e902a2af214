package liveness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReleaser struct {
	putback []PeerID
	purged  []TorrentID
}

func (f *fakeReleaser) Putback(peer PeerID)      { f.putback = append(f.putback, peer) }
func (f *fakeReleaser) PurgeTorrent(t TorrentID) { f.purged = append(f.purged, t) }

func tid(b byte) TorrentID {
	var t TorrentID
	t[0] = b
	return t
}

func TestNotifyDeathPurgesOwnedTorrents(t *testing.T) {
	rel := &fakeReleaser{}
	tr := New(rel)
	torrentA, torrentB := tid(1), tid(2)
	tr.WatchOwner(torrentA, "owner1")
	tr.WatchOwner(torrentB, "owner1")
	tr.WatchOwner(tid(3), "owner2")

	tr.NotifyDeath("owner1")

	assert.ElementsMatch(t, []TorrentID{torrentA, torrentB}, rel.purged)
	assert.Empty(t, rel.putback)
}

func TestNotifyDeathPutbacksUnknownIdentity(t *testing.T) {
	rel := &fakeReleaser{}
	tr := New(rel)
	tr.WatchPeer("peerA")

	tr.NotifyDeath("peerA")

	require.Len(t, rel.putback, 1)
	assert.Equal(t, PeerID("peerA"), rel.putback[0])
	assert.Empty(t, rel.purged)
}

func TestIsWatchingPeer(t *testing.T) {
	rel := &fakeReleaser{}
	tr := New(rel)
	assert.False(t, tr.IsWatchingPeer("peerA"))
	tr.WatchPeer("peerA")
	assert.True(t, tr.IsWatchingPeer("peerA"))
}

func TestOwnerDeathForgetsOwner(t *testing.T) {
	rel := &fakeReleaser{}
	tr := New(rel)
	torrentA := tid(1)
	tr.WatchOwner(torrentA, "owner1")
	tr.NotifyDeath("owner1")
	// a second death notification for the same identity purges nothing more
	tr.NotifyDeath("owner1")
	assert.Len(t, rel.purged, 1)
}
