package client

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/chunkrelay/catalog"
	"github.com/relaymesh/chunkrelay/peer_wire"
	"github.com/relaymesh/chunkrelay/scheduler"
	"github.com/relaymesh/chunkrelay/session"
)

type nopScheduler struct{}

func (nopScheduler) PickBlocks(t session.TorrentID, have []int, unknown bool, budget int, caller session.PeerID) scheduler.PickResult {
	return scheduler.PickResult{Outcome: scheduler.NoneEligible}
}
func (nopScheduler) StoreBlock(t session.TorrentID, piece, offset int, data []byte) {}
func (nopScheduler) Putback(peer session.PeerID)                                    {}

type nopLiveness struct{}

func (nopLiveness) WatchPeer(peer session.PeerID)      {}
func (nopLiveness) NotifyDeath(identity session.PeerID) {}

type nopUpload struct{}

func (nopUpload) ReadChunk(piece, offset, length int) ([]byte, error) { return nil, nil }

type nopCatalog struct{}

func (nopCatalog) CheckInterest(t session.TorrentID, have []int) catalog.InterestResult {
	return catalog.InterestResult{Outcome: catalog.NotInterested}
}

// newInterestedConn wires up a real session.Conn over a net.Pipe and makes
// the peer end declare interest, so the choker sees a genuinely interested
// connection rather than a hand-set field it has no access to.
func newInterestedConn(t *testing.T, peer session.PeerID) *session.Conn {
	local, remote := net.Pipe()
	myBf := peer_wire.NewBitField(1)
	c := session.New(local, session.TorrentID{}, peer, 1, myBf, nopScheduler{}, nopLiveness{}, nopCatalog{}, nopUpload{}, nil)
	go c.Run()
	go func() {
		(&peer_wire.Msg{Kind: peer_wire.Bitfield, Bitfield: peer_wire.NewBitField(1)}).Write(remote)
		(&peer_wire.Msg{Kind: peer_wire.Interested}).Write(remote)
	}()
	require.Eventually(t, c.IsInterested, time.Second, time.Millisecond)
	return c
}

func TestChokerUnchokesBestRates(t *testing.T) {
	tor := &Torrent{closeCh: make(chan struct{})}
	chk := newChoker(tor)

	var conns []*session.Conn
	for i := 0; i < 6; i++ {
		peer := session.PeerID(byte('a' + i))
		conns = append(conns, newInterestedConn(t, peer))
	}
	tor.conns = conns

	chk.reviewUnchokedPeers()

	var unchoked int
	for _, c := range conns {
		if !c.IsChoking() {
			unchoked++
		}
	}
	// maxUploadSlots best-rate peers plus whatever the optimistic pick adds.
	assert.GreaterOrEqual(t, unchoked, maxUploadSlots)
	assert.LessOrEqual(t, unchoked, maxUploadSlots+optimisticSlots)
}

func TestChokerNoConnsIsNoop(t *testing.T) {
	tor := &Torrent{closeCh: make(chan struct{})}
	chk := newChoker(tor)
	chk.reviewUnchokedPeers()
	// currRound still advances even when there's nothing to review.
	assert.Equal(t, 1, chk.currRound)
}
