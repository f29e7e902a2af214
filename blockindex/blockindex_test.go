package blockindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tid(b byte) TorrentID {
	var t TorrentID
	t[0] = b
	return t
}

func TestChunkLocatorsLastBlockShort(t *testing.T) {
	locs := ChunkLocators(0, 8*BlockSize+100)
	require.Len(t, locs, 9)
	assert.Equal(t, BlockSize, locs[0].Length)
	assert.Equal(t, 100, locs[8].Length)
	assert.Equal(t, 8*BlockSize, locs[8].Offset)
}

func TestChunkLocatorsExactMultiple(t *testing.T) {
	locs := ChunkLocators(0, 4*BlockSize)
	require.Len(t, locs, 4)
	assert.Equal(t, BlockSize, locs[3].Length)
}

func TestChunkifyAllNotFetched(t *testing.T) {
	idx := New()
	tr := tid(1)
	locs := idx.Chunkify(tr, 0, 3*BlockSize)
	require.Len(t, locs, 3)
	assert.True(t, idx.HasNotFetched(tr, 0))
	assert.Len(t, idx.NotFetched(tr, 0), 3)
}

func TestSelectByPieceMovesToAssigned(t *testing.T) {
	idx := New()
	tr := tid(1)
	idx.Chunkify(tr, 0, 3*BlockSize)
	picked, ok := idx.SelectByPiece(tr, 0, "peerA", 2)
	require.True(t, ok)
	assert.Len(t, picked, 2)
	assert.Len(t, idx.NotFetched(tr, 0), 1)
	assigned := idx.AssignedToPeer("peerA")
	assert.Len(t, assigned, 2)
}

func TestSelectByPieceNothingLeft(t *testing.T) {
	idx := New()
	tr := tid(1)
	idx.Chunkify(tr, 0, BlockSize)
	_, ok := idx.SelectByPiece(tr, 0, "peerA", 4)
	require.True(t, ok)
	_, ok = idx.SelectByPiece(tr, 0, "peerB", 4)
	assert.False(t, ok)
}

func TestMarkFetchedFoundVsAssigned(t *testing.T) {
	idx := New()
	tr := tid(1)
	locs := idx.Chunkify(tr, 0, 2*BlockSize)
	// not_fetched -> found
	assert.True(t, idx.MarkFetched(tr, locs[0]))
	// now reserve the second block, mark_fetched should report not-found
	idx.SelectByPiece(tr, 0, "peerA", 1)
	assert.False(t, idx.MarkFetched(tr, locs[1]))
}

// InsertFetched clears the block's assignment even though the delivering
// peer (none, here - it's a bare torrent-wide store) isn't the one the
// block was assigned to. This is the endgame race: pickBlocksEndgame hands
// out a block that's already assigned to peerA without recording anything
// of its own, so whichever connection's data lands first must still clear
// peerA's now-stale reservation.
func TestInsertFetchedClearsAssignments(t *testing.T) {
	idx := New()
	tr := tid(1)
	locs := idx.Chunkify(tr, 0, BlockSize)
	idx.SelectByPiece(tr, 0, "peerA", 1)
	require.Len(t, idx.AssignedToPeer("peerA"), 1)

	inserted := idx.InsertFetched(tr, locs[0])
	assert.True(t, inserted)
	assert.Empty(t, idx.AssignedToPeer("peerA"))

	// duplicate delivery is reported, not re-inserted
	assert.False(t, idx.InsertFetched(tr, locs[0]))
}

func TestPutbackReturnsAndClearsAssignments(t *testing.T) {
	idx := New()
	tr := tid(1)
	idx.Chunkify(tr, 0, 3*BlockSize)
	idx.SelectByPiece(tr, 0, "peerA", 3)
	released := idx.Putback("peerA")
	assert.Len(t, released, 3)
	assert.Empty(t, idx.AssignedToPeer("peerA"))
	assert.Len(t, idx.NotFetched(tr, 0), 3)
}

func TestEndgameReleaseSingleEntry(t *testing.T) {
	idx := New()
	tr := tid(1)
	locs := idx.Chunkify(tr, 0, BlockSize)
	idx.SelectByPiece(tr, 0, "peerA", 1)
	assert.True(t, idx.EndgameRelease(tr, locs[0], "peerA"))
	assert.False(t, idx.EndgameRelease(tr, locs[0], "peerA"))
	assert.Empty(t, idx.AssignedToPeer("peerA"))
}

func TestEndgameCandidatesIncludesAssignedAndNotFetched(t *testing.T) {
	idx := New()
	tr := tid(1)
	idx.Chunkify(tr, 0, 2*BlockSize)
	idx.SelectByPiece(tr, 0, "peerA", 1)
	cands := idx.EndgameCandidates(tr, 0)
	// locs[0] assigned to peerA, locs[1] still not_fetched: 2 distinct offsets
	assert.Len(t, cands, 2)
}

func TestPurgePieceAndTorrent(t *testing.T) {
	idx := New()
	tr := tid(1)
	idx.Chunkify(tr, 0, BlockSize)
	idx.Chunkify(tr, 1, BlockSize)
	idx.PurgePiece(tr, 0)
	assert.False(t, idx.HasNotFetched(tr, 0))
	assert.True(t, idx.HasNotFetched(tr, 1))
	idx.PurgeTorrent(tr)
	assert.False(t, idx.HasNotFetched(tr, 1))
}
