// Package catalog is the Piece Catalog: the scheduler's read-mostly view of
// which pieces exist, how long they are, which ones are already chunked or
// fully fetched, and which fresh piece is worth chunking next.
//
// Unlike blockindex, the catalog is genuinely shared: torrent registration,
// peer sessions announcing have-sets, and the scheduler's single actor all
// touch it concurrently, so its concrete implementation guards its own state
// instead of relying on the scheduler's serialization.
package catalog

import (
	"sync"

	"github.com/anacrolix/missinggo/bitmap"
	"go.uber.org/atomic"

	"github.com/relaymesh/chunkrelay/blockindex"
)

// TorrentID and Locator are the block index's types; the catalog shares them
// rather than minting its own so callers don't juggle conversions.
type TorrentID = blockindex.TorrentID

// EndgameThreshold is how few outstanding blocks a torrent may have left
// before IsEndgame starts reporting true. Chosen the way maxOnFlight is
// chosen in the teacher: small enough that racing requests across peers for
// the last few blocks is cheap, large enough that a single slow piece near
// the end doesn't trigger it prematurely.
const EndgameThreshold = 20

// PieceDescriptor names a piece a caller may want to chunkify.
type PieceDescriptor struct {
	Piece  int
	Length int
}

// InterestOutcome is the three-way result of CheckInterest.
type InterestOutcome int

const (
	// NotInterested means every piece in the have-set is already fetched.
	NotInterested InterestOutcome = iota
	// Interested means PrunedHave names pieces still worth requesting.
	Interested
	// InvalidPiece means the have-set names a piece index the torrent
	// doesn't have, per spec.md's invalid_piece error kind.
	InvalidPiece
)

// InterestResult is CheckInterest's return value.
type InterestResult struct {
	Outcome    InterestOutcome
	PrunedHave []int
}

// Tracker is the Piece Catalog interface the scheduler consults. It is kept
// as an interface (rather than exposing *PieceCatalog directly) so tests can
// substitute a stub without dragging in bitmap/atomic bookkeeping.
type Tracker interface {
	NumPieces(t TorrentID) int
	PieceLength(t TorrentID, piece int) (int, bool)
	ChunkedPieces(t TorrentID) []int
	FindNew(t TorrentID, have []int) (PieceDescriptor, bool)
	IsFetched(t TorrentID, piece int) bool
	CheckInterest(t TorrentID, have []int) InterestResult
	IsEndgame(t TorrentID) bool
	DecreaseMissingChunks(t TorrentID, piece int) (remaining int32, full bool)
	ChunkifyPiece(t TorrentID, d PieceDescriptor) []blockindex.Locator
	// MarkVerified consumes the verifier's result for a finalized piece
	// (spec.md §4.4): ok marks the piece fetched for good, a bad hash
	// resets it to unchunked so the scheduler re-chunks it naturally.
	MarkVerified(t TorrentID, piece int, ok bool)
}

type torrentEntry struct {
	lengths []int
	fetched bitmap.Bitmap
	chunked bitmap.Bitmap
	missing []*atomic.Int32
	// outstanding is the sum of missing across the whole torrent, tracked
	// separately so IsEndgame doesn't need to walk every piece on every
	// pick_blocks call.
	outstanding *atomic.Int32
	freq        freqMap
}

func numBlocks(length int) int {
	return (length + blockindex.BlockSize - 1) / blockindex.BlockSize
}

// PieceCatalog is the concrete, in-memory Tracker adapter a client wires up
// from a torrent's metadata.
type PieceCatalog struct {
	mu       sync.RWMutex
	torrents map[TorrentID]*torrentEntry
}

// New returns an empty PieceCatalog.
func New() *PieceCatalog {
	return &PieceCatalog{torrents: make(map[TorrentID]*torrentEntry)}
}

// Register begins tracking a torrent given the length of each of its pieces,
// derived from metainfo.InfoDict.PieceLength. Idempotent replaces are not
// supported; call once per torrent.
func (c *PieceCatalog) Register(t TorrentID, pieceLengths []int) {
	missing := make([]*atomic.Int32, len(pieceLengths))
	var total int32
	for i, l := range pieceLengths {
		n := int32(numBlocks(l))
		missing[i] = atomic.NewInt32(n)
		total += n
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.torrents[t] = &torrentEntry{
		lengths:     pieceLengths,
		missing:     missing,
		outstanding: atomic.NewInt32(total),
		freq:        newFreqMap(),
	}
}

// Purge forgets a torrent entirely. client calls it when a torrent is removed
// for good; an owner's death alone does not call it.
func (c *PieceCatalog) Purge(t TorrentID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.torrents, t)
}

func (c *PieceCatalog) entry(t TorrentID) *torrentEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.torrents[t]
}

// NumPieces reports how many pieces the torrent has.
func (c *PieceCatalog) NumPieces(t TorrentID) int {
	e := c.entry(t)
	if e == nil {
		return 0
	}
	return len(e.lengths)
}

// PieceLength returns the length of piece, and whether the torrent and
// piece index are known.
func (c *PieceCatalog) PieceLength(t TorrentID, piece int) (int, bool) {
	e := c.entry(t)
	if e == nil || piece < 0 || piece >= len(e.lengths) {
		return 0, false
	}
	return e.lengths[piece], true
}

// ChunkedPieces returns every piece index currently materialized in the
// block index, in ascending order.
func (c *PieceCatalog) ChunkedPieces(t TorrentID) []int {
	e := c.entry(t)
	if e == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return e.chunked.ToSortedSlice()
}

// IsFetched reports whether a piece has been fully fetched and verified.
func (c *PieceCatalog) IsFetched(t TorrentID, piece int) bool {
	e := c.entry(t)
	if e == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return e.fetched.Get(piece)
}

// CheckInterest reports whether have contains a piece worth requesting, and
// as a side effect folds have into the rarity accounting FindNew consults.
func (c *PieceCatalog) CheckInterest(t TorrentID, have []int) InterestResult {
	e := c.entry(t)
	if e == nil {
		return InterestResult{Outcome: NotInterested}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	pruned := make([]int, 0, len(have))
	for _, p := range have {
		if p < 0 || p >= len(e.lengths) {
			return InterestResult{Outcome: InvalidPiece}
		}
		e.freq.add(p)
		if !e.fetched.Get(p) {
			pruned = append(pruned, p)
		}
	}
	if len(pruned) == 0 {
		return InterestResult{Outcome: NotInterested}
	}
	return InterestResult{Outcome: Interested, PrunedHave: pruned}
}

// FindNew picks one piece from have that is neither fetched nor already
// chunked, for the scheduler to chunkify. Before any piece has been fully
// fetched it picks in the order have presents them (bootstrap phase, mirrors
// the teacher's randomStrategy without the randomness so pick_blocks stays
// reproducible); afterwards it picks the rarest candidate by observed
// have-set frequency, breaking ties by ascending piece index (mirrors the
// teacher's rarestStrategy, made deterministic).
func (c *PieceCatalog) FindNew(t TorrentID, have []int) (PieceDescriptor, bool) {
	e := c.entry(t)
	if e == nil {
		return PieceDescriptor{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var candidates []int
	for _, p := range have {
		if p < 0 || p >= len(e.lengths) {
			continue
		}
		e.freq.add(p)
		if !e.fetched.Get(p) && !e.chunked.Get(p) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return PieceDescriptor{}, false
	}
	if e.fetched.Len() == 0 {
		p := candidates[0]
		return PieceDescriptor{Piece: p, Length: e.lengths[p]}, true
	}
	target := e.freq.min(candidates)
	best := -1
	for _, p := range candidates {
		if e.freq[p] == target && (best == -1 || p < best) {
			best = p
		}
	}
	return PieceDescriptor{Piece: best, Length: e.lengths[best]}, true
}

// ChunkifyPiece marks a piece chunked and returns its block breakdown, using
// the same fixed-size splitting rule the block index uses so the two stay in
// lockstep.
func (c *PieceCatalog) ChunkifyPiece(t TorrentID, d PieceDescriptor) []blockindex.Locator {
	e := c.entry(t)
	if e == nil {
		return nil
	}
	c.mu.Lock()
	e.chunked.Set(d.Piece, true)
	c.mu.Unlock()
	return blockindex.ChunkLocators(d.Piece, d.Length)
}

// DecreaseMissingChunks atomically decrements a piece's outstanding block
// count, called once per first-time store_block. full reports whether the
// count reached zero, meaning the piece is ready for verification.
func (c *PieceCatalog) DecreaseMissingChunks(t TorrentID, piece int) (remaining int32, full bool) {
	e := c.entry(t)
	if e == nil || piece < 0 || piece >= len(e.missing) {
		return 0, false
	}
	remaining = e.missing[piece].Dec()
	e.outstanding.Dec()
	return remaining, remaining <= 0
}

// IsEndgame reports whether the torrent has already fetched at least one
// piece (so this isn't just a small torrent that always looks "almost
// done") and its overall outstanding block count has dropped below
// EndgameThreshold. Mirrors the teacher's own bootstrap-phase gate
// (pieces.ownedPieces.Len() == 0) for switching strategies.
func (c *PieceCatalog) IsEndgame(t TorrentID) bool {
	e := c.entry(t)
	if e == nil {
		return false
	}
	c.mu.RLock()
	fetchedAny := e.fetched.Len() > 0
	c.mu.RUnlock()
	if !fetchedAny {
		return false
	}
	outstanding := e.outstanding.Load()
	return outstanding > 0 && outstanding < EndgameThreshold
}

// MarkVerified records the verifier's outcome for a finalized piece. On a
// good hash the piece is marked fetched (and dropped from chunked, so
// ChunkedPieces reflects only in-progress pieces). On a bad hash the piece
// is reset to unchunked with its missing-block counter restored, so the
// scheduler will re-chunk and re-request it on the next pick.
func (c *PieceCatalog) MarkVerified(t TorrentID, piece int, ok bool) {
	e := c.entry(t)
	if e == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e.chunked.Set(piece, false)
	if ok {
		e.fetched.Set(piece, true)
		return
	}
	restored := int32(numBlocks(e.lengths[piece]))
	e.missing[piece].Store(restored)
	e.outstanding.Add(restored)
}
