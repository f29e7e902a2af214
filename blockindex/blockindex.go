// Package blockindex is the Block Index: the leaf-most collaborator of the
// scheduling core. It keeps, for every (torrent, piece) pair, which byte
// ranges of that piece are not yet fetched, which are reserved by a peer,
// and which are already on disk.
//
// An Index has no lock of its own. Every method assumes single-threaded,
// serialized access - in this module that means only the scheduler actor
// ever touches an Index. Nothing here dials peers, verifies hashes, or
// talks to disk; it is pure bookkeeping over integer offsets.
package blockindex

import (
	"sort"

	"github.com/RoaringBitmap/roaring"
)

// BlockSize is the fixed chunk size used to split a piece into blocks, per
// the wire protocol's request/piece message granularity. Only the final
// block of a piece may be shorter.
const BlockSize = 16384

// TorrentID identifies a torrent by its 20-byte SHA-1 info hash.
type TorrentID [20]byte

// PeerID is an opaque, comparable identity minted by the peer session layer.
// The index never looks inside it; any comparable value works as a map key.
type PeerID interface{}

// Locator names one block: the piece it belongs to, its byte offset within
// that piece, and its length.
type Locator struct {
	Piece  int
	Offset int
	Length int
}

// Assignment pairs a Locator with the peer it is currently reserved for.
type Assignment struct {
	Torrent TorrentID
	Locator Locator
	Peer    PeerID
}

// ChunkLocators splits a piece of the given length into BlockSize-sized
// blocks, the last one possibly shorter. piece is stamped onto every
// returned Locator so callers can pass the slice straight to Chunkify.
func ChunkLocators(piece, length int) []Locator {
	if length <= 0 {
		return nil
	}
	locs := make([]Locator, 0, (length+BlockSize-1)/BlockSize)
	for off := 0; off < length; off += BlockSize {
		l := BlockSize
		if off+l > length {
			l = length - off
		}
		locs = append(locs, Locator{Piece: piece, Offset: off, Length: l})
	}
	return locs
}

type pieceKey struct {
	torrent TorrentID
	piece   int
}

type pieceEntries struct {
	length     int
	notFetched *roaring.Bitmap
	fetched    *roaring.Bitmap
	assigned   map[PeerID]*roaring.Bitmap
}

func newPieceEntries(length int) *pieceEntries {
	return &pieceEntries{
		length:     length,
		notFetched: roaring.NewBitmap(),
		fetched:    roaring.NewBitmap(),
		assigned:   make(map[PeerID]*roaring.Bitmap),
	}
}

func (pe *pieceEntries) lengthAt(off int) int {
	if off+BlockSize > pe.length {
		return pe.length - off
	}
	return BlockSize
}

func (pe *pieceEntries) empty() bool {
	return pe.notFetched.IsEmpty() && pe.fetched.IsEmpty() && len(pe.assigned) == 0
}

// Index is the Block Index proper.
type Index struct {
	pieces map[pieceKey]*pieceEntries
}

// New returns an empty Index.
func New() *Index {
	return &Index{pieces: make(map[pieceKey]*pieceEntries)}
}

func (idx *Index) entry(t TorrentID, piece int) *pieceEntries {
	return idx.pieces[pieceKey{t, piece}]
}

// Chunkify inserts a not_fetched entry for every block of a freshly split
// piece and returns the block list it inserted. Calling Chunkify twice for
// the same (torrent, piece) is a caller bug; the second call clobbers the
// first's bookkeeping.
func (idx *Index) Chunkify(t TorrentID, piece, length int) []Locator {
	locs := ChunkLocators(piece, length)
	pe := newPieceEntries(length)
	for _, l := range locs {
		pe.notFetched.Add(uint32(l.Offset))
	}
	idx.pieces[pieceKey{t, piece}] = pe
	return locs
}

// NotFetched is query shape (a): every not_fetched block of one piece.
func (idx *Index) NotFetched(t TorrentID, piece int) []Locator {
	pe := idx.entry(t, piece)
	if pe == nil {
		return nil
	}
	return toLocators(piece, pe.notFetched, pe)
}

// HasNotFetched reports whether a piece still has at least one not_fetched
// block.
func (idx *Index) HasNotFetched(t TorrentID, piece int) bool {
	pe := idx.entry(t, piece)
	return pe != nil && !pe.notFetched.IsEmpty()
}

// AssignedToPeer is query shape (d): every block currently assigned to a
// given peer, across every torrent and piece the index knows about.
func (idx *Index) AssignedToPeer(peer PeerID) []Assignment {
	var out []Assignment
	for key, pe := range idx.pieces {
		bm, ok := pe.assigned[peer]
		if !ok {
			continue
		}
		it := bm.Iterator()
		for it.HasNext() {
			off := int(it.Next())
			out = append(out, Assignment{
				Torrent: key.torrent,
				Locator: Locator{Piece: key.piece, Offset: off, Length: pe.lengthAt(off)},
				Peer:    peer,
			})
		}
	}
	sortAssignments(out)
	return out
}

// EndgameCandidates is query shape (c): every block of a piece that is
// either not_fetched or assigned to someone, deduplicated by offset. This
// is what the endgame picker races requests against.
func (idx *Index) EndgameCandidates(t TorrentID, piece int) []Locator {
	pe := idx.entry(t, piece)
	if pe == nil {
		return nil
	}
	seen := roaring.NewBitmap()
	seen.Or(pe.notFetched)
	seen.Or(allAssignedOffsets(pe))
	return toLocators(piece, seen, pe)
}

// SelectByPiece is query shape (b): reserve up to max not_fetched blocks of
// one piece for peer, moving them from not_fetched to assigned. Returns
// ok=false if the piece has no not_fetched blocks left to give out.
func (idx *Index) SelectByPiece(t TorrentID, piece int, peer PeerID, max int) (picked []Locator, ok bool) {
	pe := idx.entry(t, piece)
	if pe == nil || pe.notFetched.IsEmpty() {
		return nil, false
	}
	it := pe.notFetched.Iterator()
	var offsets []uint32
	for it.HasNext() && len(offsets) < max {
		offsets = append(offsets, it.Next())
	}
	bm, exists := pe.assigned[peer]
	if !exists {
		bm = roaring.NewBitmap()
		pe.assigned[peer] = bm
	}
	for _, off := range offsets {
		pe.notFetched.Remove(off)
		bm.Add(off)
		picked = append(picked, Locator{Piece: piece, Offset: int(off), Length: pe.lengthAt(int(off))})
	}
	return picked, true
}

// MarkFetched implements the mark_fetched primitive: if a not_fetched entry
// exists for this locator, delete it and report found=true. Otherwise the
// block is currently reserved by someone (normal mode) or already fetched
// via another peer (endgame mode), and found is false.
func (idx *Index) MarkFetched(t TorrentID, l Locator) (found bool) {
	pe := idx.entry(t, l.Piece)
	if pe == nil {
		return false
	}
	if pe.notFetched.Contains(uint32(l.Offset)) {
		pe.notFetched.Remove(uint32(l.Offset))
		return true
	}
	return false
}

// InsertFetched marks a block as fetched and removes every {assigned, *}
// entry for it regardless of which peer(s) held it - endgame can have the
// block assigned to a peer other than the one that actually delivered it.
// The assigned/not_fetched cleanup runs unconditionally, even on a duplicate
// delivery, since a second copy of an already-fetched block can still be
// racing in from another peer's assignment. Returns false if the block was
// already fetched (duplicate delivery).
func (idx *Index) InsertFetched(t TorrentID, l Locator) bool {
	pe := idx.entry(t, l.Piece)
	if pe == nil {
		return false
	}
	duplicate := pe.fetched.Contains(uint32(l.Offset))
	pe.notFetched.Remove(uint32(l.Offset))
	for _, bm := range pe.assigned {
		bm.Remove(uint32(l.Offset))
	}
	pe.fetched.Add(uint32(l.Offset))
	return !duplicate
}

// EndgameRelease removes a single {assigned, peer} entry, e.g. once a race
// in endgame mode has been won by a different peer. Reports whether the
// entry existed.
func (idx *Index) EndgameRelease(t TorrentID, l Locator, peer PeerID) bool {
	pe := idx.entry(t, l.Piece)
	if pe == nil {
		return false
	}
	bm, ok := pe.assigned[peer]
	if !ok || !bm.Contains(uint32(l.Offset)) {
		return false
	}
	bm.Remove(uint32(l.Offset))
	if bm.IsEmpty() {
		delete(pe.assigned, peer)
	}
	return true
}

// Putback moves every block assigned to peer back to not_fetched, across
// every torrent and piece, and returns what it moved. Used when a peer
// disconnects or is deliberately released mid-piece.
func (idx *Index) Putback(peer PeerID) []Assignment {
	var out []Assignment
	for key, pe := range idx.pieces {
		bm, ok := pe.assigned[peer]
		if !ok {
			continue
		}
		it := bm.Iterator()
		for it.HasNext() {
			off := it.Next()
			pe.notFetched.Add(off)
			out = append(out, Assignment{
				Torrent: key.torrent,
				Locator: Locator{Piece: key.piece, Offset: int(off), Length: pe.lengthAt(int(off))},
				Peer:    peer,
			})
		}
		delete(pe.assigned, peer)
	}
	sortAssignments(out)
	return out
}

// PurgePiece drops every entry for one piece, e.g. once the piece has
// verified and there is nothing left to track.
func (idx *Index) PurgePiece(t TorrentID, piece int) {
	delete(idx.pieces, pieceKey{t, piece})
}

// PurgeTorrent drops every piece entry belonging to a torrent, e.g. once
// the torrent is removed from the client.
func (idx *Index) PurgeTorrent(t TorrentID) {
	for key := range idx.pieces {
		if key.torrent == t {
			delete(idx.pieces, key)
		}
	}
}

func allAssignedOffsets(pe *pieceEntries) *roaring.Bitmap {
	out := roaring.NewBitmap()
	for _, bm := range pe.assigned {
		out.Or(bm)
	}
	return out
}

func toLocators(piece int, bm *roaring.Bitmap, pe *pieceEntries) []Locator {
	if bm.IsEmpty() {
		return nil
	}
	out := make([]Locator, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		off := int(it.Next())
		out = append(out, Locator{Piece: piece, Offset: off, Length: pe.lengthAt(off)})
	}
	return out
}

func sortAssignments(a []Assignment) {
	sort.Slice(a, func(i, j int) bool {
		if a[i].Torrent != a[j].Torrent {
			return string(a[i].Torrent[:]) < string(a[j].Torrent[:])
		}
		if a[i].Locator.Piece != a[j].Locator.Piece {
			return a[i].Locator.Piece < a[j].Locator.Piece
		}
		return a[i].Locator.Offset < a[j].Locator.Offset
	})
}
