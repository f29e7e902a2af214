package scheduler

import (
	"errors"

	"github.com/relaymesh/chunkrelay/blockindex"
)

// TorrentID identifies a torrent by info hash; PeerID is the opaque,
// comparable session token minted by the peer session layer. Both are
// re-exported from blockindex so callers never need a conversion.
type TorrentID = blockindex.TorrentID
type PeerID = blockindex.PeerID

// Block is a single (offset, length) pair within a piece.
type Block struct {
	Offset int
	Length int
}

// PieceBlocks groups the blocks picked from one piece.
type PieceBlocks struct {
	Piece  int
	Blocks []Block
}

// Outcome classifies a PickBlocks result.
type Outcome int

const (
	// NotInterested means the remote has no piece we want.
	NotInterested Outcome = iota
	// NoneEligible means the remote has interesting pieces but none could
	// be reserved right now.
	NoneEligible
	// Normal carries up to budget freshly-reserved blocks, grouped by piece.
	Normal
	// EndgameOutcome carries the same shape but permits duplicate
	// outstanding reservations across peers.
	EndgameOutcome
)

// PickResult is PickBlocks' return value.
type PickResult struct {
	Outcome Outcome
	Pieces  []PieceBlocks
}

// DiskSink is the external collaborator StoreBlock writes chunk bytes to.
type DiskSink interface {
	WriteChunk(torrent TorrentID, piece, offset int, data []byte) error
}

// Verifier is the external collaborator that hash-checks a finalized piece,
// dispatched off the scheduler's actor goroutine.
type Verifier interface {
	CheckPiece(torrent TorrentID, piece int) (ok bool, err error)
}

// ErrAlreadyTaken is select_by_piece's negative result: the named piece had
// no not_fetched entries left at call time.
var ErrAlreadyTaken = errors.New("scheduler: piece already taken")

// ErrUnknownTorrent names a torrent that was never registered (or has since
// been purged). No Scheduler operation returns it.
var ErrUnknownTorrent = errors.New("scheduler: unknown torrent")

// ErrWriteFailed names a DiskSink failure; storeBlock logs such a failure
// rather than returning this error. Per spec this is fatal for the
// turn that produced it: the block stays reserved so a later putback
// re-queues it rather than being silently dropped.
var ErrWriteFailed = errors.New("scheduler: disk write failed")
