package storage

import (
	"log"

	"github.com/relaymesh/chunkrelay/metainfo"
)

//Open constructs a per-torrent Storage backend. blocks holds how many
//blocks each piece has, so a fresh backend can size its dirty-offset
//tracking without re-deriving it from metainfo on every call.
type Open func(mi *metainfo.MetaInfo, baseDir string, blocks []int, logger *log.Logger) (s Storage, seed bool)

//Storage is the disk backend every torrent addresses by a flat,
//torrent-wide byte offset. A client wires exactly one Storage per torrent;
//the (piece, offset) addressing scheduler.DiskSink/Verifier use is
//translated down to this flat offset one layer up, in client, which is
//also where a single Storage gets dispatched to by torrent ID.
type Storage interface {
	ReadChunk(b []byte, off int64) (n int, err error)
	WriteChunk(b []byte, off int64) (n int, err error)
	CheckPiece(pieceIndex int, len int) (correct bool)
}
