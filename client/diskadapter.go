package client

import (
	"fmt"
	"sync"

	"github.com/relaymesh/chunkrelay/metainfo"
	"github.com/relaymesh/chunkrelay/storage"
)

// diskAdapter dispatches scheduler.DiskSink/Verifier calls, keyed by
// TorrentID and (piece, offset), down to the single storage.Storage each
// torrent owns, which only ever knows about its own flat, torrent-wide byte
// offsets. This is the translation layer DESIGN.md's storage section
// describes as client's job.
type diskAdapter struct {
	mu      sync.RWMutex
	entries map[TorrentID]*diskEntry
}

type diskEntry struct {
	mi *metainfo.MetaInfo
	s  storage.Storage
}

func newDiskAdapter() *diskAdapter {
	return &diskAdapter{entries: make(map[TorrentID]*diskEntry)}
}

func (d *diskAdapter) register(t TorrentID, mi *metainfo.MetaInfo, s storage.Storage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[t] = &diskEntry{mi: mi, s: s}
}

func (d *diskAdapter) unregister(t TorrentID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, t)
}

func (d *diskAdapter) entry(t TorrentID) (*diskEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[t]
	return e, ok
}

func (e *diskEntry) flatOffset(piece, offset int) int64 {
	return int64(piece*e.mi.Info.PieceLen + offset)
}

// WriteChunk implements scheduler.DiskSink.
func (d *diskAdapter) WriteChunk(t TorrentID, piece, offset int, data []byte) error {
	e, ok := d.entry(t)
	if !ok {
		return fmt.Errorf("client: write to unknown torrent %x", t)
	}
	_, err := e.s.WriteChunk(data, e.flatOffset(piece, offset))
	return err
}

// CheckPiece implements scheduler.Verifier.
func (d *diskAdapter) CheckPiece(t TorrentID, piece int) (bool, error) {
	e, ok := d.entry(t)
	if !ok {
		return false, fmt.Errorf("client: verify unknown torrent %x", t)
	}
	return e.s.CheckPiece(piece, e.mi.Info.PieceLength(piece)), nil
}

// ReadChunk implements session.UploadSource for a single torrent; client
// hands each Conn a torrentUpload bound to its own torrent.
type torrentUpload struct {
	disk *diskAdapter
	t    TorrentID
}

func (u torrentUpload) ReadChunk(piece, offset, length int) ([]byte, error) {
	e, ok := u.disk.entry(u.t)
	if !ok {
		return nil, fmt.Errorf("client: upload from unknown torrent %x", u.t)
	}
	buf := make([]byte, length)
	n, err := e.s.ReadChunk(buf, e.flatOffset(piece, offset))
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}
