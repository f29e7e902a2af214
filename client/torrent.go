package client

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/relaymesh/chunkrelay/blockindex"
	"github.com/relaymesh/chunkrelay/metainfo"
	"github.com/relaymesh/chunkrelay/session"
	"github.com/relaymesh/chunkrelay/storage"
)

// TorrentID and PeerID mirror blockindex's so callers never convert.
type TorrentID = blockindex.TorrentID
type PeerID = blockindex.PeerID

// numBlocks returns how many BlockSize-sized chunks a piece of this length
// splits into, matching blockindex.ChunkLocators' own arithmetic.
func numBlocks(length int) int {
	return (length + blockindex.BlockSize - 1) / blockindex.BlockSize
}

// ownerID is the liveness identity a Torrent registers as, distinct from
// any PeerID a session.Conn uses - so an owner's death (this Torrent being
// torn down) is never confused with a peer worker disconnecting.
type ownerID TorrentID

// Torrent is one info-hash's local state: its metadata, disk backend and
// the live peer connections currently serving or downloading it.
type Torrent struct {
	cl *Client
	mi *metainfo.MetaInfo
	id TorrentID

	storage storage.Storage
	seeding bool

	choker *choker

	mu    sync.Mutex
	conns []*session.Conn

	closeCh chan struct{}
}

func newTorrent(cl *Client, mi *metainfo.MetaInfo) (*Torrent, error) {
	numPieces := mi.Info.NumPieces()
	pieceLens := make([]int, numPieces)
	blocks := make([]int, numPieces)
	for i := 0; i < numPieces; i++ {
		pieceLens[i] = mi.Info.PieceLength(i)
		blocks[i] = numBlocks(pieceLens[i])
	}

	id := mi.Info.Hash
	s, seeding := cl.config.OpenStorage(mi, cl.config.BaseDir, blocks, cl.logger)

	t := &Torrent{
		cl:      cl,
		mi:      mi,
		id:      id,
		storage: s,
		seeding: seeding,
		closeCh: make(chan struct{}),
	}
	t.choker = newChoker(t)

	cl.catalog.Register(id, pieceLens)
	cl.disk.register(id, mi, s)
	cl.scheduler.RegisterTorrent(id, ownerID(id))
	cl.liveness.WatchOwner(id, ownerID(id))

	if seeding {
		for i := 0; i < numPieces; i++ {
			cl.catalog.MarkVerified(id, i, true)
		}
	}
	return t, nil
}

func (t *Torrent) numPieces() int {
	return t.mi.Info.NumPieces()
}

func (t *Torrent) addConn(c *session.Conn) {
	t.mu.Lock()
	t.conns = append(t.conns, c)
	t.mu.Unlock()
}

func (t *Torrent) removeConn(c *session.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, cc := range t.conns {
		if cc == c {
			t.conns = append(t.conns[:i], t.conns[i+1:]...)
			return
		}
	}
}

func (t *Torrent) connSnapshot() []*session.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	conns := make([]*session.Conn, len(t.conns))
	copy(conns, t.conns)
	return conns
}

// close tears the torrent down: it purges the catalog (a torrent removal is
// permanent, unlike a mere owner disconnect - see DESIGN.md's discussion of
// scheduler.PurgeTorrent's narrower scope) and drops it from the disk
// adapter.
func (t *Torrent) close() {
	close(t.closeCh)
	for _, c := range t.connSnapshot() {
		c.Close()
	}
	// NotifyDeath classifies t.id's owner and purges the block index via
	// scheduler.PurgeTorrent; catalog.Purge is the one call that's ours
	// alone to make, since an owner disconnect alone must not touch it.
	t.cl.liveness.NotifyDeath(ownerID(t.id))
	t.cl.catalog.Purge(t.id)
	t.cl.disk.unregister(t.id)
}

// progress returns bytes downloaded and bytes left, derived from which
// pieces the catalog has verified so far.
func (t *Torrent) progress() (downloaded, left int64) {
	numPieces := t.numPieces()
	for i := 0; i < numPieces; i++ {
		pl := int64(t.mi.Info.PieceLength(i))
		if t.cl.catalog.IsFetched(t.id, i) {
			downloaded += pl
		} else {
			left += pl
		}
	}
	return downloaded, left
}

// uploaded sums the bytes served across every currently open connection.
// Like the teacher's own per-session counters, bytes sent by connections
// that have since closed aren't retained.
func (t *Torrent) uploaded() (total int64) {
	for _, c := range t.connSnapshot() {
		up, _ := c.Stats()
		total += up
	}
	return total
}

// WriteStatus writes a human-readable progress report, in the teacher's
// uilive-friendly layout: name, mode, byte counts, then one line per
// connected peer.
func (t *Torrent) WriteStatus(w io.Writer) {
	var b strings.Builder
	fmt.Fprintf(&b, "Name: %s\n", t.mi.Info.Name)
	mode := "downloading"
	if t.seeding {
		mode = "seeding"
	}
	fmt.Fprintf(&b, "Mode: %s\n", mode)
	downloaded, left := t.progress()
	fmt.Fprintf(&b, "Downloaded: %s\tUploaded: %s\tRemaining: %s\n",
		humanize.Bytes(uint64(downloaded)), humanize.Bytes(uint64(t.uploaded())), humanize.Bytes(uint64(left)))
	conns := t.connSnapshot()
	fmt.Fprintf(&b, "Connected to %d peers\n", len(conns))
	tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Peer\tUp\tDown")
	for i, c := range conns {
		up, down := c.Stats()
		fmt.Fprintf(tw, "#%d\t%s\t%s\n", i, humanize.Bytes(uint64(up)), humanize.Bytes(uint64(down)))
	}
	tw.Flush()
	w.Write([]byte(b.String()))
}
