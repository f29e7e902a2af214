// Package session implements the peer session collaborator: one goroutine
// pair per remote connection, decoding peer_wire messages and turning them
// into scheduler.Scheduler and liveness.Tracker calls. It never touches the
// block index directly - PickBlocks/StoreBlock/Putback are the only door in -
// and consults the piece catalog only through CheckInterest.
package session

import (
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"go.uber.org/atomic"

	"github.com/relaymesh/chunkrelay/blockindex"
	"github.com/relaymesh/chunkrelay/catalog"
	"github.com/relaymesh/chunkrelay/peer_wire"
	"github.com/relaymesh/chunkrelay/scheduler"
)

// TorrentID and PeerID mirror blockindex's so callers never convert.
type TorrentID = blockindex.TorrentID
type PeerID = blockindex.PeerID

const keepAliveInterval = 90 * time.Second

// Scheduler is the narrow slice of *scheduler.Scheduler a Conn needs. Kept
// as an interface so tests can stub it without standing up the actor.
type Scheduler interface {
	PickBlocks(t TorrentID, have []int, unknown bool, budget int, caller PeerID) scheduler.PickResult
	StoreBlock(t TorrentID, piece, offset int, data []byte)
	Putback(peer PeerID)
}

// Liveness is the narrow slice of *liveness.Tracker a Conn needs.
type Liveness interface {
	WatchPeer(peer PeerID)
	NotifyDeath(identity PeerID)
}

// Catalog is the narrow slice of *catalog.PieceCatalog a Conn needs: the
// same have-set validity and interest check the scheduler consults before
// chunkifying, so a peer's Bitfield/Have messages feed the one piece of
// rarity accounting (catalog.PieceCatalog's freq map) instead of a
// second, disconnected copy of it.
type Catalog interface {
	CheckInterest(t TorrentID, have []int) catalog.InterestResult
}

// UploadSource serves bytes for pieces we've already verified, backing
// Request handling. client wires this to a torrent's storage.Storage.
type UploadSource interface {
	ReadChunk(piece, offset, length int) ([]byte, error)
}

// Conn drives one peer connection. Its own state (bitfields, choke flags,
// outstanding requests) is only ever touched from run, so it needs no
// locking of its own.
type Conn struct {
	logger *log.Logger
	nc     net.Conn

	sched  Scheduler
	live   Liveness
	cat    Catalog
	upload UploadSource

	torrent   TorrentID
	peer      PeerID
	numPieces int

	state  connState
	myBf   peer_wire.BitField
	peerBf peer_wire.BitField
	rq     *requestQueue

	// mirrored outside run's goroutine so client's choker can read/drive a
	// Conn without synchronizing with the actor loop directly.
	amChoking    atomic.Bool
	isInterested atomic.Bool
	uploaded     atomic.Int64
	downloaded   atomic.Int64
	// lastPiece holds the UnixNano timestamp of the last Piece message this
	// conn received, or zero if it never has. Backs IsSnubbed.
	lastPiece atomic.Int64
	chokeCh   chan bool

	readCh    chan *peer_wire.Msg
	readErrCh chan error
	closeCh   chan struct{}
	closed    bool
}

// New wraps an already-handshaken connection. myBitfield is what we
// advertise; caller owns numPieces (from catalog.NumPieces(torrent)).
func New(nc net.Conn, torrent TorrentID, peer PeerID, numPieces int, myBitfield peer_wire.BitField, sched Scheduler, live Liveness, cat Catalog, upload UploadSource, logger *log.Logger) *Conn {
	if logger == nil {
		logger = log.New(log.Writer(), "session: ", log.LstdFlags)
	}
	c := &Conn{
		logger:    logger,
		nc:        nc,
		sched:     sched,
		live:      live,
		cat:       cat,
		upload:    upload,
		torrent:   torrent,
		peer:      peer,
		numPieces: numPieces,
		state:     newConnState(),
		myBf:      myBitfield,
		peerBf:    peer_wire.NewBitField(numPieces),
		rq:        newRequestQueue(),
		chokeCh:   make(chan bool, 1),
		readCh:    make(chan *peer_wire.Msg),
		readErrCh: make(chan error, 1),
		closeCh:   make(chan struct{}),
	}
	c.amChoking.Store(true)
	return c
}

// Run sends our bitfield (only when it has at least one piece set) and
// services the connection until it dies. It
// blocks until the peer disconnects, an unrecoverable protocol error
// occurs, or Close is called from another goroutine.
func (c *Conn) Run() error {
	if c.myBf.BitsSet() > 0 {
		if err := c.sendMsg(&peer_wire.Msg{Kind: peer_wire.Bitfield, Bitfield: c.myBf}); err != nil {
			c.close()
			return err
		}
	}
	go c.readLoop()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case msg := <-c.readCh:
			if err := c.handlePeerMsg(msg); err != nil {
				c.close()
				return err
			}
		case err := <-c.readErrCh:
			c.close()
			return err
		case <-keepAlive.C:
			if err := c.sendMsg(&peer_wire.Msg{Kind: peer_wire.KeepAlive}); err != nil {
				c.close()
				return err
			}
		case choke := <-c.chokeCh:
			if err := c.setChoking(choke); err != nil {
				c.close()
				return err
			}
		case <-c.closeCh:
			return nil
		}
	}
}

// RequestChoke asks run's goroutine to send a Choke/Unchoke on our next
// pass through the select loop. Safe to call from any goroutine (e.g. a
// choke-review loop iterating every connection); non-blocking, and a
// pending request is overwritten by a newer one before it's serviced.
func (c *Conn) RequestChoke(choke bool) {
	for {
		select {
		case c.chokeCh <- choke:
			return
		default:
		}
		select {
		case <-c.chokeCh:
		default:
		}
	}
}

func (c *Conn) setChoking(choke bool) error {
	if choke == c.state.amChoking {
		return nil
	}
	kind := peer_wire.Unchoke
	if choke {
		kind = peer_wire.Choke
	}
	if err := c.sendMsg(&peer_wire.Msg{Kind: kind}); err != nil {
		return err
	}
	c.state.amChoking = choke
	c.amChoking.Store(choke)
	return nil
}

// IsInterested reports whether the peer has told us it wants blocks we
// have. Safe for concurrent use.
func (c *Conn) IsInterested() bool {
	return c.isInterested.Load()
}

// IsChoking reports whether we are currently choking the peer. Safe for
// concurrent use.
func (c *Conn) IsChoking() bool {
	return c.amChoking.Load()
}

// snubTimeout is how long we tolerate a peer we're downloading from without
// a Piece message before treating it as snubbing us.
const snubTimeout = time.Minute

// IsSnubbed reports whether this peer hasn't sent us a block in over a
// minute, despite our having asked. A peer we've never received anything
// from isn't snubbed - it just hasn't had the chance yet. Safe for
// concurrent use.
func (c *Conn) IsSnubbed() bool {
	last := c.lastPiece.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(0, last)) >= snubTimeout
}

// Stats returns cumulative bytes uploaded to and downloaded from this peer.
// Safe for concurrent use.
func (c *Conn) Stats() (uploaded, downloaded int64) {
	return c.uploaded.Load(), c.downloaded.Load()
}

// Close tears down the connection from outside run's goroutine.
func (c *Conn) Close() {
	c.close()
}

func (c *Conn) close() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.closeCh)
	c.nc.Close()
	c.rq.discardAll()
	c.sched.Putback(c.peer)
	c.live.NotifyDeath(c.peer)
}

func (c *Conn) readLoop() {
	for {
		msg, err := peer_wire.Read(c.nc)
		if err != nil {
			select {
			case c.readErrCh <- err:
			case <-c.closeCh:
			}
			return
		}
		select {
		case c.readCh <- msg:
		case <-c.closeCh:
			return
		}
	}
}

func (c *Conn) sendMsg(m *peer_wire.Msg) error {
	return m.Write(c.nc)
}

func (c *Conn) handlePeerMsg(msg *peer_wire.Msg) error {
	switch msg.Kind {
	case peer_wire.KeepAlive, peer_wire.Port:
		return nil
	case peer_wire.Choke:
		c.state.isChoking = true
		c.discardOutstanding()
		return nil
	case peer_wire.Unchoke:
		c.state.isChoking = false
		return c.requestMore()
	case peer_wire.Interested:
		c.state.isInterested = true
		c.isInterested.Store(true)
		return nil
	case peer_wire.NotInterested:
		c.state.isInterested = false
		c.isInterested.Store(false)
		return nil
	case peer_wire.Have:
		if int(msg.Index) >= c.numPieces {
			return fmt.Errorf("session: have index %d out of range", msg.Index)
		}
		c.peerBf.SetPiece(msg.Index)
		return c.updateInterest()
	case peer_wire.Bitfield:
		bf := peer_wire.BitField(msg.Bitfield)
		if !bf.Valid(c.numPieces) {
			return errors.New("session: peer sent malformed bitfield")
		}
		c.peerBf = bf
		return c.updateInterest()
	case peer_wire.Request:
		return c.onRequest(msg)
	case peer_wire.Cancel:
		return nil
	case peer_wire.Piece:
		return c.onPiece(msg)
	default:
		return fmt.Errorf("session: unhandled message kind %v", msg.Kind)
	}
}

// updateInterest recomputes amInterested against the peer's claimed piece
// set and sends Interested/NotInterested on a change. The have-set validity
// and interest decision itself belongs to the catalog, not this connection -
// c.cat.CheckInterest is the same call the scheduler consults before
// chunkifying, so a peer never gets a second, disconnected notion of what's
// worth wanting.
func (c *Conn) updateInterest() error {
	res := c.cat.CheckInterest(c.torrent, c.peerHave())
	if res.Outcome == catalog.InvalidPiece {
		return errors.New("session: peer announced invalid piece index")
	}
	interesting := res.Outcome == catalog.Interested
	if interesting == c.state.amInterested {
		if interesting && !c.state.isChoking {
			return c.requestMore()
		}
		return nil
	}
	c.state.amInterested = interesting
	kind := peer_wire.NotInterested
	if interesting {
		kind = peer_wire.Interested
	}
	if err := c.sendMsg(&peer_wire.Msg{Kind: kind}); err != nil {
		return err
	}
	if interesting && !c.state.isChoking {
		return c.requestMore()
	}
	return nil
}

// peerHave returns the piece indices the peer's bitfield claims to have.
// peer_wire.BitField.FilterNotSet reports set bits despite its name.
func (c *Conn) peerHave() []int {
	return c.peerBf.FilterNotSet()
}

// requestMore tops the outstanding-request set back up to maxOnFlight by
// asking the scheduler for fresh blocks. It re-derives interest through the
// catalog rather than trusting the have-set as-is, so a peer that Cancels
// its way down to nothing worth wanting stops being asked.
func (c *Conn) requestMore() error {
	if !c.state.canDownload() {
		return nil
	}
	room := c.rq.room()
	if room == 0 {
		return nil
	}
	interest := c.cat.CheckInterest(c.torrent, c.peerHave())
	if interest.Outcome != catalog.Interested {
		return nil
	}
	res := c.sched.PickBlocks(c.torrent, interest.PrunedHave, false, room, c.peer)
	switch res.Outcome {
	case scheduler.NotInterested, scheduler.NoneEligible:
		return nil
	}
	c.live.WatchPeer(c.peer)
	for _, pb := range res.Pieces {
		for _, b := range pb.Blocks {
			rb := reqBlock{piece: pb.Piece, offset: b.Offset, length: b.Length}
			c.rq.add(rb)
			if err := c.sendMsg(&peer_wire.Msg{
				Kind:  peer_wire.Request,
				Index: uint32(pb.Piece),
				Begin: uint32(b.Offset),
				Len:   uint32(b.Length),
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// discardOutstanding drops every in-flight request on a Choke, handing the
// blocks back to the scheduler for another peer to pick up.
func (c *Conn) discardOutstanding() {
	if c.rq.empty() {
		return
	}
	c.rq.discardAll()
	c.sched.Putback(c.peer)
}

func (c *Conn) onPiece(msg *peer_wire.Msg) error {
	rb := reqBlock{piece: int(msg.Index), offset: int(msg.Begin), length: len(msg.Block)}
	if !c.rq.remove(rb) {
		c.logger.Printf("session: unrequested block piece=%d offset=%d from %v", rb.piece, rb.offset, c.peer)
		return nil
	}
	c.downloaded.Add(int64(len(msg.Block)))
	c.lastPiece.Store(time.Now().UnixNano())
	c.sched.StoreBlock(c.torrent, rb.piece, rb.offset, msg.Block)
	return c.requestMore()
}

func (c *Conn) onRequest(msg *peer_wire.Msg) error {
	if !c.state.canUpload() {
		return nil
	}
	if int(msg.Index) >= c.numPieces || !c.myBf.HasPiece(msg.Index) {
		return nil
	}
	data, err := c.upload.ReadChunk(int(msg.Index), int(msg.Begin), int(msg.Len))
	if err != nil {
		c.logger.Printf("session: upload read failed piece=%d offset=%d: %v", msg.Index, msg.Begin, err)
		return nil
	}
	if err := c.sendMsg(&peer_wire.Msg{
		Kind:  peer_wire.Piece,
		Index: msg.Index,
		Begin: msg.Begin,
		Block: data,
	}); err != nil {
		return err
	}
	c.uploaded.Add(int64(len(data)))
	return nil
}
