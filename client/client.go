// Package client is the top-level orchestrator: it owns one scheduler,
// catalog and liveness tracker shared by every torrent it manages, dials
// and accepts peer connections, and wires each into a session.Conn.
package client

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/anacrolix/dht/v2"

	"github.com/relaymesh/chunkrelay/catalog"
	"github.com/relaymesh/chunkrelay/liveness"
	"github.com/relaymesh/chunkrelay/metainfo"
	"github.com/relaymesh/chunkrelay/peer_wire"
	"github.com/relaymesh/chunkrelay/scheduler"
	"github.com/relaymesh/chunkrelay/session"
	"github.com/relaymesh/chunkrelay/storage"
)

const logFileName = "chunkrelay.log"

// Config configures a Client. Use DefaultConfig for sensible defaults.
type Config struct {
	// MaxOnFlightReqs is not read by Client: each connection caps its
	// outstanding requests at session's own fixed maxOnFlight (10).
	MaxOnFlightReqs int
	// RejectIncomingConnections disables listening (and DHT, which needs a
	// reachable port to be useful).
	RejectIncomingConnections bool
	DisableDHT                bool
	DisableTrackers           bool
	// BaseDir is where torrent data is written.
	BaseDir string
	// OpenStorage constructs the disk backend for each new torrent.
	OpenStorage storage.Open
}

// clientVersion is the four-digit azureus-style version embedded in every
// peer id this client generates (BEP 20).
const clientVersion = "0100"

// newPeerID builds a BEP 20 azureus-style peer id: "-CR" + version + "-"
// followed by 12 random bytes.
func newPeerID() [20]byte {
	var id [20]byte
	copy(id[:], "-CR"+clientVersion+"-")
	rand.Read(id[8:])
	return id
}

// DefaultConfig returns the default configuration for a Client.
func DefaultConfig() (*Config, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return &Config{
		MaxOnFlightReqs: 250,
		BaseDir:         dir,
		OpenStorage:     storage.OpenFileStorage,
	}, nil
}

// Client manages multiple torrents, each sharing this client's scheduler,
// catalog and liveness tracker.
type Client struct {
	config *Config
	peerID [20]byte
	logger *log.Logger

	scheduler *scheduler.Scheduler
	catalog   *catalog.PieceCatalog
	liveness  *liveness.Tracker
	disk      *diskAdapter

	mu       sync.Mutex
	torrents map[TorrentID]*Torrent

	listener net.Listener
	port     int
	reserved peer_wire.Reserved
	dhtServer *dht.Server

	closeCh chan struct{}
}

// NewClient creates a Client with the given configuration. Pass nil for
// DefaultConfig.
func NewClient(cfg *Config) (*Client, error) {
	var err error
	if cfg == nil {
		cfg, err = DefaultConfig()
		if err != nil {
			return nil, err
		}
	}
	logFile, err := os.Create(logFileName)
	if err != nil {
		return nil, err
	}

	cat := catalog.New()
	disk := newDiskAdapter()
	sched := scheduler.New(cat, disk, disk, nil)

	cl := &Client{
		config:    cfg,
		peerID:    newPeerID(),
		catalog:   cat,
		disk:      disk,
		scheduler: sched,
		torrents:  make(map[TorrentID]*Torrent),
		closeCh:   make(chan struct{}),
	}
	cl.liveness = liveness.New(sched)
	logPrefix := fmt.Sprintf("client%x ", cl.peerID[14:])
	cl.logger = log.New(logFile, logPrefix, log.LstdFlags)

	if !cfg.RejectIncomingConnections {
		if err = cl.listen(); err != nil {
			return nil, err
		}
		go cl.acceptLoop()
	} else {
		cfg.DisableDHT = true
	}
	if !cfg.DisableDHT {
		cl.reserved.SetDHT()
		if cl.dhtServer, err = dht.NewServer(nil); err != nil {
			cl.logger.Printf("dht: %s", err)
		} else {
			go func() {
				stats, err := cl.dhtServer.Bootstrap()
				if err != nil {
					cl.logger.Printf("dht bootstrap: %s", err)
					return
				}
				cl.logger.Printf("dht bootstrap complete: %v", stats)
			}()
		}
	}
	return cl, nil
}

// AddFromFile loads a .torrent file and begins managing it.
func (cl *Client) AddFromFile(filename string) (*Torrent, error) {
	mi, err := metainfo.LoadTorrentFile(filename)
	if err != nil {
		return nil, err
	}
	t, err := newTorrent(cl, mi)
	if err != nil {
		return nil, err
	}
	cl.mu.Lock()
	if _, ok := cl.torrents[t.id]; ok {
		cl.mu.Unlock()
		return nil, errors.New("client: torrent already added")
	}
	cl.torrents[t.id] = t
	cl.mu.Unlock()

	go t.choker.run()
	go runAnnouncer(t)
	return t, nil
}

// Remove tears a torrent down permanently.
func (cl *Client) Remove(id TorrentID) error {
	cl.mu.Lock()
	t, ok := cl.torrents[id]
	if ok {
		delete(cl.torrents, id)
	}
	cl.mu.Unlock()
	if !ok {
		return errors.New("client: unknown torrent")
	}
	t.close()
	return nil
}

// Close tears every managed torrent down and stops listening.
func (cl *Client) Close() {
	close(cl.closeCh)
	if cl.listener != nil {
		cl.listener.Close()
	}
	if cl.dhtServer != nil {
		cl.dhtServer.Close()
	}
	cl.mu.Lock()
	ids := make([]TorrentID, 0, len(cl.torrents))
	for id := range cl.torrents {
		ids = append(ids, id)
	}
	cl.mu.Unlock()
	for _, id := range ids {
		cl.Remove(id)
	}
	cl.scheduler.Close()
}

func (cl *Client) torrent(id TorrentID) (*Torrent, bool) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	t, ok := cl.torrents[id]
	return t, ok
}

func (cl *Client) infoHashes() map[[20]byte]struct{} {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	m := make(map[[20]byte]struct{}, len(cl.torrents))
	for id := range cl.torrents {
		m[id] = struct{}{}
	}
	return m
}

func (cl *Client) listen() error {
	var err error
	for port := 6881; port < 6890; port++ {
		cl.listener, err = net.Listen("tcp4", ":"+strconv.Itoa(port))
		if err == nil {
			cl.port = port
			return nil
		}
	}
	if cl.listener, err = net.Listen("tcp4", ":0"); err != nil {
		return errors.New("client: could not find a port to listen on")
	}
	_, portStr, err := net.SplitHostPort(cl.listener.Addr().String())
	if err != nil {
		return err
	}
	cl.port, err = strconv.Atoi(portStr)
	return err
}

func (cl *Client) acceptLoop() {
	for {
		conn, err := cl.listener.Accept()
		if err != nil {
			return
		}
		go cl.handleIncoming(conn)
	}
}

func (cl *Client) handshake(conn net.Conn, hs *peer_wire.HandShake) error {
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetDeadline(time.Time{})
	return hs.Do(conn, cl.infoHashes())
}

func (cl *Client) handleIncoming(conn net.Conn) {
	closeOnErr := true
	defer func() {
		if closeOnErr {
			conn.Close()
		}
	}()
	hs := &peer_wire.HandShake{Reserved: cl.reserved, PeerID: cl.peerID}
	if err := cl.handshake(conn, hs); err != nil {
		return
	}
	t, ok := cl.torrent(hs.InfoHash)
	if !ok {
		return
	}
	closeOnErr = false
	cl.runConn(t, conn, conn.RemoteAddr().String())
}

// Dial opens an outgoing connection to addr for torrent t.
func (cl *Client) Dial(t *Torrent, addr string) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		cl.logger.Printf("dial %s: %s", addr, err)
		return
	}
	hs := &peer_wire.HandShake{Reserved: cl.reserved, PeerID: cl.peerID, InfoHash: t.id}
	if err := cl.handshake(conn, hs); err != nil {
		cl.logger.Printf("handshake %s: %s", addr, err)
		conn.Close()
		return
	}
	cl.runConn(t, conn, addr)
}

// dialPeers fans Dial out across every address, one goroutine per peer, the
// way the teacher's makeOutgoingConnections spreads a tracker response's
// peer list across concurrent dials instead of dialing serially.
func (cl *Client) dialPeers(t *Torrent, addrs ...string) {
	for _, addr := range addrs {
		go cl.Dial(t, addr)
	}
}

func (cl *Client) runConn(t *Torrent, conn net.Conn, peerAddr string) {
	myBf := peer_wire.NewBitField(t.numPieces())
	if t.seeding {
		for i := 0; i < t.numPieces(); i++ {
			myBf.SetPiece(uint32(i))
		}
	}
	sc := session.New(conn, t.id, session.PeerID(peerAddr), t.numPieces(), myBf,
		cl.scheduler, cl.liveness, cl.catalog, torrentUpload{disk: cl.disk, t: t.id}, cl.logger)
	t.addConn(sc)
	defer t.removeConn(sc)
	if err := sc.Run(); err != nil {
		cl.logger.Printf("conn %s: %s", peerAddr, err)
	}
}
