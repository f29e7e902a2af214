package client

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/relaymesh/chunkrelay/session"
)

const maxUploadSlots = 4
const optimisticSlots = 1
const chokerTriggeringInterval = 10 * time.Second

// choker runs the upload-slot review for one torrent, mirroring the
// reference client's algorithm: the fastest peers keep an upload slot,
// everyone else competes for the leftover optimistic-unchoke slots.
type choker struct {
	t         *Torrent
	currRound int
	ticker    *time.Ticker

	// prevUploaded/prevDownloaded hold each conn's cumulative byte counters
	// as of the last round, so reviewUnchokedPeers can turn Conn.Stats'
	// running totals into a per-round rate without a dedicated counter
	// inside session.Conn itself.
	prevUploaded   map[*session.Conn]int64
	prevDownloaded map[*session.Conn]int64

	optimistic *session.Conn
}

func newChoker(t *Torrent) *choker {
	return &choker{
		t:              t,
		prevUploaded:   make(map[*session.Conn]int64),
		prevDownloaded: make(map[*session.Conn]int64),
	}
}

// run drives the periodic review until the torrent closes.
func (c *choker) run() {
	c.ticker = time.NewTicker(chokerTriggeringInterval)
	defer c.ticker.Stop()
	for {
		select {
		case <-c.ticker.C:
			c.reviewUnchokedPeers()
		case <-c.t.closeCh:
			return
		}
	}
}

func (c *choker) pickOptimisticUnchoke(conns []*session.Conn) {
	candidates := []*session.Conn{}
	for i, conn := range conns {
		if conn.IsChoking() && conn.IsInterested() {
			candidates = append(candidates, conn)
			// newly connected peers (last 3) get 3x the chance of being picked.
			if i >= len(conns)-3 {
				candidates = append(candidates, conn, conn)
			}
		}
	}
	if len(candidates) == 0 {
		c.optimistic = nil
	} else {
		c.optimistic = candidates[rand.Intn(len(candidates))]
	}
}

func containsConn(conns []*session.Conn, cand *session.Conn) bool {
	for _, c := range conns {
		if c == cand {
			return true
		}
	}
	return false
}

// reviewUnchokedPeers runs one round of the algorithm used at the mainline
// client: rank peers by the rate they're serving us (or, while seeding, the
// rate we're serving them), keep the top maxUploadSlots unchoked, and give
// the rest a shot at the remaining optimistic slots.
func (c *choker) reviewUnchokedPeers() {
	defer func() { c.currRound++ }()
	conns := c.t.connSnapshot()
	if len(conns) == 0 {
		return
	}
	if c.currRound%5 == 0 {
		c.pickOptimisticUnchoke(conns)
	}

	rates := make(map[*session.Conn]float64, len(conns))
	for _, conn := range conns {
		up, down := conn.Stats()
		var r float64
		if c.t.seeding {
			r = float64(up - c.prevUploaded[conn])
		} else {
			r = float64(down - c.prevDownloaded[conn])
		}
		rates[conn] = r
		c.prevUploaded[conn] = up
		c.prevDownloaded[conn] = down
	}

	bestPeers, optimisticCandidates := []*session.Conn{}, []*session.Conn{}
	for _, conn := range conns {
		if !conn.IsInterested() || conn.IsSnubbed() {
			optimisticCandidates = append(optimisticCandidates, conn)
		} else {
			bestPeers = append(bestPeers, conn)
		}
	}
	sort.Slice(bestPeers, func(i, j int) bool {
		return rates[bestPeers[i]] > rates[bestPeers[j]]
	})

	uploadSlots := int(math.Min(maxUploadSlots, float64(len(bestPeers))))
	optimisticCandidates = append(optimisticCandidates, bestPeers[uploadSlots:]...)
	// peers with the best rates keep a slot (the optimistic pick may already
	// be one of them).
	bestPeers = bestPeers[:uploadSlots]
	for _, conn := range bestPeers {
		conn.RequestChoke(false)
	}

	numOptimistics := optimisticSlots + (maxUploadSlots - uploadSlots)
	var optimisticCount int
	if containsConn(optimisticCandidates, c.optimistic) {
		c.optimistic.RequestChoke(false)
		optimisticCount++
	}
	indices := rand.Perm(len(optimisticCandidates))
	for _, i := range indices {
		if c.optimistic != nil && c.optimistic == optimisticCandidates[i] {
			continue
		}
		if optimisticCount >= numOptimistics {
			optimisticCandidates[i].RequestChoke(true)
		} else {
			optimisticCandidates[i].RequestChoke(false)
			if optimisticCandidates[i].IsInterested() {
				optimisticCount++
			}
		}
	}
}
