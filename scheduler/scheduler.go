// Package scheduler is the decision engine: it answers pick_blocks for peer
// sessions, ingests completions via store_block and mark_fetched, releases
// reservations on peer loss via putback, and detects endgame.
//
// A Scheduler is a single serialized actor, grounded on the teacher's
// Torrent.mainLoop: one goroutine owns the block index outright and drains
// two mailboxes - a request-reply channel for operations the caller needs
// an answer from, and a fire-and-forget channel for operations that only
// mutate state. Every exported method is safe to call from any goroutine;
// the actor goroutine is the only thing that ever touches the block index.
package scheduler

import (
	"log"
	"math/rand"

	"github.com/relaymesh/chunkrelay/blockindex"
	"github.com/relaymesh/chunkrelay/catalog"
	"github.com/relaymesh/chunkrelay/liveness"
)

type registerReq struct {
	torrent TorrentID
	owner   PeerID
	reply   chan struct{}
}

type pickReq struct {
	torrent TorrentID
	have    []int
	unknown bool
	budget  int
	caller  PeerID
	reply   chan PickResult
}

type markFetchedReq struct {
	torrent TorrentID
	piece   int
	offset  int
	length  int
	reply   chan bool
}

type endgameReleaseReq struct {
	torrent TorrentID
	piece   int
	offset  int
	length  int
	peer    PeerID
	reply   chan struct{}
}

type selectByPieceReq struct {
	torrent TorrentID
	piece   int
	peer    PeerID
	max     int
	reply   chan selectResult
}

type selectResult struct {
	blocks []Block
	ok     bool
}

type chunkifyReq struct {
	torrent TorrentID
	piece   int
	reply   chan bool
}

type storeReq struct {
	torrent TorrentID
	piece   int
	offset  int
	data    []byte
}

type putbackReq struct {
	peer PeerID
}

// Scheduler is the chunk-scheduling actor.
type Scheduler struct {
	idx      *blockindex.Index
	catalog  catalog.Tracker
	sink     DiskSink
	verifier Verifier
	tracker  *liveness.Tracker
	logger   *log.Logger

	reqCh  chan interface{}
	fireCh chan interface{}
	stopCh chan chan struct{}
}

// New builds a Scheduler and starts its actor goroutine. The returned
// Scheduler satisfies liveness.Releaser, so it can be handed straight to
// liveness.New.
func New(tr catalog.Tracker, sink DiskSink, verifier Verifier, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(log.Writer(), "scheduler: ", log.LstdFlags)
	}
	s := &Scheduler{
		idx:      blockindex.New(),
		catalog:  tr,
		sink:     sink,
		verifier: verifier,
		logger:   logger,
		reqCh:    make(chan interface{}),
		fireCh:   make(chan interface{}, 4096),
		stopCh:   make(chan chan struct{}),
	}
	s.tracker = liveness.New(s)
	go s.run()
	return s
}

// Tracker exposes the liveness tracker so a client can wire peer/torrent
// death notifications into it.
func (s *Scheduler) Tracker() *liveness.Tracker {
	return s.tracker
}

// Close stops the actor goroutine. Pending fire-and-forget messages already
// queued are drained before shutdown.
func (s *Scheduler) Close() {
	reply := make(chan struct{})
	s.stopCh <- reply
	<-reply
}

func (s *Scheduler) run() {
	for {
		select {
		case msg := <-s.reqCh:
			s.handleRequest(msg)
		case msg := <-s.fireCh:
			s.handleFireAndForget(msg)
		case reply := <-s.stopCh:
			for len(s.fireCh) > 0 {
				s.handleFireAndForget(<-s.fireCh)
			}
			close(reply)
			return
		}
	}
}

func (s *Scheduler) handleRequest(msg interface{}) {
	switch m := msg.(type) {
	case registerReq:
		s.tracker.WatchOwner(m.torrent, m.owner)
		close(m.reply)
	case pickReq:
		m.reply <- s.pickBlocks(m)
	case markFetchedReq:
		found := s.idx.MarkFetched(m.torrent, blockindex.Locator{Piece: m.piece, Offset: m.offset, Length: m.length})
		m.reply <- found
	case endgameReleaseReq:
		s.idx.EndgameRelease(m.torrent, blockindex.Locator{Piece: m.piece, Offset: m.offset, Length: m.length}, m.peer)
		close(m.reply)
	case selectByPieceReq:
		locs, ok := s.idx.SelectByPiece(m.torrent, m.piece, m.peer, m.max)
		if ok {
			s.tracker.WatchPeer(m.peer)
		}
		m.reply <- selectResult{blocks: toBlocks(locs), ok: ok}
	case chunkifyReq:
		m.reply <- s.chunkify(m.torrent, m.piece)
	case purgeTorrentReq:
		s.idx.PurgeTorrent(m.torrent)
		close(m.reply)
	default:
		s.logger.Printf("scheduler: unknown_peer_message %T", msg)
	}
}

func (s *Scheduler) handleFireAndForget(msg interface{}) {
	switch m := msg.(type) {
	case storeReq:
		s.storeBlock(m)
	case putbackReq:
		s.idx.Putback(m.peer)
	default:
		s.logger.Printf("scheduler: unknown_peer_message %T", msg)
	}
}

// RegisterTorrent records owner as the torrent's owning session and begins
// watching its liveness. Idempotent for the same caller.
func (s *Scheduler) RegisterTorrent(t TorrentID, owner PeerID) {
	reply := make(chan struct{})
	s.reqCh <- registerReq{torrent: t, owner: owner, reply: reply}
	<-reply
}

// PickBlocks answers pick_blocks. have is the remote's claimed piece set;
// pass unknown=true when the remote's bitfield hasn't arrived yet.
func (s *Scheduler) PickBlocks(t TorrentID, have []int, unknown bool, budget int, caller PeerID) PickResult {
	reply := make(chan PickResult)
	s.reqCh <- pickReq{torrent: t, have: have, unknown: unknown, budget: budget, caller: caller, reply: reply}
	return <-reply
}

// StoreBlock hands a completed block to the disk sink and updates the block
// index. Fire-and-forget: callers do not wait for the write to land.
func (s *Scheduler) StoreBlock(t TorrentID, piece, offset int, data []byte) {
	s.fireCh <- storeReq{torrent: t, piece: piece, offset: offset, data: data}
}

// MarkFetched implements mark_fetched: true means found (the not_fetched
// entry existed and was removed); false means assigned (some peer already
// holds it).
func (s *Scheduler) MarkFetched(t TorrentID, piece, offset, length int) bool {
	reply := make(chan bool)
	s.reqCh <- markFetchedReq{torrent: t, piece: piece, offset: offset, length: length, reply: reply}
	return <-reply
}

// EndgameRelease removes a single {assigned, peer} entry.
func (s *Scheduler) EndgameRelease(peer PeerID, t TorrentID, piece, offset, length int) {
	reply := make(chan struct{})
	s.reqCh <- endgameReleaseReq{torrent: t, piece: piece, offset: offset, length: length, peer: peer, reply: reply}
	<-reply
}

// Putback converts every block reserved by peer back to not_fetched, across
// every torrent. Fire-and-forget.
func (s *Scheduler) Putback(peer PeerID) {
	s.fireCh <- putbackReq{peer: peer}
}

// PurgeTorrent drops every block entry belonging to a torrent. Called by the
// liveness tracker when the torrent's owner dies; also usable directly by a
// client tearing a torrent down deliberately.
func (s *Scheduler) PurgeTorrent(t TorrentID) {
	reply := make(chan struct{})
	s.reqCh <- purgeTorrentReq{torrent: t, reply: reply}
	<-reply
}

type purgeTorrentReq struct {
	torrent TorrentID
	reply   chan struct{}
}

// SelectByPiece is the low-level helper backing pick_blocks step 4.
func (s *Scheduler) SelectByPiece(t TorrentID, piece int, peer PeerID, max int) ([]Block, error) {
	reply := make(chan selectResult)
	s.reqCh <- selectByPieceReq{torrent: t, piece: piece, peer: peer, max: max, reply: reply}
	res := <-reply
	if !res.ok {
		return nil, ErrAlreadyTaken
	}
	return res.blocks, nil
}

// Chunkify splits piece into blocks and records it as chunked in both the
// block index and the catalog. Returns false if the catalog doesn't know
// about this (torrent, piece).
func (s *Scheduler) Chunkify(t TorrentID, piece int) bool {
	reply := make(chan bool)
	s.reqCh <- chunkifyReq{torrent: t, piece: piece, reply: reply}
	return <-reply
}

func (s *Scheduler) chunkify(t TorrentID, piece int) bool {
	length, ok := s.catalog.PieceLength(t, piece)
	if !ok {
		return false
	}
	s.chunkifyKnownLength(t, catalog.PieceDescriptor{Piece: piece, Length: length})
	return true
}

func (s *Scheduler) chunkifyKnownLength(t TorrentID, d catalog.PieceDescriptor) {
	s.idx.Chunkify(t, d.Piece, d.Length)
	s.catalog.ChunkifyPiece(t, d)
}

// pickBlocks implements spec.md §4.2's normal-mode algorithm and its
// endgame fallback. Runs on the actor goroutine only.
func (s *Scheduler) pickBlocks(req pickReq) PickResult {
	if req.unknown {
		return PickResult{Outcome: NoneEligible}
	}

	working := append([]int(nil), req.have...)
	remaining := req.budget
	var acc []PieceBlocks
	foundChunked := false

	for remaining > 0 {
		chunkedSet := toSet(s.catalog.ChunkedPieces(req.torrent))
		var candidates []int
		for _, p := range working {
			if chunkedSet[p] {
				candidates = append(candidates, p)
			}
		}

		picked := -1
		for _, p := range candidates {
			if s.idx.HasNotFetched(req.torrent, p) {
				picked = p
				break
			}
		}

		if picked == -1 {
			if len(candidates) > 0 {
				foundChunked = true
			}
			desc, ok := s.catalog.FindNew(req.torrent, working)
			if !ok {
				break
			}
			s.chunkifyKnownLength(req.torrent, desc)
			working = []int{desc.Piece}
			continue
		}

		blocks, ok := s.idx.SelectByPiece(req.torrent, picked, req.caller, remaining)
		if !ok {
			// already_taken: no progress this round, don't touch budget
			// or the working set, try again.
			continue
		}
		working = removeInt(working, picked)
		if len(blocks) == 0 {
			continue
		}
		s.tracker.WatchPeer(req.caller)
		acc = append(acc, PieceBlocks{Piece: picked, Blocks: toBlocks(blocks)})
		remaining -= len(blocks)
	}

	if len(acc) > 0 {
		return PickResult{Outcome: Normal, Pieces: acc}
	}
	if s.catalog.IsEndgame(req.torrent) {
		return s.pickBlocksEndgame(req)
	}
	if foundChunked {
		return PickResult{Outcome: NoneEligible}
	}
	return PickResult{Outcome: NotInterested}
}

// pickBlocksEndgame implements spec.md §4.2's endgame algorithm: gather
// every not_fetched-or-assigned block across the remote's have-set,
// shuffle, take budget, group by piece regardless of shuffle order, shuffle
// the groups, and return without recording any reservation.
func (s *Scheduler) pickBlocksEndgame(req pickReq) PickResult {
	var all []blockindex.Locator
	for _, p := range req.have {
		all = append(all, s.idx.EndgameCandidates(req.torrent, p)...)
	}
	rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	if len(all) > req.budget {
		all = all[:req.budget]
	}
	groups := groupByPiece(all)
	rand.Shuffle(len(groups), func(i, j int) { groups[i], groups[j] = groups[j], groups[i] })
	if len(groups) == 0 {
		return PickResult{Outcome: NoneEligible}
	}
	return PickResult{Outcome: EndgameOutcome, Pieces: groups}
}

// storeBlock implements spec.md §4.2's store_block. Runs on the actor
// goroutine only.
func (s *Scheduler) storeBlock(req storeReq) {
	if err := s.sink.WriteChunk(req.torrent, req.piece, req.offset, req.data); err != nil {
		s.logger.Printf("scheduler: write_failed torrent=%x piece=%d offset=%d: %v", req.torrent, req.piece, req.offset, err)
		return
	}
	if s.catalog.IsFetched(req.torrent, req.piece) {
		return
	}
	loc := blockindex.Locator{Piece: req.piece, Offset: req.offset, Length: len(req.data)}
	if !s.idx.InsertFetched(req.torrent, loc) {
		return // duplicate store, safe no-op past the disk write
	}
	if _, full := s.catalog.DecreaseMissingChunks(req.torrent, req.piece); full {
		s.finalize(req.torrent, req.piece)
	}
}

// finalize implements spec.md §4.4: synchronous index cleanup, async
// verifier dispatch so the actor is never blocked by hashing.
func (s *Scheduler) finalize(t TorrentID, piece int) {
	s.idx.PurgePiece(t, piece)
	go func() {
		ok, err := s.verifier.CheckPiece(t, piece)
		if err != nil {
			s.logger.Printf("scheduler: verifier error torrent=%x piece=%d: %v", t, piece, err)
			return
		}
		s.catalog.MarkVerified(t, piece, ok)
	}()
}

func toSet(xs []int) map[int]bool {
	m := make(map[int]bool, len(xs))
	for _, x := range xs {
		m[x] = true
	}
	return m
}

func removeInt(xs []int, target int) []int {
	out := xs[:0]
	for _, x := range xs {
		if x != target {
			out = append(out, x)
		}
	}
	return out
}

func toBlocks(locs []blockindex.Locator) []Block {
	out := make([]Block, len(locs))
	for i, l := range locs {
		out[i] = Block{Offset: l.Offset, Length: l.Length}
	}
	return out
}

func groupByPiece(locs []blockindex.Locator) []PieceBlocks {
	var order []int
	groups := make(map[int][]Block)
	for _, l := range locs {
		if _, ok := groups[l.Piece]; !ok {
			order = append(order, l.Piece)
		}
		groups[l.Piece] = append(groups[l.Piece], Block{Offset: l.Offset, Length: l.Length})
	}
	out := make([]PieceBlocks, 0, len(order))
	for _, p := range order {
		out = append(out, PieceBlocks{Piece: p, Blocks: groups[p]})
	}
	return out
}
