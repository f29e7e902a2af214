package client

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/relaymesh/chunkrelay/tracker"
)

// announceInterval is used whenever a tracker doesn't hand back one of its
// own, mirroring the teacher's fallback of just picking something sane.
const announceInterval = 30 * time.Minute

// runAnnouncer periodically reports this torrent's progress to its
// announce URL and folds the peers it returns into outgoing dials. It exits
// once the torrent's closeCh fires.
func runAnnouncer(t *Torrent) {
	if t.cl.config.DisableTrackers || t.mi.Announce == "" {
		return
	}
	tr, err := tracker.NewTracker(string(t.mi.Announce))
	if err != nil {
		t.cl.logger.Printf("tracker %s: %s", t.mi.Announce, err)
		return
	}

	interval := announceOnce(t, tr, tracker.EventStarted)
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			timer.Reset(announceOnce(t, tr, tracker.EventNone))
		case <-t.closeCh:
			announceOnce(t, tr, tracker.EventStopped)
			return
		}
	}
}

func announceOnce(t *Torrent, tr tracker.Tracker, ev tracker.Event) time.Duration {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	downloaded, left := t.progress()
	req := tracker.AnnounceReq{
		InfoHash:   t.id,
		PeerID:     t.cl.peerID,
		Downloaded: downloaded,
		Left:       left,
		Uploaded:   t.uploaded(),
		Event:      ev,
		Numwant:    50,
		Port:       int16(t.cl.port),
	}
	resp, err := tr.Announce(ctx, req)
	if err != nil {
		t.cl.logger.Printf("announce %s: %s", t.mi.Announce, err)
		return announceInterval
	}
	addrs := make([]string, len(resp.Peers))
	for i, p := range resp.Peers {
		addrs[i] = net.JoinHostPort(p.IP.String(), strconv.Itoa(p.Port))
	}
	t.cl.dialPeers(t, addrs...)
	if resp.Interval > 0 {
		return time.Duration(resp.Interval) * time.Second
	}
	return announceInterval
}
