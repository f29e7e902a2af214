// Command chunkrelay-download drives a single torrent from the command
// line: loads a .torrent file, joins the swarm, and prints a live status
// line every two seconds until the process is killed.
package main

import (
	"flag"
	"log"
	"time"

	"github.com/gosuri/uilive"

	"github.com/relaymesh/chunkrelay/client"
)

var torrentFile = flag.String("torrentfile", "", "read the contents of the torrent `file`")

func main() {
	flag.Parse()
	if *torrentFile == "" {
		log.Fatal("please provide -torrentfile")
	}

	cfg, err := client.DefaultConfig()
	if err != nil {
		log.Fatal(err)
	}
	cl, err := client.NewClient(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer cl.Close()

	t, err := cl.AddFromFile(*torrentFile)
	if err != nil {
		log.Fatal(err)
	}

	w := uilive.New()
	w.Start()
	defer w.Stop()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		t.WriteStatus(w)
	}
}
