package main

import (
	"flag"
	"fmt"
	"log"
	"net"

	"github.com/mirkobrombin/go-latch/v1/presets"
)

var (
	port    = flag.Int("port", 6390, "Port to listen on")
	addr    = flag.String("addr", "0.0.0.0", "Address to listen on")
	dir     = flag.String("dir", "./locks", "Lease directory shared by every server instance")
	natsURL = flag.String("nats", "", "NATS URL for release notifications between instances")
)

// latch-server exposes lease locks and semaphores over RESP so that clients
// without access to the lease directory can use them with any Redis client.
func main() {
	flag.Parse()

	var locks *presets.Locks
	if *natsURL != "" {
		var err error
		if locks, err = presets.NewFileNATS(*dir, *natsURL); err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
	} else {
		locks = presets.NewFile(*dir)
	}
	defer locks.Close()

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", *addr, *port))
	if err != nil {
		log.Fatalf("failed to listen: %v", err)
	}
	defer listener.Close()

	log.Printf("latch-server listening on %s:%d, leases in %s", *addr, *port, *dir)
	if err := newServer(locks).serve(listener); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
