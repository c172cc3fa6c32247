package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/0xphantomotr/snakelink/pkg/config"
	"github.com/0xphantomotr/snakelink/pkg/p2p"
	"github.com/0xphantomotr/snakelink/pkg/registry"
	"github.com/0xphantomotr/snakelink/pkg/types"
)

func main() {
	def := config.Default()
	group := flag.String("discovery-group", def.DiscoveryGroup, "UDP multicast group to listen on")
	seedsFlag := flag.String("p2p-seeds", "", "comma-separated id@host:port peers to list as well")
	duration := flag.Duration("duration", 5*time.Second, "how long to scan")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	transport := p2p.NewLANTransport(p2p.Config{
		DeviceID:       "scanner",
		ListenAddr:     "127.0.0.1:0",
		DiscoveryGroup: *group,
		Seeds:          config.SplitList(*seedsFlag),
	})
	if err := transport.Initialize(ctx); err != nil {
		log.Fatalf("initialize transport: %v", err)
	}
	defer transport.Close()

	reg := registry.New()
	found := make(chan types.PeerDevice, 16)
	if err := transport.StartDiscovery(func(d types.PeerDevice) {
		select {
		case found <- d:
		default:
		}
	}); err != nil {
		log.Fatalf("start discovery: %v", err)
	}
	defer transport.StopDiscovery()

	for {
		select {
		case d := <-found:
			if reg.OnDiscovered(d) {
				fmt.Printf("+ %s  %s\n", d.ID, d.DisplayName)
			}
		case <-ctx.Done():
			fmt.Printf("%d device(s) nearby\n", reg.Len())
			for _, d := range reg.List() {
				fmt.Printf("%-36s  %-16s  last seen %s\n", d.ID, d.DisplayName, d.LastSeenAt.Format(time.TimeOnly))
			}
			return
		}
	}
}
