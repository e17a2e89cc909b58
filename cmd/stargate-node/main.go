package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/stargate-labs/stargate-net/api"
	"github.com/stargate-labs/stargate-net/network"
)

// Version information
const (
	Version = "0.1.0"
	Name    = "stargate-node"
)

func main() {
	defaults := network.DefaultConfig()

	listen := flag.String("listen", defaults.Listen, "transport listen endpoint (tcp://host:port)")
	seeds := flag.String("seeds", "", "comma-separated bootstrap peers (peerid@tcp://host:port)")
	metricsAddr := flag.String("metrics", ":9100", "metrics HTTP listen address")
	keyHex := flag.String("key", "", "hex-encoded ed25519 seed (generated when empty)")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("%s v%s\n", Name, Version)
		os.Exit(0)
	}

	key, err := nodeKey(*keyHex)
	if err != nil {
		log.Fatalf("node key: %v", err)
	}

	cfg := network.Config{Listen: *listen}
	if *seeds != "" {
		cfg.Seeds = strings.Split(*seeds, ",")
	}

	service, inbound, peerEvents, err := network.BuildNetworkService(cfg, key)
	if err != nil {
		log.Fatalf("failed to build network service: %v", err)
	}

	metrics := api.NewMetricsServer(*metricsAddr)
	metrics.StartAsync()

	fmt.Printf("%s v%s\n", Name, Version)
	fmt.Printf("node address: %s\n", service.Identify())
	fmt.Printf("listening on %s, metrics on %s\n", *listen, *metricsAddr)

	go func() {
		for msg := range inbound {
			log.Printf("message from %s: %d bytes", msg.Peer, len(msg.Data))
		}
	}()
	go func() {
		for ev := range peerEvents {
			switch ev.Kind {
			case network.PeerOpen:
				log.Printf("peer connected: %s", ev.Peer)
			case network.PeerClose:
				log.Printf("peer disconnected: %s", ev.Peer)
			}
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	log.Printf("shutting down")
	service.Shutdown()
	if err := metrics.Stop(); err != nil {
		log.Printf("metrics server stop: %v", err)
	}
}

// nodeKey loads the ed25519 key from a hex seed, or generates one.
func nodeKey(seedHex string) (ed25519.PrivateKey, error) {
	if seedHex == "" {
		_, key, err := ed25519.GenerateKey(rand.Reader)
		return key, err
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("invalid key hex: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
