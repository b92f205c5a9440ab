// Command trustfabric-node brings up a single trust-fabric node:
// configuration, durable storage, gossip, node-health, and the
// revocation and admission kernels.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aethercore/trustfabric/pkg/config"
	"github.com/aethercore/trustfabric/pkg/node"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		nodeID       = flag.String("node-id", "", "node ID (overrides TRUSTFABRIC_NODE_ID)")
		registryPath = flag.String("authority-registry", "", "path to a YAML authority registry file")
		showHelp     = flag.Bool("help", false, "show help message")
	)
	flag.Parse()

	if *showHelp {
		flag.Usage()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if *nodeID != "" {
		cfg.NodeID = *nodeID
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	var authorities *config.AuthorityRegistry
	if *registryPath != "" {
		reg, err := config.LoadAuthorityRegistry(*registryPath)
		if err != nil {
			log.Fatalf("failed to load authority registry: %v", err)
		}
		authorities = reg
		log.Printf("loaded %d authority members, %d seed peers from %s", len(reg.Authorities), len(reg.SeedPeers), *registryPath)
	}

	n, err := node.New(cfg, authorities)
	if err != nil {
		log.Fatalf("failed to initialize node: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		fmt.Println("shutdown signal received")
		cancel()
	}()

	if err := n.Run(ctx); err != nil {
		log.Fatalf("node exited with error: %v", err)
	}
}
