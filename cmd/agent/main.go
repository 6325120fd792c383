package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"netsatbench/pkg/agent"
	"netsatbench/pkg/store"
	"netsatbench/pkg/version"
)

func main() {
	_ = godotenv.Load()

	defaultNode := os.Getenv("NODE_NAME")
	nodeName := flag.String("node", defaultNode, "node name (overrides NODE_NAME env)")
	journalPath := flag.String("journal", "", "path of the local sqlite journal")
	showVersion := flag.Bool("v", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		log.Printf("agent version=%s", version.Build)
		return
	}
	if *nodeName == "" {
		log.Fatal("node name is required (flag --node or env NODE_NAME)")
	}

	cfg := store.EtcdConfigFromEnv()
	// deployment passes a single ETCD_ENDPOINT; split it back apart
	if ep := os.Getenv("ETCD_ENDPOINT"); ep != "" && os.Getenv("ETCD_HOST") == "" {
		if host, port, ok := strings.Cut(ep, ":"); ok {
			cfg.Host, cfg.Port = host, port
		} else {
			cfg.Host = ep
		}
	}

	s, err := store.NewEtcd(cfg)
	if err != nil {
		log.Fatalf("connecting to store: %v", err)
	}
	defer s.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer cancel()

	a := &agent.Agent{
		Store:       s,
		Node:        *nodeName,
		JournalPath: *journalPath,
	}
	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("agent failed: %v", err)
	}
}
