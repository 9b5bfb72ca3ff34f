package main

import (
	"log"
	"net"
	"os"
	"strconv"

	"github.com/canvasd/canvasd/internal/api"
	"github.com/canvasd/canvasd/internal/config"
	"github.com/canvasd/canvasd/internal/ingest"
	"github.com/canvasd/canvasd/internal/query"
	"github.com/canvasd/canvasd/internal/relay"
	"github.com/canvasd/canvasd/internal/session"
	"github.com/canvasd/canvasd/internal/store"
	"github.com/canvasd/canvasd/internal/wire"
)

func main() {
	logger := log.New(os.Stdout, "canvasd: ", log.LstdFlags)

	cfg := config.FromEnv()

	dbPath := ""
	if cfg.DataDir != "" {
		dbPath = cfg.DataDir + "/canvasd.db"
	}

	st, err := store.Open(dbPath, logger)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer st.Close()

	registry := session.NewRegistry()

	srv := api.New(st, registry, nil, nil, nil, ingest.MaxStoreBytes, logger)

	rel := relay.New(registry, srv.Hub(), wire.CompactEncoder{}, logger)
	coord := ingest.New(st, rel, logger, ingest.WithGzipLevel(cfg.GzipLevel))
	qsvc := query.New(st, logger)

	srv.SetRelay(rel)
	srv.SetCoordinator(coord)
	srv.SetQuery(qsvc)

	addr := bindAddr(cfg.Port, logger)
	if err := srv.Start(addr); err != nil {
		logger.Fatalf("serve: %v", err)
	}
}

// bindAddr resolves the configured port, falling back to an OS-assigned
// ephemeral port if the configured one is already in use (spec §6).
func bindAddr(port string, logger *log.Logger) string {
	addr := ":" + port
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		ln.Close()
		return addr
	}
	logger.Printf("canvasd: port %s unavailable (%v), falling back to an ephemeral port", port, err)

	ln, err = net.Listen("tcp", ":0")
	if err != nil {
		logger.Fatalf("canvasd: could not bind any port: %v", err)
	}
	fallback := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return ":" + strconv.Itoa(fallback)
}
