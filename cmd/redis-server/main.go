package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/arjunsk/goredis-server/engine"
	"github.com/arjunsk/goredis-server/rdb"
	"github.com/arjunsk/goredis-server/replication"
	"github.com/arjunsk/goredis-server/server"
	"github.com/arjunsk/goredis-server/store"
)

func main() {
	var (
		port       = flag.Int("port", 6379, "listening port")
		dir        = flag.String("dir", ".", "directory holding the RDB snapshot")
		dbfilename = flag.String("dbfilename", "dump.rdb", "RDB snapshot filename")
		replicaof  = flag.String("replicaof", "", "master address to replicate from, as \"host port\"")
	)
	flag.Parse()

	s := store.New()

	if err := loadSnapshot(s, *dir, *dbfilename); err != nil {
		log.Fatalf("failed to load RDB snapshot: %v", err)
	}

	role := "master"
	if *replicaof != "" {
		role = "slave"
	}

	cfg := engine.Config{
		Dir:          *dir,
		Dbfilename:   *dbfilename,
		Role:         role,
		MasterReplID: randomReplID(),
	}
	eng := engine.New(s, cfg, nil)

	addr := fmt.Sprintf(":%d", *port)
	srv := server.NewServer(addr, eng, nil)
	if err := srv.Start(); err != nil {
		log.Fatalf("failed to start server: %v", err)
	}
	log.Printf("listening on %s (role=%s)", addr, role)

	var repl *replication.Client
	if *replicaof != "" {
		masterAddr, err := parseReplicaof(*replicaof)
		if err != nil {
			log.Fatalf("invalid -replicaof: %v", err)
		}
		repl = replication.NewClient(masterAddr, *port, s)
		eng.SetReplicationSource(repl)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := repl.Start(ctx); err != nil {
			log.Fatalf("failed to start replication: %v", err)
		}
		log.Printf("replicating from %s", masterAddr)
	}

	waitForShutdown()

	if repl != nil {
		repl.Stop()
	}
	srv.Stop()
}

func loadSnapshot(s *store.Store, dir, dbfilename string) error {
	path := filepath.Join(dir, dbfilename)
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	snap, err := rdb.Parse(buf)
	if err != nil {
		return err
	}
	for key, e := range snap.DB.Entries {
		s.LoadString(key, e.Value, e.ExpireAtMs)
	}
	return nil
}

func parseReplicaof(spec string) (string, error) {
	var host, portStr string
	n, err := fmt.Sscanf(spec, "%s %s", &host, &portStr)
	if err != nil || n != 2 {
		return "", fmt.Errorf("expected \"host port\", got %q", spec)
	}
	return fmt.Sprintf("%s:%s", host, portStr), nil
}

func randomReplID() string {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return "0000000000000000000000000000000000000000"
	}
	return hex.EncodeToString(b)
}

func waitForShutdown() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
}
