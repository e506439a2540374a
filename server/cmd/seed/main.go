// Package main implements a one-shot seed command that populates a Woly
// database with a demo node and a handful of hosts, for local development
// against an empty database. It lives inside the server module so it can
// access server/internal/* packages.
//
// Usage (from monorepo root):
//
//	go run ./server/cmd/seed --node home --location home --hosts 3
//
// Environment variables:
//
//	DATABASE_URL  SQLite file path or Postgres DSN (default: ./woly.db)
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kaonis/woly-server-sub003/server/internal/db"
	"github.com/kaonis/woly-server-sub003/server/internal/repositories"
	"github.com/kaonis/woly-server-sub003/shared/protocol"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	nodeID := flag.String("node", "home", "Node ID to seed")
	location := flag.String("location", "home", "Location label for the node")
	hostCount := flag.Int("hosts", 3, "Number of demo hosts to create")
	flag.Parse()

	if *nodeID == "" || *location == "" {
		return fmt.Errorf("--node and --location must be non-empty")
	}

	dsn := envOrDefault("DATABASE_URL", "./woly.db")

	logger, _ := zap.NewDevelopment()

	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      dsn,
		Logger:   logger,
		LogLevel: gormlogger.Silent, // suppress GORM query logs in seed output
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	ctx := context.Background()
	nodeRepo := repositories.NewNodeRepository(database)
	hostRepo := repositories.NewHostRepository(database)

	caps, _ := json.Marshal([]string{"wake", "scan", "ping-host"})
	node := &db.Node{
		ID:           *nodeID,
		Name:         *nodeID,
		Location:     *location,
		Status:       string(protocol.NodeStatusOffline),
		Capabilities: string(caps),
		Version:      "seed",
		Platform:     "demo",
		Subnet:       "192.168.1.0/24",
		Gateway:      "192.168.1.1",
	}
	if err := nodeRepo.Upsert(ctx, node); err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	now := time.Now().UTC()
	for i := 0; i < *hostCount; i++ {
		name := fmt.Sprintf("demo-host-%d", i+1)
		status := protocol.HostStatusAsleep
		if i == 0 {
			status = protocol.HostStatusAwake
		}
		host := &db.AggregatedHost{
			FQN:      fmt.Sprintf("%s@%s", name, *location),
			NodeID:   *nodeID,
			Location: *location,
			Name:     name,
			MAC:      fmt.Sprintf("AA:BB:CC:DD:EE:%02X", i+1),
			IP:       fmt.Sprintf("192.168.1.%d", 100+i),
			Status:   string(status),
			LastSeen: &now,
			WolPort:  9,
		}
		if err := hostRepo.Upsert(ctx, host); err != nil {
			return fmt.Errorf("create host %s: %w", name, err)
		}
	}

	fmt.Printf("✓ Seeded\n")
	fmt.Printf("  Node:  %s (%s)\n", *nodeID, *location)
	fmt.Printf("  Hosts: %d\n", *hostCount)

	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
