package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/relaydb/engine/internal/cluster"
	"github.com/relaydb/engine/internal/config"
	"github.com/relaydb/engine/internal/server"
	"github.com/relaydb/engine/internal/storage"
)

func main() {
	root := &cli.Command{
		Name:  "relaydb",
		Usage: "replicated, log-structured event store",
		Commands: []*cli.Command{
			serveCommand(),
			inspectCommand(),
		},
	}
	if err := root.Run(context.Background(), os.Args); err != nil {
		log.Fatalf("relaydb: %v", err)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "boot the storage engine, cluster node, and request intake",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: "config.yaml", Usage: "path to config.yaml"},
			&cli.DurationFlag{Name: "compaction-interval", Value: 10 * time.Second, Usage: "how often the compactor task wakes"},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	engine, err := storage.Open(cfg.StorageDir,
		storage.WithCompactionThreshold(cfg.CompactionThresholdBytes()),
		storage.WithReadCache(cfg.ReadCacheEntries),
	)
	if err != nil {
		return fmt.Errorf("open storage engine: %w", err)
	}
	defer engine.Close()

	srv := server.New(engine)

	bootstrap, err := cluster.BootstrapFromEnv()
	if err != nil {
		return fmt.Errorf("node bootstrap: %w", err)
	}
	svc := cluster.ServiceNode{Node: bootstrap.NodeName, Address: bootstrap.NodeAddress}
	coord := cluster.NewMemCoordinator()
	node := cluster.NewNode(coord, cfg.Cluster, svc, bootstrap.RefreshInterval)

	runCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go srv.RunWriterTask(runCtx)
	go srv.RunCompactorTask(runCtx, cmd.Duration("compaction-interval"))
	go func() {
		if err := node.Run(runCtx, bootstrap); err != nil && runCtx.Err() == nil {
			log.Printf("node lifecycle exited: %v", err)
		}
	}()

	<-runCtx.Done()
	log.Printf("shutting down")
	return nil
}

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "recover an on-disk directory and print memtable/SSTable summaries",
		ArgsUsage: "<directory>",
		Action:    runInspect,
	}
}

func runInspect(_ context.Context, cmd *cli.Command) error {
	dir := cmd.Args().First()
	if dir == "" {
		return fmt.Errorf("inspect: a directory argument is required")
	}

	recovered, err := storage.Recover(dir)
	if err != nil {
		return fmt.Errorf("recover %s: %w", dir, err)
	}

	fmt.Printf("memtable: %d bytes, %d events\n", recovered.MemTable.Size(), recovered.MemTable.Len())
	for i, sst := range recovered.SSTables {
		events, err := sst.Events()
		if err != nil {
			fmt.Printf("sstable[%d] %s: error reading events: %v\n", i, sst.Path(), err)
			continue
		}
		fmt.Printf("sstable[%d] %s: epoch=%d events=%d\n", i, sst.Path(), sst.Epoch(), len(events))
		sst.Close()
	}
	return nil
}
