// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// veild is the thin process wrapper around the engine: it initializes a
// data directory, runs the ABCI-shaped driver against the storage engine,
// and answers key/value inspection queries. Consensus integration proper
// (the socket/gRPC ABCI server) is an external collaborator and is not
// reimplemented here.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/veilstate/veil/internal/abci"
	"github.com/veilstate/veil/internal/config"
	"github.com/veilstate/veil/internal/kv/mdbx"
	"github.com/veilstate/veil/internal/kvtypes"
	"github.com/veilstate/veil/internal/mathutil"
	"github.com/veilstate/veil/internal/storage"
)

func main() {
	app := &cli.App{
		Name:  "veild",
		Usage: "veil storage and execution engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "home",
				Value: ".",
				Usage: "directory holding veil.toml and the data dir",
			},
		},
		Commands: []*cli.Command{
			initCommand(),
			runCommand(),
			queryCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func configPath(c *cli.Context) string {
	return filepath.Join(c.String("home"), "veil.toml")
}

func newLogger(level string) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("bad log level %q: %w", level, err)
	}
	log, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return log.Sugar(), nil
}

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "write a default veil.toml and create the data directory",
		Action: func(c *cli.Context) error {
			cfg := config.Default()
			path := configPath(c)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.MkdirAll(filepath.Join(c.String("home"), cfg.DataDir), 0o755); err != nil {
				return err
			}
			if err := cfg.Save(path); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
}

// openStorage loads config, opens MDBX, and brings the engine up.
func openStorage(ctx context.Context, c *cli.Context) (config.Config, *storage.Storage, func() error, error) {
	cfg, err := config.Load(configPath(c))
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	dataDir := cfg.DataDir
	if !filepath.IsAbs(dataDir) {
		dataDir = filepath.Join(c.String("home"), dataDir)
	}
	// Five families per substore, plus the root substore's five.
	maxFamilies := (len(cfg.Storage.Substores) + 1) * len(kvtypes.AllFamilies)
	db, err := mdbx.Open(dataDir, maxFamilies)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	st, err := storage.Load(ctx, db, cfg.Storage.Substores, cfg.Storage.SnapshotCacheSize)
	if err != nil {
		db.Close()
		return config.Config{}, nil, nil, err
	}
	return cfg, st, db.Close, nil
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run the engine and stream committed snapshots",
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, st, closeDB, err := openStorage(ctx, c)
			if err != nil {
				return err
			}
			defer closeDB()

			log, err := newLogger(cfg.Log.Level)
			if err != nil {
				return err
			}
			defer log.Sync()

			hubs, err := cfg.HubAssetIDs()
			if err != nil {
				return err
			}
			driver := abci.New(st, abci.Options{
				HubAssets: hubs,
				MaxHops:   cfg.Router.MaxHops,
				Logger:    log,
			})

			// A pre-genesis store needs init_chain before serving.
			if st.LatestSnapshot().Version() == mathutil.MaxUint64 {
				if _, err := driver.InitChain(ctx, cfg.ChainID); err != nil {
					return err
				}
			}

			g, ctx := errgroup.WithContext(ctx)

			if cfg.Metrics.Addr != "" {
				srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: promhttp.Handler()}
				g.Go(func() error {
					err := srv.ListenAndServe()
					if err == http.ErrServerClosed {
						return nil
					}
					return err
				})
				g.Go(func() error {
					<-ctx.Done()
					return srv.Shutdown(context.Background())
				})
			}

			// Stream committed snapshots the way an external indexer would,
			// dropping each handle before waiting for the next one.
			g.Go(func() error {
				sub := st.Subscribe()
				var lastVersion uint64
				first := true
				for {
					select {
					case <-ctx.Done():
						return nil
					case snap := <-sub:
						if !first && snap.Version() != lastVersion+1 {
							log.Warnw("snapshot stream gap",
								"have", lastVersion, "got", snap.Version())
						}
						first = false
						lastVersion = snap.Version()
						log.Infow("snapshot committed",
							"version", snap.Version(), "root", snap.Root())
					}
				}
			})

			log.Infow("engine running", "chain_id", cfg.ChainID)
			return g.Wait()
		},
	}
}

func queryCommand() *cli.Command {
	return &cli.Command{
		Name:      "query",
		Usage:     "read one key from the latest snapshot",
		ArgsUsage: "<substore> <key>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "backend",
				Value: "jmt",
				Usage: "jmt or nonverifiable",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("usage: veild query <substore> <key>")
			}
			ctx := context.Background()
			_, st, closeDB, err := openStorage(ctx, c)
			if err != nil {
				return err
			}
			defer closeDB()

			snap := st.LatestSnapshot()
			substore, key := c.Args().Get(0), c.Args().Get(1)
			var (
				value []byte
				ok    bool
			)
			switch c.String("backend") {
			case "jmt":
				value, ok, err = snap.Get(ctx, substore, key)
			case "nonverifiable":
				value, ok, err = snap.NonverifiableGet(ctx, substore, []byte(key))
			default:
				return fmt.Errorf("unknown backend %q", c.String("backend"))
			}
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("(not found)")
				return nil
			}
			fmt.Println(hex.EncodeToString(value))
			return nil
		},
	}
}
