// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

package main

import (
	"net/http"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/muralsearch/mural/controlplane"
	"github.com/muralsearch/mural/controlplane/boltstore"
	"github.com/muralsearch/mural/controlplane/dualstore"
	"github.com/muralsearch/mural/controlplane/jsonstore"
	"github.com/muralsearch/mural/controlplane/storelogger"
	"github.com/muralsearch/mural/pkg/auth"
	"github.com/muralsearch/mural/pkg/process"
	"github.com/muralsearch/mural/query/embed"
	"github.com/muralsearch/mural/query/queryserver"
	"github.com/muralsearch/mural/query/snapshot"
)

var (
	rootCmd = &cobra.Command{
		Use:   "mural-query",
		Short: "Mural multi-modal query service",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the query service",
		RunE:  cmdRun,
	}

	runCfg runConfig
)

type embedConfig struct {
	FallbackDims int `help:"dimensions of the deterministic in-process embedder used when no service is configured" default:"256"`

	HTTP embed.HTTPConfig
}

type storeConfig struct {
	Backend    string `help:"control-plane backend: json or document_db" default:"json"`
	Secondary  string `help:"optional secondary backend kept in step during migrations" default:""`
	JSONDir    string `help:"directory backing the json store" default:"/var/lib/mural/control"`
	BoltPath   string `help:"database file backing the document_db store" default:"/var/lib/mural/control.db"`
	BoltPrefix string `help:"bucket prefix for the document_db store" default:"mural"`
	Debug      bool   `help:"log every control-plane backend call" default:"false"`

	Dual dualstore.Config
}

type debugConfig struct {
	Address string `help:"listen address for the debug stats endpoint, empty disables it" default:""`
}

type runConfig struct {
	Server   queryserver.Config
	Auth     auth.Config
	Snapshot snapshot.Config
	Embed    embedConfig
	Store    storeConfig
	Debug    debugConfig
}

func init() {
	rootCmd.AddCommand(runCmd)
	process.Bind(runCmd, &runCfg)
	runCmd.Flags().String("config", "", "path to a configuration file")
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := process.Ctx(cmd)
	defer cancel()

	log := zap.L()

	backend, err := openBackend(log, runCfg.Store)
	if err != nil {
		return err
	}
	stores := controlplane.NewStores(backend)
	defer func() { err = errs.Combine(err, stores.Close()) }()

	authService, err := auth.NewService(log.Named("auth"), runCfg.Auth, stores)
	if err != nil {
		return err
	}

	loader := snapshot.NewLoader(log.Named("snapshot"), runCfg.Snapshot)
	defer func() { err = errs.Combine(err, loader.Close()) }()
	if _, err := loader.Load(ctx); err != nil {
		log.Warn("initial snapshot load failed, queries are refused until a reload succeeds",
			zap.Error(err))
	}

	embedder, err := openEmbedder(runCfg.Embed)
	if err != nil {
		return err
	}

	server, err := queryserver.New(log.Named("query"), runCfg.Server, queryserver.Deps{
		Auth:     authService,
		Loader:   loader,
		Embedder: embedder,
		Stores:   stores,
		Meter:    queryserver.LogSink{Log: log.Named("meter")},
	})
	if err != nil {
		return err
	}

	if runCfg.Debug.Address != "" {
		go serveDebug(log, runCfg.Debug.Address)
	}

	log.Info("query service starting", zap.String("address", runCfg.Server.Address))
	return server.Run(ctx)
}

func serveDebug(log *zap.Logger, address string) {
	handler := http.NewServeMux()
	handler.Handle("/debug/stats", process.StatsHandler(nil))
	if err := http.ListenAndServe(address, handler); err != nil {
		log.Warn("debug server failed", zap.Error(err))
	}
}

func openEmbedder(config embedConfig) (embed.Embedder, error) {
	if config.HTTP.URL == "" {
		return &embed.HashingEmbedder{Dims: config.FallbackDims}, nil
	}
	return embed.NewCached(embed.NewHTTPEmbedder(config.HTTP), config.HTTP.CacheSize)
}

func openBackend(log *zap.Logger, config storeConfig) (controlplane.Backend, error) {
	primary, err := openOne(config, config.Backend)
	if err != nil {
		return nil, err
	}

	var backend controlplane.Backend = primary
	if config.Secondary != "" {
		secondary, err := openOne(config, config.Secondary)
		if err != nil {
			return nil, errs.Combine(err, primary.Close())
		}
		backend = dualstore.New(log.Named("dualstore"), primary, secondary, config.Dual)
	}
	if config.Debug {
		backend = storelogger.New(log.Named("store"), backend)
	}
	return backend, nil
}

func openOne(config storeConfig, name string) (controlplane.Backend, error) {
	switch name {
	case "json":
		return jsonstore.New(config.JSONDir)
	case "document_db":
		return boltstore.New(config.BoltPath, config.BoltPrefix)
	default:
		return nil, errs.New("unknown control-plane backend %q", name)
	}
}

func main() {
	process.Exec(rootCmd)
}
