// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/muralsearch/mural/edge/buffer"
	"github.com/muralsearch/mural/edge/gateway"
	"github.com/muralsearch/mural/pkg/process"
)

var (
	rootCmd = &cobra.Command{
		Use:   "mural-edge",
		Short: "Mural edge upload gateway",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the edge gateway",
		RunE:  cmdRun,
	}

	runCfg runConfig
)

type upstreamConfig struct {
	URI     string        `help:"object store target, http(s):// endpoint or local directory" default:"/var/lib/mural/objects"`
	Timeout time.Duration `help:"per-upload deadline against an http upstream" default:"30s"`
}

type debugConfig struct {
	Address string `help:"listen address for the debug stats endpoint, empty disables it" default:""`
}

type runConfig struct {
	Gateway  gateway.Config
	Upstream upstreamConfig
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

	upstream, err := openUpstream(runCfg.Upstream)
	if err != nil {
		return err
	}

	buf, err := buffer.New(log.Named("buffer"), runCfg.Gateway.Buffer)
	if err != nil {
		return err
	}

	gw := gateway.New(log.Named("gateway"), upstream, buf, runCfg.Gateway)

	if runCfg.Debug.Address != "" {
		go serveDebug(log, runCfg.Debug.Address)
	}

	log.Info("edge gateway starting",
		zap.String("address", runCfg.Gateway.Address),
		zap.String("upstream", runCfg.Upstream.URI))
	return gw.Run(ctx)
}

func serveDebug(log *zap.Logger, address string) {
	handler := http.NewServeMux()
	handler.Handle("/debug/stats", process.StatsHandler(nil))
	if err := http.ListenAndServe(address, handler); err != nil {
		log.Warn("debug server failed", zap.Error(err))
	}
}

func openUpstream(config upstreamConfig) (gateway.Upstream, error) {
	if strings.HasPrefix(config.URI, "http://") || strings.HasPrefix(config.URI, "https://") {
		return gateway.NewHTTPUpstream(config.URI, config.Timeout), nil
	}
	return gateway.NewDirUpstream(strings.TrimPrefix(config.URI, "file://"))
}

func main() {
	process.Exec(rootCmd)
}
