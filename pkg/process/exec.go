// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

// Package process wires cobra commands to configuration, logging and metrics.
package process

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/muralsearch/mural/pkg/cfgstruct"
)

// Error is a process error class.
var Error = errs.Class("process error")

const envPrefix = "MURAL"

func init() {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
}

// Bind registers flags for every field of config on the command's flag set.
func Bind(cmd *cobra.Command, config interface{}) {
	cfgstruct.Bind(cmd.Flags(), config)
}

// Exec runs a cobra command with environment-backed configuration. Any flag
// left unset on the command line is overridden by a matching MURAL_*
// environment variable or config-file entry before the command runs.
func Exec(cmd *cobra.Command) {
	cleanup(cmd)
	Must(cmd.Execute())
}

func cleanup(cmd *cobra.Command) {
	for _, child := range cmd.Commands() {
		cleanup(child)
	}

	internalRun := cmd.RunE
	if internalRun == nil {
		return
	}

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		vip := viper.New()
		vip.SetEnvPrefix(envPrefix)
		vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
		vip.AutomaticEnv()
		if err := vip.BindPFlags(cmd.Flags()); err != nil {
			return Error.Wrap(err)
		}

		if configFile, err := cmd.Flags().GetString("config"); err == nil && configFile != "" {
			vip.SetConfigFile(configFile)
			if err := vip.ReadInConfig(); err != nil {
				return Error.Wrap(err)
			}
		}

		var brokenKeys []string
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			if f.Changed || !vip.IsSet(f.Name) {
				return
			}
			if err := f.Value.Set(vip.GetString(f.Name)); err != nil {
				brokenKeys = append(brokenKeys, f.Name)
			}
		})
		if len(brokenKeys) > 0 {
			return Error.New("invalid configuration values for: %s", strings.Join(brokenKeys, ", "))
		}

		logger, err := NewLogger()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		defer zap.ReplaceGlobals(logger)()
		defer zap.RedirectStdLog(logger)()

		return internalRun(cmd, args)
	}
}

// Ctx returns a context that is canceled when the process receives an
// interrupt or termination signal.
func Ctx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()

	return ctx, cancel
}

// Must can be used for default Exec error handling.
func Must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
