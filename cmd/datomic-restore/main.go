// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Command datomic-restore drives segments out of a segment store and
// into a target database, either as a single-shot catch-up pass or as
// the long-running continuous driver.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fulcrologic/datomic-cloud-backup/internal/cliconfig"
	"github.com/fulcrologic/datomic-cloud-backup/internal/restore"
	"github.com/fulcrologic/datomic-cloud-backup/internal/transport"
	"github.com/fulcrologic/datomic-cloud-backup/internal/util/stopper"
	"github.com/fulcrologic/datomic-cloud-backup/internal/wiring"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var cfg cliconfig.Config

// ShutdownGrace bounds how long the serve subcommand waits for the
// continuous driver's goroutines to drain after an interrupt.
const ShutdownGrace = 10 * time.Second

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "datomic-restore",
	Short: "Replay segments from a segment store into a target database",
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Apply every segment newer than the target's last applied transaction, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Preflight(); err != nil {
			return err
		}
		ctx := cmd.Context()

		target, err := transport.OpenTarget(ctx, cfg.TargetConn)
		if err != nil {
			return err
		}
		restorer, cleanup, err := wiring.BuildRestorer(ctx, &cfg, target)
		if err != nil {
			return err
		}
		defer cleanup()

		for {
			result, err := restorer.RestoreSegment(ctx)
			if err != nil {
				return err
			}
			log.WithFields(log.Fields{
				"db":              cfg.DB,
				"state":           result.State,
				"applied_through": result.AppliedThrough,
			}).Info("restore step complete")

			switch result.State {
			case restore.NothingNewAvailable:
				return nil
			case restore.TransactionFailed:
				return result.Err
			case restore.PartialSegment:
				return nil
			}
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the continuous restore driver until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Preflight(); err != nil {
			return err
		}

		baseCtx := cmd.Context()
		target, err := transport.OpenTarget(baseCtx, cfg.TargetConn)
		if err != nil {
			return err
		}
		driver, cleanup, err := wiring.BuildContinuousDriver(baseCtx, &cfg, target)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx := stopper.WithContext(baseCtx)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			log.Info("shutting down continuous restore driver")
			ctx.Stop(ShutdownGrace)
		}()

		reason, err := driver.Run(ctx)
		log.WithFields(log.Fields{"db": cfg.DB, "reason": reason}).Info("continuous restore driver exited")
		return err
	},
}

func init() {
	cfg.Bind(rootCmd.PersistentFlags())
	rootCmd.AddCommand(restoreCmd, serveCmd)
}
