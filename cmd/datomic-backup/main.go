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

// Command datomic-backup drives the segment producer: a one-shot bulk
// backup of a source database's transaction log, or an incremental
// "catch up since last segment" run.
package main

import (
	"fmt"
	"os"

	"github.com/fulcrologic/datomic-cloud-backup/internal/cliconfig"
	"github.com/fulcrologic/datomic-cloud-backup/internal/transport"
	"github.com/fulcrologic/datomic-cloud-backup/internal/wiring"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var cfg cliconfig.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "datomic-backup",
	Short: "Back up a Datomic-style source database into durable segments",
}

var bulkCmd = &cobra.Command{
	Use:   "bulk",
	Short: "Back up the entire source history, segment size bounded by --segmentSize",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Preflight(); err != nil {
			return err
		}
		ctx := cmd.Context()

		source, err := transport.OpenSource(ctx, cfg.SourceConn)
		if err != nil {
			return err
		}
		backuper, cleanup, err := wiring.BuildBackuper(ctx, &cfg, source)
		if err != nil {
			return err
		}
		defer cleanup()

		written, err := backuper.BackupBulk(ctx, cfg.SegmentSize, 0, cfg.BulkParallelism)
		if err != nil {
			return err
		}
		log.WithFields(log.Fields{"db": cfg.DB, "segments": written}).Info("bulk backup complete")
		return nil
	},
}

var nextCmd = &cobra.Command{
	Use:   "next",
	Short: "Back up transactions newer than the most recently written segment",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Preflight(); err != nil {
			return err
		}
		ctx := cmd.Context()

		source, err := transport.OpenSource(ctx, cfg.SourceConn)
		if err != nil {
			return err
		}
		backuper, cleanup, err := wiring.BuildBackuper(ctx, &cfg, source)
		if err != nil {
			return err
		}
		defer cleanup()

		written, err := backuper.BackupNext(ctx, cfg.SegmentSize)
		if err != nil {
			return err
		}
		log.WithFields(log.Fields{"db": cfg.DB, "segments": written}).Info("incremental backup complete")
		return nil
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Re-derive and fill gaps in the segment store's coverage of the source history",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Preflight(); err != nil {
			return err
		}
		ctx := cmd.Context()

		source, err := transport.OpenSource(ctx, cfg.SourceConn)
		if err != nil {
			return err
		}
		backuper, cleanup, err := wiring.BuildBackuper(ctx, &cfg, source)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := backuper.Repair(ctx); err != nil {
			return err
		}
		log.WithField("db", cfg.DB).Info("repair complete")
		return nil
	},
}

func init() {
	cfg.Bind(rootCmd.PersistentFlags())
	rootCmd.AddCommand(bulkCmd, nextCmd, repairCmd)
}
