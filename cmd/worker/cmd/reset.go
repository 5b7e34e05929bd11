// Copyright © 2020 Jonathan Whitaker <github@whitaker.io>.
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/whitaker-io/cra/client"
)

var resetConfirmed bool

// resetCmd drops every metadata table for the configured storage
// backend. It is destructive across the whole cluster, not just the
// calling instance, so it refuses to run without --yes.
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "reset - drops every vertex, endpoint, connection, and sharding row in the configured metadata store",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !resetConfirmed {
			return fmt.Errorf("reset: refusing to drop cluster metadata without --yes")
		}

		ts, err := newTableService(viper.GetString(storageConnStringKey))
		if err != nil {
			return fmt.Errorf("construct metadata store: %w", err)
		}

		store, err := newArtifactStore(viper.GetString(artifactConnStringKey))
		if err != nil {
			return fmt.Errorf("construct artifact store: %w", err)
		}

		c := client.NewWithArtifacts(ts, store)
		return c.Reset(context.Background())
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetConfirmed, "yes", false, "confirm the destructive reset")
	rootCmd.AddCommand(resetCmd)
}
