// Copyright © 2020 Jonathan Whitaker <github@whitaker.io>.
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package cmd

import (
	"fmt"
	"os"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// storageConnStringKey is read from $HOME/.cra.yaml or the
// CRA_STORAGE_CONN_STRING environment variable. Its scheme
// ("cassandra://" or "memory://") picks the metadata.TableService
// backend; see newTableService in serve.go.
const storageConnStringKey = "storage.conn_string"

// artifactConnStringKey is the matching key for the artifact.Store
// backend ("s3://" or "memory://").
const artifactConnStringKey = "artifact.conn_string"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "worker - runs a single instance of a cra distributed dataflow runtime",
	Long: `worker - runs a single instance of a cra distributed dataflow runtime

	The following keys are read from $HOME/.cra.yaml, or the matching
	CRA_ prefixed environment variable:

	storage:
		conn_string: memory:// or cassandra://host1,host2/keyspace
	artifact:
		conn_string: memory:// or s3://bucket-name
	`,
}

// Execute runs the root command, exiting the process with a non-zero
// code on any initialization or runtime failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.cra.yaml)")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.SetConfigName(".cra")
	}

	viper.SetEnvPrefix("cra")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}
