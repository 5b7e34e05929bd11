// Copyright © 2020 Jonathan Whitaker <github@whitaker.io>.
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/whitaker-io/cra/artifact"
	cras3 "github.com/whitaker-io/cra/internal/artifact/s3"
	cracassandra "github.com/whitaker-io/cra/internal/store/cassandra"
	"github.com/whitaker-io/cra/metadata"
	"github.com/whitaker-io/cra/worker"
)

func init() {
	rootCmd.Args = cobra.RangeArgs(2, 3)
	rootCmd.Use = "worker <instanceName> <port> [ipAddress]"
	rootCmd.RunE = runWorker
}

// runWorker is the root command's action: resolve the instance's own
// address, wire the metadata and artifact backends named in config,
// start the Worker, and block serving control connections and the
// health endpoint until an interrupt is received.
func runWorker(cmd *cobra.Command, args []string) error {
	instanceName := args[0]

	port, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", args[1], err)
	}

	address := ""
	if len(args) == 3 {
		address = args[2]
	}
	if address == "" || address == "null" {
		address, err = detectIPv4()
		if err != nil {
			return fmt.Errorf("detect local IPv4 address: %w", err)
		}
	}

	ts, err := newTableService(viper.GetString(storageConnStringKey))
	if err != nil {
		return fmt.Errorf("construct metadata store: %w", err)
	}

	store, err := newArtifactStore(viper.GetString(artifactConnStringKey))
	if err != nil {
		return fmt.Errorf("construct artifact store: %w", err)
	}

	w := worker.New(instanceName, address, port, ts, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"instance": instanceName,
		"address":  address,
		"port":     port,
	}).Info("worker: started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)

	errCh := make(chan error, 1)
	go func() { errCh <- w.Serve(ctx) }()

	select {
	case <-quit:
		cancel()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve health endpoint: %w", err)
		}
	}

	return w.Stop()
}

// detectIPv4 is the fallback for an absent or literal "null" ipAddress
// argument: it picks the address of the first non-loopback IPv4
// interface found.
func detectIPv4() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}

	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4.String(), nil
		}
	}

	return "", fmt.Errorf("no non-loopback IPv4 interface found")
}

// newTableService dispatches on the connection string's scheme.
// "memory://" is for local bring-up and tests; "cassandra://" wires
// the gocql-backed implementation from internal/store/cassandra.
func newTableService(connString string) (metadata.TableService, error) {
	switch {
	case connString == "" || connString == "memory://":
		return metadata.NewInMemoryTableService(), nil
	case strings.HasPrefix(connString, "cassandra://"):
		return cracassandra.Dial(strings.TrimPrefix(connString, "cassandra://"))
	default:
		return nil, fmt.Errorf("unrecognized %s scheme: %q", storageConnStringKey, connString)
	}
}

// newArtifactStore mirrors newTableService for the artifact.Store
// backend: "s3://" wires the aws-sdk-go-backed implementation from
// internal/artifact/s3.
func newArtifactStore(connString string) (artifact.Store, error) {
	switch {
	case connString == "" || connString == "memory://":
		return artifact.NewInMemoryStore(), nil
	case strings.HasPrefix(connString, "s3://"):
		return cras3.Dial(strings.TrimPrefix(connString, "s3://"))
	default:
		return nil, fmt.Errorf("unrecognized %s scheme: %q", artifactConnStringKey, connString)
	}
}
