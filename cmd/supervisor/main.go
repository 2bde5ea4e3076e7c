// Command supervisor is the per-node process manager: it runs the
// Raft-lite election state machine on the control port and spawns or
// terminates this node's leader/follower data-plane child depending on
// the role that election settles on.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vzdtic/replicated-kv/pkg/cluster"
	"github.com/vzdtic/replicated-kv/pkg/election"
	"github.com/vzdtic/replicated-kv/pkg/metrics"
	"github.com/vzdtic/replicated-kv/pkg/supervisor"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "supervisor: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath  string
		nodeID      int
		dbName      string
		snapPath    string
		leaderBin   string
		followerBin string
		metricsAddr string
		logJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "supervisor --config cluster.yaml --id 1",
		Short: "Run this node's election and role-process supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" || nodeID == 0 {
				return fmt.Errorf("--config and --id are required")
			}

			log := newLogger(logJSON)

			clusterCfg, err := cluster.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading cluster config: %w", err)
			}
			if _, ok := clusterCfg.Node(nodeID); !ok {
				return fmt.Errorf("node id %d not present in %s", nodeID, configPath)
			}

			if dbName == "" {
				dbName = "kv"
			}
			if snapPath == "" {
				snapPath = fmt.Sprintf("./node-%d-data", nodeID)
			}

			var sup *supervisor.Supervisor
			e := election.New(clusterCfg, nodeID, func() uint64 {
				if sup == nil {
					return 0
				}
				return sup.LastSeq()
			}, log)

			sup = supervisor.New(supervisor.Config{
				SelfID:   nodeID,
				DBName:   dbName,
				SnapPath: snapPath,
				Binaries: supervisor.Binaries{Leader: leaderBin, Follower: followerBin},
			}, clusterCfg, e, log)

			stop := make(chan struct{})
			electionErrCh := make(chan error, 1)
			go func() {
				if err := e.Run(stop); err != nil {
					electionErrCh <- err
				}
			}()
			go sup.Run(stop)

			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				log.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")
				if err := http.ListenAndServe(metricsAddr, mux); err != nil {
					log.Error().Err(err).Msg("metrics server error")
				}
			}()

			log.Info().
				Int("node_id", nodeID).
				Str("config", configPath).
				Msg("supervisor started")

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case <-sigCh:
				log.Info().Msg("shutting down")
			case err := <-electionErrCh:
				log.Error().Err(err).Msg("election control-port server error")
			}

			close(stop)
			time.Sleep(300 * time.Millisecond) // let the supervisor's Run loop observe stop and terminate its child
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to the cluster YAML config (required)")
	cmd.Flags().IntVar(&nodeID, "id", 0, "this node's id in the cluster config (required)")
	cmd.Flags().StringVar(&dbName, "db", "", "database name passed to the spawned leader/follower (default kv)")
	cmd.Flags().StringVar(&snapPath, "snap-path", "", "WAL/snapshot directory passed to the spawned child")
	cmd.Flags().StringVar(&leaderBin, "leader-bin", "./leader", "path to the leader binary to spawn")
	cmd.Flags().StringVar(&followerBin, "follower-bin", "./follower", "path to the follower binary to spawn")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:9090", "address for the Prometheus /metrics endpoint")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "emit structured JSON logs instead of console output")
	return cmd
}

func newLogger(jsonOutput bool) zerolog.Logger {
	if jsonOutput {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}
