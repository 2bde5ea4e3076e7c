// Command follower runs the data-plane follower process: it syncs from
// a leader's replication port and serves read-only client traffic,
// redirecting writes back to the leader. Takes its startup contract as
// positional arguments: leader_host leader_repl_port db_name snap_path
// read_port [node_id].
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vzdtic/replicated-kv/pkg/followerrole"
	"github.com/vzdtic/replicated-kv/pkg/replication"
	"github.com/vzdtic/replicated-kv/pkg/store"
	"github.com/vzdtic/replicated-kv/pkg/wal"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "follower: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		segmentBytes   int64
		leaderClientPt int
		logJSON        bool
	)

	cmd := &cobra.Command{
		Use:   "follower leader_host leader_repl_port db_name snap_path read_port [node_id]",
		Short: "Run the replicated key-value follower process",
		Args:  cobra.RangeArgs(5, 6),
		RunE: func(cmd *cobra.Command, args []string) error {
			leaderHost := args[0]
			leaderReplPort, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid leader_repl_port %q: %w", args[1], err)
			}
			dbName := args[2]
			snapPath := args[3]
			readPort, err := strconv.Atoi(args[4])
			if err != nil {
				return fmt.Errorf("invalid read_port %q: %w", args[4], err)
			}
			nodeID := 0
			if len(args) == 6 {
				nodeID, err = strconv.Atoi(args[5])
				if err != nil {
					return fmt.Errorf("invalid node_id %q: %w", args[5], err)
				}
			}

			log := newLogger(logJSON)

			w, err := wal.Open(snapPath, dbName, segmentBytes, log)
			if err != nil {
				return fmt.Errorf("opening wal: %w", err)
			}
			defer w.Close()

			st := store.NewMemory(w, log)
			if err := st.Recover(); err != nil {
				return fmt.Errorf("recovering store from wal: %w", err)
			}

			f := followerrole.New(followerrole.Config{
				ReadAddr: net.JoinHostPort("0.0.0.0", strconv.Itoa(readPort)),
			}, st, log)

			// The leader's client port is fixed cluster-wide; this
			// follower only ever redirects to leaderHost, since it is
			// started fresh against whichever node is currently leader
			// each time the supervisor reconciles role.
			f.SetLeaderClientAddr(net.JoinHostPort(leaderHost, strconv.Itoa(leaderClientPt)))

			stop := make(chan struct{})
			syncer := replication.NewSyncer(st, log)
			syncErrCh := make(chan error, 1)
			go func() {
				syncErrCh <- syncer.Run(net.JoinHostPort(leaderHost, strconv.Itoa(leaderReplPort)), stop)
			}()

			serveErrCh := make(chan error, 1)
			go func() {
				if err := f.Run(); err != nil {
					serveErrCh <- err
				}
			}()

			log.Info().
				Int("node_id", nodeID).
				Str("leader_repl_addr", net.JoinHostPort(leaderHost, strconv.Itoa(leaderReplPort))).
				Str("read_addr", net.JoinHostPort("0.0.0.0", strconv.Itoa(readPort))).
				Str("db", dbName).
				Msg("follower started")

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case <-sigCh:
				log.Info().Msg("shutting down")
			case err := <-syncErrCh:
				log.Error().Err(err).Msg("replication sync exhausted retries")
			case err := <-serveErrCh:
				log.Error().Err(err).Msg("follower server error")
			}

			close(stop)
			f.Stop()
			return nil
		},
	}

	cmd.Flags().Int64Var(&segmentBytes, "segment-bytes", 0, "WAL segment rotation size in bytes (default 5MiB)")
	cmd.Flags().IntVar(&leaderClientPt, "leader-client-port", 7001, "leader's client command port, for write redirects")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "emit structured JSON logs instead of console output")
	return cmd
}

func newLogger(jsonOutput bool) zerolog.Logger {
	if jsonOutput {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}
