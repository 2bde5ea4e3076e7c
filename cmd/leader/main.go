// Command leader runs the data-plane leader process: it serves client
// reads/writes on one TCP port and streams writes to followers on a
// second. Takes its startup contract as positional arguments:
// client_port repl_port db_name required_acks [host].
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

	"github.com/vzdtic/replicated-kv/pkg/leaderrole"
	"github.com/vzdtic/replicated-kv/pkg/store"
	"github.com/vzdtic/replicated-kv/pkg/wal"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "leader: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		walDir        string
		segmentBytes  int64
		requireQuorum bool
		logJSON       bool
		electedTerm   uint64
		controlAddr   string
	)

	cmd := &cobra.Command{
		Use:   "leader client_port repl_port db_name required_acks [host]",
		Short: "Run the replicated key-value leader process",
		Args:  cobra.RangeArgs(4, 5),
		RunE: func(cmd *cobra.Command, args []string) error {
			clientPort, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid client_port %q: %w", args[0], err)
			}
			replPort, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid repl_port %q: %w", args[1], err)
			}
			dbName := args[2]
			requiredAcks, err := strconv.Atoi(args[3])
			if err != nil {
				return fmt.Errorf("invalid required_acks %q: %w", args[3], err)
			}
			host := "0.0.0.0"
			if len(args) == 5 {
				host = args[4]
			}

			log := newLogger(logJSON)

			if walDir == "" {
				walDir = fmt.Sprintf("./%s-wal", dbName)
			}
			w, err := wal.Open(walDir, dbName, segmentBytes, log)
			if err != nil {
				return fmt.Errorf("opening wal: %w", err)
			}
			defer w.Close()

			st := store.NewMemory(w, log)
			if err := st.Recover(); err != nil {
				return fmt.Errorf("recovering store from wal: %w", err)
			}

			l := leaderrole.New(leaderrole.Config{
				ClientAddr:       net.JoinHostPort(host, strconv.Itoa(clientPort)),
				ReplAddr:         net.JoinHostPort(host, strconv.Itoa(replPort)),
				RequiredAcks:     requiredAcks,
				RequireQuorumAck: requireQuorum,
				ControlAddr:      controlAddr,
				ElectedTerm:      electedTerm,
			}, st, log)

			errCh := make(chan error, 1)
			go func() {
				if err := l.Run(); err != nil {
					errCh <- err
				}
			}()

			log.Info().
				Str("client_addr", net.JoinHostPort(host, strconv.Itoa(clientPort))).
				Str("repl_addr", net.JoinHostPort(host, strconv.Itoa(replPort))).
				Str("db", dbName).
				Int("required_acks", requiredAcks).
				Msg("leader started")

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case <-sigCh:
				log.Info().Msg("shutting down")
			case err := <-errCh:
				log.Error().Err(err).Msg("leader server error")
			}

			l.Stop()

			return nil
		},
	}

	cmd.Flags().StringVar(&walDir, "wal-dir", "", "WAL directory (default ./<db_name>-wal)")
	cmd.Flags().Int64Var(&segmentBytes, "segment-bytes", 0, "WAL segment rotation size in bytes (default 5MiB)")
	cmd.Flags().BoolVar(&requireQuorum, "require-quorum-ack", false, "fail writes with ERR_NO_QUORUM instead of replying OK when acks time out")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "emit structured JSON logs instead of console output")
	cmd.Flags().Uint64Var(&electedTerm, "elected-term", 0, "election term this process was spawned as leader for")
	cmd.Flags().StringVar(&controlAddr, "control-addr", "", "local election control port, queried before each write to confirm elected-term still holds (empty disables the check)")
	return cmd
}

func newLogger(jsonOutput bool) zerolog.Logger {
	if jsonOutput {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}
