// Command kvctl is a thin line-protocol client for the replicated
// key-value store: it opens one connection, sends one command, prints
// the reply, and exits — 0 on a successful reply, 1 on any error or no
// reply at all.
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/vzdtic/replicated-kv/pkg/protocol"
)

const dialTimeout = 3 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "kvctl: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var addr string

	root := &cobra.Command{
		Use:   "kvctl",
		Short: "Command-line client for the replicated key-value store",
	}
	root.PersistentFlags().StringVar(&addr, "addr", "127.0.0.1:7001", "client command port (host:port)")

	root.AddCommand(getCmd(&addr), setCmd(&addr), delCmd(&addr), scanCmd(&addr), statusCmd(&addr))
	return root
}

func getCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Fetch the value for KEY",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSingleLine(*addr, "GET "+args[0])
		},
	}
}

func setCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Set KEY to VALUE",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]
			line := fmt.Sprintf("SET %s %s", key, protocol.EncodeValue([]byte(value)))
			return runSingleLine(*addr, line)
		},
	}
}

func delCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "del KEY",
		Short: "Delete KEY",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSingleLine(*addr, "DEL "+args[0])
		},
	}
}

func scanCmd(addr *string) *cobra.Command {
	var backward bool
	cmd := &cobra.Command{
		Use:   "scan KEY N",
		Short: "List up to N keys forward (or backward with --backward) from KEY",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := strconv.Atoi(args[1]); err != nil {
				return fmt.Errorf("N must be an integer: %w", err)
			}
			verb := "GETFF"
			if backward {
				verb = "GETFB"
			}
			return runMultiLine(*addr, fmt.Sprintf("%s %s %s", verb, args[0], args[1]))
		},
	}
	cmd.Flags().BoolVar(&backward, "backward", false, "scan backward instead of forward")
	return cmd
}

func statusCmd(addr *string) *cobra.Command {
	var controlAddr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query this node's election status over its control port",
		RunE: func(cmd *cobra.Command, args []string) error {
			if controlAddr == "" {
				return fmt.Errorf("--control-addr is required")
			}
			return runMultiLine(controlAddr, "CLUSTER_STATUS")
		},
	}
	cmd.Flags().StringVar(&controlAddr, "control-addr", "", "election control port (host:port) to query (required)")
	return cmd
}

// runSingleLine sends line and prints the single reply line. A
// sessionID correlates the request in logs only; it plays no part in
// the wire protocol, since the store makes no exactly-once or request
// dedup guarantee.
func runSingleLine(addr, line string) error {
	sessionID := uuid.New().String()
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("[%s] connecting to %s: %w", sessionID, addr, err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(dialTimeout))
	w := protocol.NewWriter(conn)
	if err := w.WriteLine(line); err != nil {
		return fmt.Errorf("[%s] sending command: %w", sessionID, err)
	}

	r := bufio.NewReader(conn)
	reply, err := r.ReadString('\n')
	if err != nil {
		return fmt.Errorf("[%s] no reply from %s: %w", sessionID, addr, err)
	}
	reply = strings.TrimRight(reply, "\r\n")
	fmt.Println(reply)

	if strings.HasPrefix(reply, "ERR") {
		return fmt.Errorf("command failed: %s", reply)
	}
	return nil
}

// runMultiLine streams KEY_VALUE/FOLLOWER_STATUS/STATUS lines until the
// terminal END line, printing each as it arrives.
func runMultiLine(addr, line string) error {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(dialTimeout))
	w := protocol.NewWriter(conn)
	if err := w.WriteLine(line); err != nil {
		return fmt.Errorf("sending command: %w", err)
	}

	r := bufio.NewReader(conn)
	sawLine := false
	for {
		reply, err := r.ReadString('\n')
		if err != nil {
			if sawLine {
				return nil
			}
			return fmt.Errorf("no reply from %s: %w", addr, err)
		}
		reply = strings.TrimRight(reply, "\r\n")
		sawLine = true
		if reply == "END" {
			return nil
		}
		fmt.Println(reply)
		if strings.HasPrefix(reply, "ERR") {
			return fmt.Errorf("command failed: %s", reply)
		}
	}
}
