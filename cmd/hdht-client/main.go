// Command hdht-client is an interactive driver for client.Client: it
// registers with a server and offers the line-oriented command grammar
// of spec §6 ("set-location <lat> <lon>", "show-location", ...) over
// stdin/stdout.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gcampax/hDHT/client"
	"github.com/gcampax/hDHT/geo"
	"github.com/gcampax/hDHT/logging"
	"github.com/gcampax/hDHT/nodeid"
	"github.com/gcampax/hDHT/rpcconn"
	"github.com/gcampax/hDHT/wire"
)

func main() {
	var (
		listenAddr string
		server     string
		logStderr  bool
	)

	root := &cobra.Command{
		Use:           "hdht-client",
		Short:         "Interactively drive a directory client",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if server == "" {
				return fmt.Errorf("-s SERVER is required")
			}
			return run(listenAddr, server, logStderr)
		},
	}
	root.Flags().StringVarP(&listenAddr, "listen", "l", "", "listen address for incoming peer connections")
	root.Flags().StringVarP(&server, "server", "s", "", "initial server address (required)")
	root.Flags().BoolVarP(&logStderr, "debug", "d", false, "log to stderr instead of the platform log")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "hdht-client:", err)
		os.Exit(1)
	}
}

func run(listenAddr, server string, logStderr bool) error {
	if logStderr {
		logging.SetSink(func(sev logging.Severity, format string, args []interface{}) {
			fmt.Fprintf(os.Stderr, "[%s] "+format+"\n", append([]interface{}{sev}, args...)...)
		})
	}
	defer logging.Sync()

	host, port, err := wire.ParseAddress(server)
	if err != nil {
		return err
	}
	serverAddr := wire.FormatAddress(host, port)

	mgr := rpcconn.NewManager(nil)
	if listenAddr != "" {
		if err := mgr.Listen(listenAddr); err != nil {
			return err
		}
		go mgr.Serve()
	}
	ownAddr := listenAddr
	if ownAddr == "" {
		ownAddr = "-"
	}

	ctx := context.Background()
	c, err := client.New(ctx, mgr, ownAddr, serverAddr)
	if err != nil {
		return err
	}
	defer c.Close()

	fmt.Println("connected to", serverAddr, "- type 'quit' to exit")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		if err := dispatch(ctx, c, strings.Fields(scanner.Text())); err != nil {
			if err == errQuit {
				break
			}
			fmt.Println("error:", err)
		}
	}
	return nil
}

var errQuit = fmt.Errorf("quit")

func dispatch(ctx context.Context, c *client.Client, fields []string) error {
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "quit":
		return errQuit

	case "set-location":
		if len(fields) != 3 {
			return fmt.Errorf("usage: set-location <lat> <lon>")
		}
		lat, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return err
		}
		lon, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return err
		}
		return c.SetLocation(ctx, geo.Point{Latitude: lat, Longitude: lon})

	case "show-location":
		fmt.Printf("node id: %s\n", c.NodeID())
		return nil

	case "set-metadata":
		if len(fields) != 3 {
			return fmt.Errorf("usage: set-metadata <key> <value>")
		}
		return c.SetMetadata(ctx, fields[1], fields[2])

	case "show-metadata":
		if len(fields) != 2 {
			return fmt.Errorf("usage: show-metadata <key>")
		}
		v, ok := c.GetMetadata(fields[1])
		if !ok {
			return fmt.Errorf("no local value for %q", fields[1])
		}
		fmt.Println(v)
		return nil

	case "show-server":
		fmt.Println(c.CurrentServerAddr())
		return nil

	case "get-metadata":
		if len(fields) != 3 {
			return fmt.Errorf("usage: get-metadata <node_id_hex> <key>")
		}
		id, err := nodeid.Parse(fields[1])
		if err != nil {
			return err
		}
		value, err := c.GetRemoteMetadata(ctx, id, fields[2])
		if err != nil {
			return err
		}
		fmt.Println(value)
		return nil

	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}
