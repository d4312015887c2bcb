// Command hdht-server runs one node of the directory: it listens for
// client and peer connections, answers the master object's request
// surface (spec §4.6), and says server_hello to every peer named with
// -p so the two sides can rebalance against each other.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gcampax/hDHT/geo"
	"github.com/gcampax/hDHT/logging"
	"github.com/gcampax/hDHT/partition"
	"github.com/gcampax/hDHT/registry"
	"github.com/gcampax/hDHT/rpcconn"
	"github.com/gcampax/hDHT/server"
	"github.com/gcampax/hDHT/wire"
)

func main() {
	var (
		listenAddr string
		peers      []string
		logStderr  bool
	)

	root := &cobra.Command{
		Use:           "hdht-server",
		Short:         "Run a node of the Hilbert-partitioned geo directory",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(listenAddr, peers, logStderr)
		},
	}
	root.Flags().StringVarP(&listenAddr, "listen", "l", fmt.Sprintf("[::]:%d", wire.DefaultPort), "listen address")
	root.Flags().StringArrayVarP(&peers, "peer", "p", nil, "peer name/hostname to say server_hello to (repeatable)")
	root.Flags().BoolVarP(&logStderr, "debug", "d", false, "log to stderr instead of the platform log")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "hdht-server:", err)
		os.Exit(1)
	}
}

// addrPeer is a partition.Peer that only remembers an address, used to
// seed a joining server's table before any real connection is made.
type addrPeer string

func (a addrPeer) Addr() string { return string(a) }

func run(listenAddr string, peers []string, logStderr bool) error {
	if logStderr {
		logging.SetSink(func(sev logging.Severity, format string, args []interface{}) {
			fmt.Fprintf(os.Stderr, "[%s] "+format+"\n", append([]interface{}{sev}, args...)...)
		})
	}
	defer logging.Sync()

	peerAddrs := make([]string, 0, len(peers))
	for _, addr := range peers {
		host, port, err := wire.ParseAddress(addr)
		if err != nil {
			return err
		}
		peerAddrs = append(peerAddrs, wire.FormatAddress(host, port))
	}

	// The first server in a deployment owns the whole universe; every
	// later one starts out owning nothing, with the universe attributed
	// to the peer it is about to say hello to, until that rebalances.
	var table *partition.Table
	if len(peerAddrs) == 0 {
		table = partition.New(geo.MaxResolution)
	} else {
		table = partition.NewRemote(addrPeer(peerAddrs[0]), peerAddrs[0])
	}

	reg := registry.New(table)
	mgr := rpcconn.NewManager(nil)

	if err := mgr.Listen(listenAddr); err != nil {
		return err
	}
	selfAddr := mgr.ListenAddr()

	m := server.NewMaster(table, reg, geo.MaxResolution, selfAddr, mgr)
	mgr.SetHandler(m.Handle)

	logging.Infof("server: listening on %s", selfAddr)

	ctx := context.Background()
	for _, peerAddr := range peerAddrs {
		peer, err := mgr.Dial(ctx, peerAddr)
		if err != nil {
			logging.Warnf("server: could not reach peer %s: %v", peerAddr, err)
			continue
		}
		_, err = peer.Invoke(ctx, wire.OpServerHello, wire.MasterObjectID, wire.ServerHelloRequest{Addr: selfAddr}.Encode())
		peer.Release()
		if err != nil {
			logging.Warnf("server: server_hello to %s failed: %v", peerAddr, err)
			continue
		}
		logging.Infof("server: said hello to %s", peerAddr)
	}

	return mgr.Serve()
}
