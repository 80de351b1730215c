// Command p2ptest runs one node of the rendezvous overlay: it resolves
// its own NAT situation via STUN, then either waits for Requests
// (--master) or connects to one (ordinary), punching a hole to every
// peer the master hands back and reporting status over a small HTTP/WS
// API for anything that wants to watch.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fluggageheimen/p2ptest/pkg/config"
	"github.com/fluggageheimen/p2ptest/pkg/host"
	"github.com/fluggageheimen/p2ptest/pkg/netaddr"
	"github.com/fluggageheimen/p2ptest/pkg/netlog"
	"github.com/fluggageheimen/p2ptest/pkg/pool"
	"github.com/fluggageheimen/p2ptest/pkg/socket"
	"github.com/fluggageheimen/p2ptest/pkg/stun"
	"github.com/fluggageheimen/p2ptest/pkg/webui"
)

const version = "1.0.0"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version", "--version", "-v":
			fmt.Printf("p2ptest v%s\n", version)
			return
		}
	}
	run(os.Args[1:])
}

func run(args []string) {
	cfg, err := config.Parse(args, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	if cfg.Mode() == config.Help {
		return
	}
	if !cfg.IsValid() {
		fmt.Fprintln(os.Stderr, "invalid configuration: a nickname is required, and an ordinary node needs --remote-address")
		return
	}

	log := netlog.NewLogrusSink()

	sock := socket.NewUDPSocket(false)
	if err := sock.Bind(cfg.Endpoint()); err != nil {
		log.Log(netlog.LevelUser, "socket binding failed: %v", err)
		return
	}
	defer sock.Close()

	stunServer, err := netaddr.Parse(stun.DefaultServerHost)
	if err != nil {
		log.Log(netlog.LevelWarning, "could not resolve STUN server %s: %v", stun.DefaultServerHost, err)
	}
	natInfo := stun.Classify(sock, stunServer)
	log.Log(netlog.LevelUser, "NAT type: %s (gray=%s, white=%s)", natInfo.Type, natInfo.Gray, natInfo.White)
	if natInfo.Type == stun.Symmetric {
		log.Log(netlog.LevelUser, "NAT type is 'Symmetric': connections with other peers can be impossible!")
	}

	ui := webui.NewServer(nil)
	ui.SetNatInfo(natInfo)
	go func() {
		if err := ui.Serve("0.0.0.0:8088"); err != nil {
			log.Log(netlog.LevelWarning, "status server stopped: %v", err)
		}
	}()
	defer ui.Close()

	clients := []host.INetClient{loggingClient{log: log}}
	h := host.New(cfg.Mode() == config.Master, sock, natInfo, cfg.Nickname(), clients, log)

	if cfg.Mode() != config.Master {
		ui.SetServerStatus(host.Connecting)
		h.Connect(rendezvousAddresses(cfg), func(reason host.ConnFailReason) {
			ui.SetServerStatus(host.Offline)
			log.Log(netlog.LevelUser, "connection failed: %v", reason)
		})
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	log.Log(netlog.LevelUser, "p2ptest is running as %s, nickname %q", cfg.Mode(), cfg.Nickname())
	for {
		select {
		case <-sigChan:
			log.Log(netlog.LevelUser, "shutting down")
			return
		default:
		}

		h.Update()

		if h.PeersInfoChanged {
			ui.SetServerStatus(host.Connected)
			h.QueryPeerInfos(func(id pool.Handle, info host.PeerInfo) {
				ui.SetClient(id, info.Nickname, info.Status)
			})
			h.PeersInfoChanged = false
		}

		time.Sleep(10 * time.Microsecond)
	}
}

// rendezvousAddresses builds the ordinary node's candidate list for its
// initial punch: the master's local-network address first (when known),
// then its public address, matching the original's { local, remote }
// ordering in netw_main.
func rendezvousAddresses(cfg *config.Config) []netaddr.Address {
	var addrs []netaddr.Address
	if !cfg.LocalServerAddress().IsUnset() {
		addrs = append(addrs, cfg.LocalServerAddress())
	}
	addrs = append(addrs, cfg.RemoteServerAddress())
	return addrs
}

// loggingClient is the minimal INetClient the reference binary wires in,
// just enough to observe peer lifecycle events in the log.
type loggingClient struct {
	log netlog.Sink
}

func (c loggingClient) OnPeerConnected(peer pool.Handle) {
	c.log.Log(netlog.LevelUser, "peer [%d/%d] connected", peer.Index, peer.Nonce)
}

func (c loggingClient) OnPeerDisconnected(peer pool.Handle) {
	c.log.Log(netlog.LevelUser, "peer [%d/%d] disconnected", peer.Index, peer.Nonce)
}

func (c loggingClient) OnMessageReceived(peer pool.Handle, id int, msg []byte) {
	c.log.Log(netlog.LevelDebug, "msg [%d/%d]: %s", peer.Index, peer.Nonce, string(msg))
}
