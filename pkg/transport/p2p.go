// Package transport provides the two control connections a channel needs
// using libp2p. A dialer opens one stream per control role (reply, ack)
// tagged with a shared pair token; the accepting side matches the two
// streams back into a pair and hands both to the channel layer as plain
// byte connections. Descriptor delivery between peers is the caller's
// concern; this package only carries the control records.
package transport

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	libp2pprotocol "github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"
)

const (
	// ProtocolReply and ProtocolAck identify the two control roles.
	ProtocolReply = "/tensoripc/ctl/reply/1.0.0"
	ProtocolAck   = "/tensoripc/ctl/ack/1.0.0"

	// ServiceTag for mDNS discovery.
	ServiceTag = "tensoripc"

	tokenSize = 8
)

// ControlPair is the pair of byte connections backing one channel.
type ControlPair struct {
	Reply io.ReadWriteCloser
	Ack   io.ReadWriteCloser
}

// Close closes both connections.
func (p ControlPair) Close() {
	if p.Reply != nil {
		p.Reply.Close()
	}
	if p.Ack != nil {
		p.Ack.Close()
	}
}

// Config holds node configuration.
type Config struct {
	ListenPort int
	EnableMDNS bool
}

// Node manages libp2p communication for control-stream pairing.
type Node struct {
	host     host.Host
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	assembly map[uint64]*ControlPair
	incoming chan ControlPair
}

// NewNode creates a node listening on cfg.ListenPort.
func NewNode(ctx context.Context, cfg Config) (*Node, error) {
	nodeCtx, cancel := context.WithCancel(ctx)

	listenAddr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("invalid listen address: %w", err)
	}

	h, err := libp2p.New(libp2p.ListenAddrs(listenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create host: %w", err)
	}

	n := &Node{
		host:     h,
		ctx:      nodeCtx,
		cancel:   cancel,
		assembly: make(map[uint64]*ControlPair),
		incoming: make(chan ControlPair, 16),
	}

	h.SetStreamHandler(libp2pprotocol.ID(ProtocolReply), func(s network.Stream) {
		n.handleStream(s, true)
	})
	h.SetStreamHandler(libp2pprotocol.ID(ProtocolAck), func(s network.Stream) {
		n.handleStream(s, false)
	})

	if cfg.EnableMDNS {
		svc := mdns.NewMdnsService(h, ServiceTag, &discoveryNotifee{node: n})
		if err := svc.Start(); err != nil {
			log.Printf("Warning: mDNS start failed: %v", err)
		}
	}

	return n, nil
}

// ConnectPeer connects to a peer by multiaddr.
func (n *Node) ConnectPeer(ctx context.Context, addr string) (peer.ID, error) {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return "", err
	}
	pi, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return "", err
	}
	if err := n.host.Connect(ctx, *pi); err != nil {
		return "", err
	}
	return pi.ID, nil
}

// OpenPair dials pid and opens the (reply, ack) control streams for one
// channel.
func (n *Node) OpenPair(ctx context.Context, pid peer.ID) (ControlPair, error) {
	var token [tokenSize]byte
	rand.Read(token[:])

	reply, err := n.openStream(ctx, pid, ProtocolReply, token)
	if err != nil {
		return ControlPair{}, err
	}
	ack, err := n.openStream(ctx, pid, ProtocolAck, token)
	if err != nil {
		reply.Close()
		return ControlPair{}, err
	}
	return ControlPair{Reply: reply, Ack: ack}, nil
}

func (n *Node) openStream(ctx context.Context, pid peer.ID, proto string, token [tokenSize]byte) (network.Stream, error) {
	s, err := n.host.NewStream(ctx, pid, libp2pprotocol.ID(proto))
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	if _, err := s.Write(token[:]); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to write pair token: %w", err)
	}
	return s, nil
}

// Accept returns the next control pair opened by a dialing peer.
func (n *Node) Accept(ctx context.Context) (ControlPair, error) {
	select {
	case pair := <-n.incoming:
		return pair, nil
	case <-ctx.Done():
		return ControlPair{}, ctx.Err()
	case <-n.ctx.Done():
		return ControlPair{}, n.ctx.Err()
	}
}

// handleStream reads the pair token and joins the stream with its
// sibling; the completed pair is delivered to Accept.
func (n *Node) handleStream(s network.Stream, isReply bool) {
	var token [tokenSize]byte
	if _, err := io.ReadFull(s, token[:]); err != nil {
		log.Printf("Error reading pair token from %s: %v", s.Conn().RemotePeer(), err)
		s.Close()
		return
	}
	key := binary.BigEndian.Uint64(token[:])

	n.mu.Lock()
	pair, ok := n.assembly[key]
	if !ok {
		pair = &ControlPair{}
		n.assembly[key] = pair
	}
	if isReply {
		pair.Reply = s
	} else {
		pair.Ack = s
	}
	complete := pair.Reply != nil && pair.Ack != nil
	if complete {
		delete(n.assembly, key)
	}
	n.mu.Unlock()

	if complete {
		select {
		case n.incoming <- *pair:
		case <-n.ctx.Done():
			pair.Close()
		}
	}
}

// Addrs returns the node's full multiaddrs.
func (n *Node) Addrs() []string {
	var out []string
	for _, a := range n.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, n.host.ID()))
	}
	return out
}

// Host returns the underlying libp2p host.
func (n *Node) Host() host.Host {
	return n.host
}

// Close shuts down the node.
func (n *Node) Close() error {
	n.cancel()
	return n.host.Close()
}

// discoveryNotifee handles mDNS discovery.
type discoveryNotifee struct {
	node *Node
}

func (d *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	log.Printf("Discovered peer: %s", pi.ID)
	if err := d.node.host.Connect(d.node.ctx, pi); err != nil {
		log.Printf("Failed to connect to discovered peer: %v", err)
	}
}
