// Package cluster provides the replication plumbing around the log:
// serf-based membership gossip plus a pull-based replicator that keeps a
// joining node's log caught up.
package cluster

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/hashicorp/serf/serf"
	"github.com/rs/zerolog"
)

// tagRPCAddr is the gossip tag carrying the address of a member's log
// service; the replicator dials it to pull entries.
const tagRPCAddr = "rpc_addr"

type Config struct {
	NodeName string
	// BindAddr is the host:port serf gossips on.
	BindAddr string
	// RPCAddr is advertised to peers via gossip tags; peers replicate
	// from it.
	RPCAddr        string
	StartJoinAddrs []string
}

// Handler is told which peers to start or stop replicating from;
// Replicator implements it.
type Handler interface {
	Join(name, addr string) error
	Leave(name string) error
}

// PeerInfo is one live remote member that advertises a log service.
type PeerInfo struct {
	Name    string
	RPCAddr string
}

// Membership gossips this node's RPC address over serf and drives the
// handler as peers come and go.
type Membership struct {
	cfg     Config
	handler Handler
	serf    *serf.Serf
	events  chan serf.Event
	done    chan struct{}
	once    sync.Once
	logger  zerolog.Logger
}

func NewMembership(handler Handler, cfg Config) (*Membership, error) {
	m := &Membership{
		cfg:     cfg,
		handler: handler,
		events:  make(chan serf.Event, 16),
		done:    make(chan struct{}),
		logger: zerolog.New(os.Stderr).With().
			Str("component", "cluster").Str("node", cfg.NodeName).Logger(),
	}

	host, port, err := splitBindAddr(cfg.BindAddr)
	if err != nil {
		return nil, err
	}

	sc := serf.DefaultConfig()
	sc.Init()
	sc.NodeName = cfg.NodeName
	sc.MemberlistConfig.BindAddr = host
	sc.MemberlistConfig.BindPort = port
	sc.Tags[tagRPCAddr] = cfg.RPCAddr
	sc.EventCh = m.events

	m.serf, err = serf.Create(sc)
	if err != nil {
		return nil, fmt.Errorf("cluster: create serf: %w", err)
	}
	go m.watch()

	if len(cfg.StartJoinAddrs) > 0 {
		if _, err := m.serf.Join(cfg.StartJoinAddrs, true); err != nil {
			m.serf.Leave()
			return nil, fmt.Errorf("cluster: join %v: %w", cfg.StartJoinAddrs, err)
		}
	}
	return m, nil
}

func splitBindAddr(bindAddr string) (host string, port int, err error) {
	host, portStr, err := net.SplitHostPort(bindAddr)
	if err != nil {
		return "", 0, fmt.Errorf("cluster: bind address %q: %w", bindAddr, err)
	}
	port, err = strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("cluster: bind port %q: %w", portStr, err)
	}
	return host, port, nil
}

// watch drains serf's event channel until Leave, translating member events
// into handler notifications for remote peers.
func (m *Membership) watch() {
	for {
		select {
		case <-m.done:
			return
		case e := <-m.events:
			me, ok := e.(serf.MemberEvent)
			if !ok {
				continue
			}
			switch e.EventType() {
			case serf.EventMemberJoin:
				for _, member := range me.Members {
					m.notifyJoin(member)
				}
			case serf.EventMemberLeave, serf.EventMemberFailed, serf.EventMemberReap:
				for _, member := range me.Members {
					m.notifyLeave(member)
				}
			}
		}
	}
}

func (m *Membership) notifyJoin(member serf.Member) {
	if member.Name == m.cfg.NodeName {
		return
	}
	addr := member.Tags[tagRPCAddr]
	if addr == "" {
		m.logger.Warn().Str("peer", member.Name).Msg("peer joined without an rpc_addr tag")
		return
	}
	if err := m.handler.Join(member.Name, addr); err != nil {
		m.logger.Error().Err(err).Str("peer", member.Name).Str("rpc_addr", addr).Msg("join handler failed")
		return
	}
	m.logger.Info().Str("peer", member.Name).Str("rpc_addr", addr).Msg("peer joined")
}

func (m *Membership) notifyLeave(member serf.Member) {
	if member.Name == m.cfg.NodeName {
		return
	}
	if err := m.handler.Leave(member.Name); err != nil {
		m.logger.Error().Err(err).Str("peer", member.Name).Msg("leave handler failed")
		return
	}
	m.logger.Info().Str("peer", member.Name).Msg("peer left")
}

// Peers returns every live remote member that advertises a log service.
func (m *Membership) Peers() []PeerInfo {
	var out []PeerInfo
	for _, member := range m.serf.Members() {
		if member.Name == m.cfg.NodeName || member.Status != serf.StatusAlive {
			continue
		}
		if addr := member.Tags[tagRPCAddr]; addr != "" {
			out = append(out, PeerInfo{Name: member.Name, RPCAddr: addr})
		}
	}
	return out
}

// Members returns the raw serf view, including this node and departed
// members still in the gossip state.
func (m *Membership) Members() []serf.Member {
	return m.serf.Members()
}

// Leave announces departure to the cluster and stops the event loop.
// Safe to call more than once.
func (m *Membership) Leave() error {
	var err error
	m.once.Do(func() {
		close(m.done)
		err = m.serf.Leave()
	})
	return err
}
