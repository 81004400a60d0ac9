// Package agent wires together one process's share of the system: the log
// storage engine, its gRPC adapter, and the cluster membership/replication
// layer.
package agent

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ttaaoo/raftlogd/internal/auth"
	"github.com/ttaaoo/raftlogd/internal/cluster"
	"github.com/ttaaoo/raftlogd/internal/log"
	"github.com/ttaaoo/raftlogd/internal/server"
	"github.com/ttaaoo/raftlogd/internal/storage"
)

type Config struct {
	// ServerTLSConfig defines the certificate served to clients.
	ServerTLSConfig *tls.Config
	// PeerTLSConfig defines the certificate used between peers for
	// replication dials.
	PeerTLSConfig *tls.Config

	DataDir        string
	BindAddr       string
	RPCPort        int
	NodeName       string
	StartJoinAddrs []string
	ACLModelFile   string
	ACLPolicyFile  string

	LogName string // name of the Raft log scoped within DataDir
}

// Agent runs on every service instance, owning one Storage-backed Log, its
// gRPC façade, and the cluster membership/replicator pair.
type Agent struct {
	Config

	storage    *storage.Storage
	raftLog    *log.Log
	grpcServer *grpc.Server
	membership *cluster.Membership
	replicator *cluster.Replicator

	shutdown     bool
	shutdowns    chan struct{}
	shutdownLock sync.Mutex
}

func (c Config) RPCAddr() (string, error) {
	host, _, err := net.SplitHostPort(c.BindAddr)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", host, c.RPCPort), nil
}

func New(config Config) (*Agent, error) {
	a := &Agent{Config: config, shutdowns: make(chan struct{})}

	setup := []func() error{
		a.setupLog,
		a.setupServer,
		a.setupMembership,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) setupLog() error {
	opts, err := storage.NewOptions(a.Config.DataDir)
	if err != nil {
		return err
	}
	a.storage = storage.New(opts, prometheus.DefaultRegisterer)

	name := a.Config.LogName
	if name == "" {
		name = "raft"
	}
	a.raftLog, err = a.storage.Log(name)
	return err
}

func (a *Agent) setupServer() error {
	authorizer, err := auth.New(a.Config.ACLModelFile, a.Config.ACLPolicyFile)
	if err != nil {
		return err
	}

	serverConfig := &server.Config{
		Facade:     a.raftLog,
		Authorizer: authorizer,
	}
	var opts []grpc.ServerOption
	if a.Config.ServerTLSConfig != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(a.Config.ServerTLSConfig)))
	}

	a.grpcServer, err = server.NewGRPCServer(serverConfig, opts...)
	if err != nil {
		return err
	}

	rpcAddr, err := a.Config.RPCAddr()
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", rpcAddr)
	if err != nil {
		return err
	}

	go func() {
		if err := a.grpcServer.Serve(ln); err != nil {
			_ = a.Shutdown()
		}
	}()
	return nil
}

// setupMembership creates a Replicator bound to this node's log, dialing
// peers with the PeerTLSConfig, then a Membership that notifies the
// replicator of joins and leaves.
func (a *Agent) setupMembership() error {
	rpcAddr, err := a.Config.RPCAddr()
	if err != nil {
		return err
	}

	var opts []grpc.DialOption
	if a.Config.PeerTLSConfig != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(a.Config.PeerTLSConfig)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	a.replicator = &cluster.Replicator{
		DialOptions: opts,
		Facade:      a.raftLog,
	}

	a.membership, err = cluster.NewMembership(a.replicator, cluster.Config{
		NodeName:       a.Config.NodeName,
		BindAddr:       a.Config.BindAddr,
		RPCAddr:        rpcAddr,
		StartJoinAddrs: a.Config.StartJoinAddrs,
	})
	return err
}

// Shutdown is idempotent: it leaves the membership (so peers stop routing
// replication traffic here), stops the replicator, gracefully drains the
// gRPC server, then closes the log.
func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true
	close(a.shutdowns)

	shutdown := []func() error{
		a.membership.Leave,
		a.replicator.Close,
		func() error {
			a.grpcServer.GracefulStop()
			return nil
		},
		a.raftLog.Close,
	}
	for _, fn := range shutdown {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}
