// Command raftlogd runs one node's share of the replicated log storage
// engine: a Storage-backed Log, its gRPC adapter, and cluster membership.
package main

import (
	"crypto/tls"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ttaaoo/raftlogd/internal/agent"
	"github.com/ttaaoo/raftlogd/internal/config"
)

func main() {
	var (
		dataDir       = flag.String("data-dir", "/var/lib/raftlogd", "directory holding this node's segments and metadata")
		bindAddr      = flag.String("bind-addr", "127.0.0.1:8401", "serf gossip bind address")
		rpcPort       = flag.Int("rpc-port", 8400, "gRPC listen port")
		nodeName      = flag.String("node-name", "", "unique name for this node (defaults to bind-addr)")
		joinAddrs     = flag.String("join", "", "comma-separated serf addresses of existing cluster members")
		logName       = flag.String("log-name", "raft", "name of the Raft log hosted by this node")
		aclModelFile  = flag.String("acl-model", config.ACLModelFile, "casbin ACL model file")
		aclPolicyFile = flag.String("acl-policy", config.ACLPolicyFile, "casbin ACL policy file")
		tlsEnabled    = flag.Bool("tls", false, "serve and dial peers with mutual TLS using the certs under the config dir")
	)
	flag.Parse()

	name := *nodeName
	if name == "" {
		name = *bindAddr
	}

	var joins []string
	if *joinAddrs != "" {
		joins = strings.Split(*joinAddrs, ",")
	}

	var serverTLS, peerTLS *tls.Config
	if *tlsEnabled {
		var err error
		serverTLS, err = config.NewTLSConfig(config.TLSSetup{
			CertFile: config.ServerCertFile,
			KeyFile:  config.ServerKeyFile,
			CAFile:   config.CAFile,
			Server:   true,
		})
		if err != nil {
			log.Fatalf("raftlogd: server tls: %v", err)
		}
		host, _, err := net.SplitHostPort(*bindAddr)
		if err != nil {
			log.Fatalf("raftlogd: bind address: %v", err)
		}
		peerTLS, err = config.NewTLSConfig(config.TLSSetup{
			CertFile:   config.RootClientCertFile,
			KeyFile:    config.RootClientKeyFile,
			CAFile:     config.CAFile,
			ServerName: host,
		})
		if err != nil {
			log.Fatalf("raftlogd: peer tls: %v", err)
		}
	}

	a, err := agent.New(agent.Config{
		ServerTLSConfig: serverTLS,
		PeerTLSConfig:   peerTLS,
		DataDir:         *dataDir,
		BindAddr:        *bindAddr,
		RPCPort:         *rpcPort,
		NodeName:        name,
		StartJoinAddrs:  joins,
		LogName:         *logName,
		ACLModelFile:    *aclModelFile,
		ACLPolicyFile:   *aclPolicyFile,
	})
	if err != nil {
		log.Fatalf("raftlogd: failed to start: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if err := a.Shutdown(); err != nil {
		log.Fatalf("raftlogd: shutdown error: %v", err)
	}
}
