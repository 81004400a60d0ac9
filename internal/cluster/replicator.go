package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/ttaaoo/raftlogd/internal/log"
	"github.com/ttaaoo/raftlogd/internal/server"
)

// Facade is the subset of raftapi.RaftFacade the replicator drives: append
// pulled entries locally and know where the local log currently ends.
type Facade interface {
	Append(e log.Entry) (uint64, error)
	LastIndex() uint64
}

// Replicator keeps a newly-joined node caught up by polling each peer's
// gRPC log service for entries past the local tail and appending them
// locally. It is deliberately simpler than full Raft replication, which
// drives the log through raftapi.RaftFacade once leader election and log
// matching are implemented by the protocol layer; this replicator covers
// the pre-consensus bootstrap and read-replica cases.
type Replicator struct {
	DialOptions []grpc.DialOption
	Facade      Facade
	PollInterval time.Duration
	Logger       *zerolog.Logger

	mu      sync.Mutex
	closed  bool
	close   chan struct{}
	servers map[string]chan struct{}
}

func (r *Replicator) init() {
	if r.Logger == nil {
		l := zerolog.Nop()
		r.Logger = &l
	}
	if r.PollInterval <= 0 {
		r.PollInterval = 250 * time.Millisecond
	}
	if r.servers == nil {
		r.servers = make(map[string]chan struct{})
	}
	if r.close == nil {
		r.close = make(chan struct{})
	}
}

// Join starts replicating from addr, identified by name, unless already
// replicating from it or the Replicator is closed.
func (r *Replicator) Join(name, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.init()
	if r.closed {
		return nil
	}
	if _, ok := r.servers[name]; ok {
		return nil
	}
	leave := make(chan struct{})
	r.servers[name] = leave
	go r.replicate(addr, leave)
	return nil
}

// Leave stops replicating from the named peer.
func (r *Replicator) Leave(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.init()
	leave, ok := r.servers[name]
	if !ok {
		return nil
	}
	close(leave)
	delete(r.servers, name)
	return nil
}

func (r *Replicator) replicate(addr string, leave chan struct{}) {
	client, err := server.NewClient(addr, r.DialOptions...)
	if err != nil {
		r.Logger.Error().Err(err).Str("addr", addr).Msg("failed to dial replication peer")
		return
	}
	defer client.Close()

	next := r.Facade.LastIndex() + 1
	t := time.NewTicker(r.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-r.close:
			return
		case <-leave:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.PollInterval)
			e, ok, err := client.Get(ctx, next)
			cancel()
			if err != nil {
				r.Logger.Warn().Err(err).Str("addr", addr).Uint64("index", next).Msg("replication fetch failed")
				continue
			}
			if !ok {
				continue // peer hasn't produced this index yet
			}
			if _, err := r.Facade.Append(log.Entry{Kind: e.Kind, Term: e.Term, AppendedAt: e.AppendedAt, Payload: e.Payload}); err != nil {
				r.Logger.Error().Err(err).Uint64("index", next).Msg("failed to apply replicated entry")
				continue
			}
			next++
		}
	}
}

// Close stops every in-flight replication goroutine.
func (r *Replicator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.init()
	if r.closed {
		return nil
	}
	r.closed = true
	close(r.close)
	return nil
}
