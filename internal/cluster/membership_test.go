package cluster_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/hashicorp/serf/serf"
	"github.com/stretchr/testify/require"
	dynaport "github.com/travisjeffery/go-dynaport"

	"github.com/ttaaoo/raftlogd/internal/cluster"
)

// TestMembership sets up a cluster with multiple nodes and checks that the
// handler hears about every joined peer, then about a departure.
func TestMembership(t *testing.T) {
	members, h := setupMember(t, nil)
	members, _ = setupMember(t, members)
	members, _ = setupMember(t, members)

	require.Eventually(t, func() bool {
		return len(h.joins) == 2 &&
			len(members[0].Members()) == 3 &&
			len(members[0].Peers()) == 2 &&
			len(h.leaves) == 0
	}, 3*time.Second, 250*time.Millisecond)

	require.NoError(t, members[2].Leave())

	require.Eventually(t, func() bool {
		return len(h.joins) == 2 &&
			len(members[0].Members()) == 3 &&
			members[0].Members()[2].Status == serf.StatusLeft &&
			len(members[0].Peers()) == 1 &&
			len(h.leaves) == 1
	}, 3*time.Second, 250*time.Millisecond)
	require.Equal(t, "2", <-h.leaves)
}

func TestPeersCarryRPCAddrs(t *testing.T) {
	members, _ := setupMember(t, nil)
	members, _ = setupMember(t, members)

	require.Eventually(t, func() bool {
		return len(members[0].Peers()) == 1
	}, 3*time.Second, 250*time.Millisecond)

	peers := members[0].Peers()
	require.Equal(t, "1", peers[0].Name)
	require.NotEmpty(t, peers[0].RPCAddr)

	for _, m := range members {
		require.NoError(t, m.Leave())
	}
}

type handler struct {
	joins  chan map[string]string
	leaves chan string
}

func (h *handler) Join(id, addr string) error {
	if h.joins != nil {
		h.joins <- map[string]string{"id": id, "addr": addr}
	}
	return nil
}

func (h *handler) Leave(name string) error {
	if h.leaves != nil {
		h.leaves <- name
	}
	return nil
}

type testMember struct {
	*cluster.Membership
	bindAddr string
}

func setupMember(t *testing.T, members []*testMember) ([]*testMember, *handler) {
	t.Helper()

	id := len(members)
	ports := dynaport.Get(2)
	bindAddr := fmt.Sprintf("127.0.0.1:%d", ports[0])
	rpcAddr := fmt.Sprintf("127.0.0.1:%d", ports[1])

	c := cluster.Config{
		NodeName: fmt.Sprintf("%d", id),
		BindAddr: bindAddr,
		RPCAddr:  rpcAddr,
	}

	h := &handler{}
	if len(members) == 0 {
		h.joins = make(chan map[string]string, 3)
		h.leaves = make(chan string, 3)
	} else {
		c.StartJoinAddrs = []string{members[0].bindAddr}
	}

	m, err := cluster.NewMembership(h, c)
	require.NoError(t, err)
	members = append(members, &testMember{Membership: m, bindAddr: bindAddr})
	return members, h
}
