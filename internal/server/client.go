package server

import (
	"context"
	"encoding/base64"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ttaaoo/raftlogd/internal/log"
)

// Client is a thin caller for the manually-registered log service, used by
// internal/cluster's replicator to pull entries from a peer.
type Client struct {
	conn *grpc.ClientConn
}

func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Append asks the peer to append an entry, returning its assigned index.
func (c *Client) Append(ctx context.Context, e log.Entry) (uint64, error) {
	req, _ := structpb.NewStruct(map[string]any{
		"kind":    float64(e.Kind),
		"term":    float64(e.Term),
		"payload": base64.StdEncoding.EncodeToString(e.Payload),
	})
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/raftlogd.LogService/Append", req, resp); err != nil {
		return 0, err
	}
	idx, _ := resp.AsMap()["index"].(float64)
	return uint64(idx), nil
}

// Get fetches the entry at index from the peer, returning ok=false if the
// peer reports it isn't present.
func (c *Client) Get(ctx context.Context, index uint64) (log.Entry, bool, error) {
	req, _ := structpb.NewStruct(map[string]any{"index": float64(index)})
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/raftlogd.LogService/Get", req, resp); err != nil {
		return log.Entry{}, false, err
	}
	fields := resp.AsMap()
	found, _ := fields["found"].(bool)
	if !found {
		return log.Entry{}, false, nil
	}
	payloadB64, _ := fields["payload"].(string)
	payload, err := base64.StdEncoding.DecodeString(payloadB64)
	if err != nil {
		return log.Entry{}, false, err
	}
	kind, _ := fields["kind"].(float64)
	term, _ := fields["term"].(float64)
	atMillis, _ := fields["appended_at_ms"].(float64)
	return log.Entry{
		Index:      index,
		Term:       uint64(term),
		Kind:       log.EntryKind(kind),
		AppendedAt: time.UnixMilli(int64(atMillis)).UTC(),
		Payload:    payload,
	}, true, nil
}

func (c *Client) Close() error { return c.conn.Close() }
