// Package server adapts the log to the gRPC transport: a thin binding
// between the Authorizer/Facade interfaces and a manually-registered
// grpc.ServiceDesc. The wire messages are structpb.Struct values rather
// than generated stubs, which keeps the service schema-light while the
// RPC surface is still settling; the auth interceptors read the caller's
// identity from its TLS certificate.
package server

import (
	"context"
	"encoding/base64"

	grpc_auth "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/auth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ttaaoo/raftlogd/internal/log"
)

// Facade is the subset of raftapi.RaftFacade this adapter exercises.
type Facade interface {
	Append(e log.Entry) (uint64, error)
	Get(index uint64) (log.Entry, bool, error)
}

// Authorizer matches internal/auth.Authorizer's shape.
type Authorizer interface {
	Authorize(subject, object, action string) error
}

const (
	objectWildcard = "*"
	appendAction   = "append"
	getAction      = "get"
)

type Config struct {
	Facade     Facade
	Authorizer Authorizer
}

type logServiceServer interface {
	Append(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Get(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type grpcServer struct {
	*Config
}

func newGRPCServer(config *Config) *grpcServer {
	return &grpcServer{Config: config}
}

// Append appends the entry described by req ("kind": number, "term":
// number, "payload": base64 string) and returns {"index": n}.
func (g *grpcServer) Append(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := g.Authorizer.Authorize(subject(ctx), objectWildcard, appendAction); err != nil {
		return nil, status.Error(codes.PermissionDenied, err.Error())
	}
	fields := req.AsMap()
	kind, _ := fields["kind"].(float64)
	term, _ := fields["term"].(float64)
	payloadB64, _ := fields["payload"].(string)
	payload, err := base64.StdEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "payload must be base64")
	}
	idx, err := g.Facade.Append(log.Entry{Kind: log.EntryKind(kind), Term: uint64(term), Payload: payload})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out, _ := structpb.NewStruct(map[string]any{"index": float64(idx)})
	return out, nil
}

// Get returns the entry at req["index"], or {"found": false}.
func (g *grpcServer) Get(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := g.Authorizer.Authorize(subject(ctx), objectWildcard, getAction); err != nil {
		return nil, status.Error(codes.PermissionDenied, err.Error())
	}
	index, _ := req.AsMap()["index"].(float64)
	e, ok, err := g.Facade.Get(uint64(index))
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	if !ok {
		out, _ := structpb.NewStruct(map[string]any{"found": false})
		return out, nil
	}
	out, _ := structpb.NewStruct(map[string]any{
		"found":          true,
		"index":          float64(e.Index),
		"term":           float64(e.Term),
		"kind":           float64(e.Kind),
		"appended_at_ms": float64(e.AppendedAt.UnixMilli()),
		"payload":        base64.StdEncoding.EncodeToString(e.Payload),
	})
	return out, nil
}

var logServiceDesc = grpc.ServiceDesc{
	ServiceName: "raftlogd.LogService",
	HandlerType: (*logServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Append", Handler: appendHandler},
		{MethodName: "Get", Handler: getHandler},
	},
	Metadata: "internal/server/server.go",
}

func appendHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(logServiceServer).Append(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/raftlogd.LogService/Append"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(logServiceServer).Append(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(logServiceServer).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/raftlogd.LogService/Get"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(logServiceServer).Get(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// NewGRPCServer wires the auth interceptors and registers the log service
// by ServiceDesc.
func NewGRPCServer(config *Config, opts ...grpc.ServerOption) (*grpc.Server, error) {
	opts = append(opts,
		grpc.ChainStreamInterceptor(grpc_auth.StreamServerInterceptor(authenticate)),
		grpc.ChainUnaryInterceptor(grpc_auth.UnaryServerInterceptor(authenticate)),
	)
	gsrv := grpc.NewServer(opts...)
	srv := newGRPCServer(config)
	gsrv.RegisterService(&logServiceDesc, srv)
	return gsrv, nil
}

type subjectContextKey struct{}

func subject(ctx context.Context) string {
	v, _ := ctx.Value(subjectContextKey{}).(string)
	return v
}

// authenticate reads the subject out of the client's cert and writes it to
// the RPC's context.
func authenticate(ctx context.Context) (context.Context, error) {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return ctx, status.New(codes.Unknown, "couldn't find peer info").Err()
	}
	if p.AuthInfo == nil {
		return context.WithValue(ctx, subjectContextKey{}, ""), nil
	}
	tlsInfo := p.AuthInfo.(credentials.TLSInfo)
	subject := tlsInfo.State.VerifiedChains[0][0].Subject.CommonName
	return context.WithValue(ctx, subjectContextKey{}, subject), nil
}
