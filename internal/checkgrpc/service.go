// Package checkgrpc exposes the rate limit decision over gRPC.
//
// Messages are google.protobuf.Struct so callers need no generated stubs:
// the request carries "ip" and "endpoint", the response mirrors the HTTP
// verdict body plus "http_status_code".
package checkgrpc

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/decision"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/ratelimit"
)

const (
	ServiceName = "ratelimit.v1.RateLimitService"

	MethodCheckLimit = "/" + ServiceName + "/CheckLimit"
	// CheckRateLimit is the name earlier clients were generated against.
	MethodCheckRateLimit = "/" + ServiceName + "/CheckRateLimit"

	FieldIP             = "ip"
	FieldEndpoint       = "endpoint"
	FieldAllowed        = "allowed"
	FieldRemaining      = "remaining"
	FieldLimit          = "limit"
	FieldRetryAfterMs   = "retry_after_ms"
	FieldReason         = "reason"
	FieldPolicy         = "policy"
	FieldHTTPStatusCode = "http_status_code"
)

// Checker is implemented by decision.Service.
type Checker interface {
	Check(ctx context.Context, identity, endpoint string) (ratelimit.Verdict, error)
}

// RateLimitServer is the service interface registered with grpc.
type RateLimitServer interface {
	CheckLimit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type service struct {
	checker Checker
}

func (s *service) CheckLimit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	identity, endpoint := stringField(req, FieldIP), stringField(req, FieldEndpoint)

	v, err := s.checker.Check(ctx, identity, endpoint)
	if err != nil {
		if errors.Is(err, decision.ErrUnavailable) {
			return nil, status.Error(codes.Unavailable, "rate limit decision unavailable")
		}
		return nil, status.Error(codes.Internal, "rate limit decision failed")
	}
	return VerdictToStruct(v), nil
}

// stringField reads a string field. Missing or non-string values come back
// empty and end up as the unknown sentinel.
func stringField(s *structpb.Struct, name string) string {
	if s == nil {
		return ""
	}
	if v, ok := s.GetFields()[name]; ok {
		if sv, ok := v.GetKind().(*structpb.Value_StringValue); ok {
			return sv.StringValue
		}
	}
	return ""
}

// VerdictToStruct renders v as a response message.
func VerdictToStruct(v ratelimit.Verdict) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		FieldAllowed:        structpb.NewBoolValue(v.Allowed),
		FieldRemaining:      structpb.NewNumberValue(float64(v.Remaining)),
		FieldLimit:          structpb.NewNumberValue(float64(v.Limit)),
		FieldRetryAfterMs:   structpb.NewNumberValue(float64(v.RetryAfterMillis)),
		FieldReason:         structpb.NewStringValue(string(v.Reason)),
		FieldPolicy:         structpb.NewStringValue(v.Policy),
		FieldHTTPStatusCode: structpb.NewNumberValue(float64(decision.StatusFor(v, nil))),
	}}
}

// VerdictFromStruct is the inverse of VerdictToStruct, for clients.
func VerdictFromStruct(s *structpb.Struct) ratelimit.Verdict {
	f := s.GetFields()
	return ratelimit.Verdict{
		Allowed:          f[FieldAllowed].GetBoolValue(),
		Remaining:        int(f[FieldRemaining].GetNumberValue()),
		Limit:            int(f[FieldLimit].GetNumberValue()),
		RetryAfterMillis: int64(f[FieldRetryAfterMs].GetNumberValue()),
		Reason:           ratelimit.Reason(f[FieldReason].GetStringValue()),
		Policy:           f[FieldPolicy].GetStringValue(),
	}
}

func checkLimitHandler(fullMethod string) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return srv.(RateLimitServer).CheckLimit(ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return srv.(RateLimitServer).CheckLimit(ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc describes the service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RateLimitServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CheckLimit", Handler: checkLimitHandler(MethodCheckLimit)},
		{MethodName: "CheckRateLimit", Handler: checkLimitHandler(MethodCheckRateLimit)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ratelimit/v1/ratelimit.proto",
}

// Client calls CheckLimit on a remote server.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

func (c *Client) Check(ctx context.Context, identity, endpoint string, opts ...grpc.CallOption) (ratelimit.Verdict, error) {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		FieldIP:       structpb.NewStringValue(identity),
		FieldEndpoint: structpb.NewStringValue(endpoint),
	}}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodCheckLimit, req, out, opts...); err != nil {
		return ratelimit.Verdict{}, err
	}
	return VerdictFromStruct(out), nil
}
