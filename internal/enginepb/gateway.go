package enginepb

import (
	"context"

	"google.golang.org/grpc"
)

// Gateway method paths, matching the real Zeebe gateway_protocol.proto
// service definition. Only the wire encoding is simplified (see
// messages.go); the RPC names and semantics are the genuine contract.
const (
	methodActivateJobs   = "/gateway_protocol.Gateway/ActivateJobs"
	methodCompleteJob    = "/gateway_protocol.Gateway/CompleteJob"
	methodFailJob        = "/gateway_protocol.Gateway/FailJob"
	methodThrowError     = "/gateway_protocol.Gateway/ThrowError"
	methodPublishMessage = "/gateway_protocol.Gateway/PublishMessage"
)

// GatewayClient is a thin wrapper around a *grpc.ClientConn exposing the
// five RPCs this worker needs.
type GatewayClient struct {
	conn *grpc.ClientConn
}

// NewGatewayClient wraps an established connection.
func NewGatewayClient(conn *grpc.ClientConn) *GatewayClient {
	return &GatewayClient{conn: conn}
}

// JobStream is the subset of grpc.ClientStream needed to drain
// ActivateJobsResponse batches.
type JobStream interface {
	Recv() (*ActivateJobsResponse, error)
}

type jobStream struct {
	grpc.ClientStream
}

func (s *jobStream) Recv() (*ActivateJobsResponse, error) {
	resp := new(ActivateJobsResponse)
	if err := s.ClientStream.RecvMsg(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ActivateJobs opens a server-streaming call for the given request.
func (g *GatewayClient) ActivateJobs(ctx context.Context, req *ActivateJobsRequest, opts ...grpc.CallOption) (JobStream, error) {
	opts = append(opts, grpc.CallContentSubtype(CodecName))
	stream, err := g.conn.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true}, methodActivateJobs, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &jobStream{ClientStream: stream}, nil
}

// CompleteJob reports a job as successfully completed.
func (g *GatewayClient) CompleteJob(ctx context.Context, req *CompleteJobRequest, opts ...grpc.CallOption) (*CompleteJobResponse, error) {
	opts = append(opts, grpc.CallContentSubtype(CodecName))
	resp := new(CompleteJobResponse)
	if err := g.conn.Invoke(ctx, methodCompleteJob, req, resp, opts...); err != nil {
		return nil, err
	}
	return resp, nil
}

// FailJob reports a retriable failure.
func (g *GatewayClient) FailJob(ctx context.Context, req *FailJobRequest, opts ...grpc.CallOption) (*FailJobResponse, error) {
	opts = append(opts, grpc.CallContentSubtype(CodecName))
	resp := new(FailJobResponse)
	if err := g.conn.Invoke(ctx, methodFailJob, req, resp, opts...); err != nil {
		return nil, err
	}
	return resp, nil
}

// ThrowError reports a terminal business error.
func (g *GatewayClient) ThrowError(ctx context.Context, req *ThrowErrorRequest, opts ...grpc.CallOption) (*ThrowErrorResponse, error) {
	opts = append(opts, grpc.CallContentSubtype(CodecName))
	resp := new(ThrowErrorResponse)
	if err := g.conn.Invoke(ctx, methodThrowError, req, resp, opts...); err != nil {
		return nil, err
	}
	return resp, nil
}

// PublishMessage publishes a correlation message.
func (g *GatewayClient) PublishMessage(ctx context.Context, req *PublishMessageRequest, opts ...grpc.CallOption) (*PublishMessageResponse, error) {
	opts = append(opts, grpc.CallContentSubtype(CodecName))
	resp := new(PublishMessageResponse)
	if err := g.conn.Invoke(ctx, methodPublishMessage, req, resp, opts...); err != nil {
		return nil, err
	}
	return resp, nil
}
