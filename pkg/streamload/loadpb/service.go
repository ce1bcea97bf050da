// Copyright 2025 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package loadpb

import (
	"context"

	"github.com/pingcap/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype of the service.
const CodecName = "streamload"

func init() {
	encoding.RegisterCodec(codec{})
}

type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, errors.Errorf("loadpb: cannot marshal %T", v)
	}
	return m.Marshal()
}

func (codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(Message)
	if !ok {
		return errors.Errorf("loadpb: cannot unmarshal into %T", v)
	}
	return m.Unmarshal(data)
}

func (codec) Name() string {
	return CodecName
}

// Full method names of the service.
const (
	ServiceName         = "streamload.LoadStream"
	StreamFullMethod    = "/streamload.LoadStream/Stream"
	ClearLoadFullMethod = "/streamload.LoadStream/ClearLoad"
)

// LoadStreamServer is the server API of the load stream service.
type LoadStreamServer interface {
	// Stream serves one bidirectional stream. The first request must be an
	// OpenRequest.
	Stream(StreamServer) error
	ClearLoad(context.Context, *ClearLoadRequest) (*ClearLoadResponse, error)
}

// StreamServer is the server side of a Stream call.
type StreamServer interface {
	Send(*StreamResponse) error
	Recv() (*StreamRequest, error)
	grpc.ServerStream
}

type streamServer struct {
	grpc.ServerStream
}

func (s *streamServer) Send(m *StreamResponse) error {
	return s.ServerStream.SendMsg(m)
}

func (s *streamServer) Recv() (*StreamRequest, error) {
	m := new(StreamRequest)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func streamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(LoadStreamServer).Stream(&streamServer{stream})
}

func clearLoadHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ClearLoadRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LoadStreamServer).ClearLoad(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ClearLoadFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LoadStreamServer).ClearLoad(ctx, req.(*ClearLoadRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc describes the load stream service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LoadStreamServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ClearLoad", Handler: clearLoadHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Stream", Handler: streamHandler, ServerStreams: true, ClientStreams: true},
	},
	Metadata: "loadpb",
}

// RegisterLoadStreamServer registers srv on s.
func RegisterLoadStreamServer(s grpc.ServiceRegistrar, srv LoadStreamServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// StreamClient is the client side of a Stream call.
type StreamClient interface {
	Send(*StreamRequest) error
	Recv() (*StreamResponse, error)
	grpc.ClientStream
}

type streamClient struct {
	grpc.ClientStream
}

func (c *streamClient) Send(m *StreamRequest) error {
	return c.ClientStream.SendMsg(m)
}

func (c *streamClient) Recv() (*StreamResponse, error) {
	m := new(StreamResponse)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadStreamClient is the client API of the load stream service.
type LoadStreamClient interface {
	Stream(ctx context.Context, opts ...grpc.CallOption) (StreamClient, error)
	ClearLoad(ctx context.Context, in *ClearLoadRequest, opts ...grpc.CallOption) (*ClearLoadResponse, error)
}

type loadStreamClient struct {
	cc grpc.ClientConnInterface
}

// NewLoadStreamClient creates a client on cc.
func NewLoadStreamClient(cc grpc.ClientConnInterface) LoadStreamClient {
	return &loadStreamClient{cc: cc}
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func (c *loadStreamClient) Stream(ctx context.Context, opts ...grpc.CallOption) (StreamClient, error) {
	s, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], StreamFullMethod, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	return &streamClient{s}, nil
}

func (c *loadStreamClient) ClearLoad(ctx context.Context, in *ClearLoadRequest, opts ...grpc.CallOption) (*ClearLoadResponse, error) {
	out := new(ClearLoadResponse)
	if err := c.cc.Invoke(ctx, ClearLoadFullMethod, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}
