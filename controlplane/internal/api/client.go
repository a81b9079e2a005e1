package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the management API of a running gateway.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for the gateway listening on endpoint. The
// connection is established lazily by the first call.
func Dial(endpoint string) (*Client, error) {
	conn, err := grpc.NewClient(
		endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client: %w", err)
	}

	return &Client{conn: conn}, nil
}

// Call invokes the named method, decoding the reply into resp.
func (m *Client) Call(ctx context.Context, method string, req any, resp any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}

	out := &structpb.Struct{}
	if err := m.conn.Invoke(ctx, FullMethod(method), in, out); err != nil {
		return err
	}
	return fromStruct(out, resp)
}

func (m *Client) Close() error {
	return m.conn.Close()
}
