package grpcserver

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"aviary/internal/pipeline"
)

// Client calls a remote aviary.v1.Stitcher service.
type Client struct {
	conn grpc.ClientConnInterface
	own  *grpc.ClientConn
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn, own: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Close closes a connection opened by Dial.
func (c *Client) Close() error {
	if c.own == nil {
		return nil
	}
	return c.own.Close()
}

// Submit queues a job and returns its id.
func (c *Client) Submit(ctx context.Context, req pipeline.Request) (string, error) {
	in, err := toStruct(req)
	if err != nil {
		return "", err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, submitMethod, in, out); err != nil {
		return "", err
	}
	return out.GetFields()["id"].GetStringValue(), nil
}

// GetJob fetches the stored state of a job.
func (c *Client) GetJob(ctx context.Context, id string) (JobStatus, error) {
	in, err := structpb.NewStruct(map[string]any{"id": id})
	if err != nil {
		return JobStatus{}, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, getJobMethod, in, out); err != nil {
		return JobStatus{}, err
	}
	var js JobStatus
	if err := fromStruct(out, &js); err != nil {
		return JobStatus{}, fmt.Errorf("decode job: %w", err)
	}
	return js, nil
}

// Wait blocks until job id finishes and returns its event.
func (c *Client) Wait(ctx context.Context, id string) (pipeline.Event, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.conn.NewStream(ctx, &resultsStream, resultsMethod)
	if err != nil {
		return pipeline.Event{}, err
	}
	in, err := structpb.NewStruct(map[string]any{"id": id})
	if err != nil {
		return pipeline.Event{}, err
	}
	if err := stream.SendMsg(in); err != nil {
		return pipeline.Event{}, err
	}
	if err := stream.CloseSend(); err != nil {
		return pipeline.Event{}, err
	}

	out := new(structpb.Struct)
	if err := stream.RecvMsg(out); err != nil {
		return pipeline.Event{}, err
	}
	var ev pipeline.Event
	if err := fromStruct(out, &ev); err != nil {
		return pipeline.Event{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}
