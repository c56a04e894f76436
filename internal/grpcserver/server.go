// Package grpcserver exposes the job pipeline as the aviary.v1.Stitcher
// gRPC service. Messages are google.protobuf.Struct values carrying the
// same JSON shapes as the HTTP API.
package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"aviary/internal/pipeline"
	"aviary/internal/storage"
)

const (
	serviceName    = "aviary.v1.Stitcher"
	submitMethod   = "/" + serviceName + "/Submit"
	getJobMethod   = "/" + serviceName + "/GetJob"
	resultsMethod  = "/" + serviceName + "/Results"
	maxMessageSize = 16 * 1024 * 1024
)

// JobQueue is the part of the pipeline the service drives.
type JobQueue interface {
	Submit(job pipeline.Job) (string, error)
	Subscribe() (<-chan pipeline.Result, func())
}

// JobStatus is the GetJob response.
type JobStatus struct {
	Job   storage.JobRecord    `json:"job"`
	Meta  map[string]any       `json:"meta,omitempty"`
	Steps []storage.StepRecord `json:"steps"`
}

// Terminal reports whether the job has finished.
func (s JobStatus) Terminal() bool {
	return isTerminal(s.Job.Status)
}

func isTerminal(st string) bool {
	switch st {
	case "completed", "failed", "rejected":
		return true
	}
	return false
}

// stitcherService is the handler type checked by grpc.RegisterService.
type stitcherService interface {
	Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Results(in *structpb.Struct, stream grpc.ServerStream) error
}

// Service implements aviary.v1.Stitcher.
type Service struct {
	queue JobQueue
	store *storage.Store
	log   *slog.Logger
}

// NewService creates the service.
func NewService(queue JobQueue, store *storage.Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{queue: queue, store: store, log: log}
}

// Register adds the service to srv.
func Register(srv *grpc.Server, svc *Service) {
	srv.RegisterService(&serviceDesc, svc)
}

// Serve listens on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, svc *Service) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
	)
	Register(srv, svc)

	go func() {
		<-ctx.Done()
		svc.log.Info("shutting down grpc server")
		srv.GracefulStop()
	}()

	svc.log.Info("grpc server starting", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Submit queues a job. The request is a pipeline.Request; the response
// carries the job id.
func (s *Service) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req pipeline.Request
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	job, err := req.Job()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	id, err := s.queue.Submit(job)
	if errors.Is(err, pipeline.ErrQueueFull) {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	if err != nil {
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}
	return structpb.NewStruct(map[string]any{"id": id})
}

// GetJob returns the stored record, meta and steps of {"id": ...}.
func (s *Service) GetJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := in.GetFields()["id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	js, err := s.jobStatus(id)
	if err != nil {
		return nil, err
	}
	return toStruct(js)
}

func (s *Service) jobStatus(id string) (JobStatus, error) {
	rec, err := s.store.Job(id)
	if errors.Is(err, storage.ErrNotFound) {
		return JobStatus{}, status.Error(codes.NotFound, err.Error())
	}
	if err != nil {
		return JobStatus{}, status.Error(codes.Internal, err.Error())
	}
	js := JobStatus{Job: rec}
	if meta, err := s.store.JobMeta(id); err == nil {
		js.Meta = meta
	}
	if js.Steps, err = s.store.Steps(id); err != nil {
		return JobStatus{}, status.Error(codes.Internal, err.Error())
	}
	return js, nil
}

// Results streams job events. With {"id": ...} it sends that job's event
// and returns, even when the job finished before the call.
func (s *Service) Results(in *structpb.Struct, stream grpc.ServerStream) error {
	id := in.GetFields()["id"].GetStringValue()
	results, unsubscribe := s.queue.Subscribe()
	defer unsubscribe()

	if id != "" {
		// subscribed first, so a result landing now is not lost
		if js, err := s.jobStatus(id); err != nil {
			return err
		} else if js.Terminal() {
			return s.send(stream, eventFromStatus(js))
		}
	}

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-results:
			if !ok {
				return nil
			}
			if id != "" && res.Job.ID != id {
				continue
			}
			if err := s.send(stream, res.Event()); err != nil {
				return err
			}
			if id != "" {
				return nil
			}
		}
	}
}

func (s *Service) send(stream grpc.ServerStream, ev pipeline.Event) error {
	msg, err := toStruct(ev)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return stream.SendMsg(msg)
}

func eventFromStatus(js JobStatus) pipeline.Event {
	ev := pipeline.Event{
		ID:     js.Job.ID,
		Type:   js.Job.JobType,
		Status: js.Job.Status,
		Input:  js.Job.InputPath,
		Output: js.Job.OutputPath,
		Error:  js.Job.Error,
		Meta:   js.Meta,
	}
	if js.Job.CompletedAt != nil {
		ev.Timestamp = js.Job.CompletedAt.Unix()
	}
	if out, ok := js.Meta["output"].(string); ok && out != "" {
		ev.Output = out
	}
	return ev
}

// toStruct converts v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func fromStruct(in *structpb.Struct, v any) error {
	data, err := json.Marshal(in.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func submitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(stitcherService).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: submitMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(stitcherService).Submit(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getJobHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(stitcherService).GetJob(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getJobMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(stitcherService).GetJob(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func resultsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(stitcherService).Results(in, stream)
}

var resultsStream = grpc.StreamDesc{
	StreamName:    "Results",
	Handler:       resultsHandler,
	ServerStreams: true,
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*stitcherService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: submitHandler},
		{MethodName: "GetJob", Handler: getJobHandler},
	},
	Streams:  []grpc.StreamDesc{resultsStream},
	Metadata: "aviary/v1/stitcher.proto",
}
