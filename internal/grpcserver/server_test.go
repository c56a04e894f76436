package grpcserver

import (
	"context"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"aviary/internal/pipeline"
	"aviary/internal/storage"
)

// recordingQueue stores submitted jobs and lets the test publish results.
type recordingQueue struct {
	mu    sync.Mutex
	store *storage.Store
	jobs  []pipeline.Job
	subs  map[int]chan pipeline.Result
	next  int
}

func (q *recordingQueue) Submit(job pipeline.Job) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	err := q.store.RecordJobQueued(storage.JobRecord{ID: job.ID, JobType: string(job.Type), Status: "queued", InputPath: job.InputPath})
	return job.ID, err
}

func (q *recordingQueue) Subscribe() (<-chan pipeline.Result, func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.subs == nil {
		q.subs = make(map[int]chan pipeline.Result)
	}
	id := q.next
	q.next++
	ch := make(chan pipeline.Result, 8)
	q.subs[id] = ch
	return ch, func() {
		q.mu.Lock()
		delete(q.subs, id)
		q.mu.Unlock()
	}
}

func (q *recordingQueue) submitted() []pipeline.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]pipeline.Job(nil), q.jobs...)
}

func (q *recordingQueue) subscribers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.subs)
}

func (q *recordingQueue) finish(res pipeline.Result) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ch := range q.subs {
		ch <- res
	}
}

func startService(t *testing.T) (*Client, *recordingQueue, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "aviary.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	q := &recordingQueue{store: store}
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	Register(srv, NewService(q, store, slog.New(slog.DiscardHandler)))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn), q, store
}

func TestSubmitAndGetJob(t *testing.T) {
	client, q, store := startService(t)
	ctx := context.Background()

	id, err := client.Submit(ctx, pipeline.Request{Type: "panoramic", Input: "/frames", Options: map[string]any{"seed": 9}})
	require.NoError(t, err)
	jobs := q.submitted()
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
	assert.Equal(t, float64(9), jobs[0].Options["seed"])

	require.NoError(t, store.RecordStep(storage.StepRecord{JobID: id, FrameIndex: 1, Status: "stitched", Inliers: 20}))
	js, err := client.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "queued", js.Job.Status)
	assert.False(t, js.Terminal())
	require.Len(t, js.Steps, 1)
	assert.Equal(t, 20, js.Steps[0].Inliers)
}

func TestErrorsMapToCodes(t *testing.T) {
	client, _, _ := startService(t)
	ctx := context.Background()

	_, err := client.Submit(ctx, pipeline.Request{Type: "stack", Input: "/x"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.GetJob(ctx, "missing")
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.GetJob(ctx, "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestWaitReceivesLiveResult(t *testing.T) {
	client, q, _ := startService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := client.Submit(ctx, pipeline.Request{Type: "pair", Input: "/a.jpg", Second: "/b.jpg"})
	require.NoError(t, err)

	go func() {
		for q.subscribers() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		q.finish(pipeline.Result{Job: pipeline.Job{ID: "other", Type: pipeline.JobPair}})
		q.finish(pipeline.Result{
			Job:  pipeline.Job{ID: id, Type: pipeline.JobPair, InputPath: "/a.jpg"},
			Meta: map[string]any{"output": "/_Stitched.jpg"},
		})
	}()

	ev, err := client.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, ev.ID)
	assert.Equal(t, "completed", ev.Status)
	assert.Equal(t, "/_Stitched.jpg", ev.Output)
}

func TestWaitReturnsFinishedJob(t *testing.T) {
	client, _, store := startService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, store.RecordJobQueued(storage.JobRecord{ID: "panoramic-done", JobType: "panoramic", Status: "queued", InputPath: "/f"}))
	require.NoError(t, store.RecordJobResult("panoramic-done", "failed", map[string]any{"stitched": 0}, "no frame could be stitched"))

	ev, err := client.Wait(ctx, "panoramic-done")
	require.NoError(t, err)
	assert.Equal(t, "failed", ev.Status)
	assert.Equal(t, "no frame could be stitched", ev.Error)
}
