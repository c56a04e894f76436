package server

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aviary/internal/pipeline"
	"aviary/internal/storage"
)

type fakeQueue struct {
	mu        sync.Mutex
	submitted []pipeline.Job
	err       error
	subs      map[int]chan pipeline.Result
	next      int
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{subs: make(map[int]chan pipeline.Result)}
}

func (q *fakeQueue) Submit(job pipeline.Job) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.submitted = append(q.submitted, job)
	return job.ID, nil
}

func (q *fakeQueue) jobs() []pipeline.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]pipeline.Job(nil), q.submitted...)
}

func (q *fakeQueue) fail(err error) {
	q.mu.Lock()
	q.err = err
	q.mu.Unlock()
}

func (q *fakeQueue) Subscribe() (<-chan pipeline.Result, func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
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

func (q *fakeQueue) emit(res pipeline.Result) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ch := range q.subs {
		select {
		case ch <- res:
		default:
		}
	}
}

// emitUntil keeps emitting res until ctx is done, covering subscribers
// that register late.
func (q *fakeQueue) emitUntil(ctx context.Context, res pipeline.Result) {
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			q.emit(res)
		}
	}
}

func setup(t *testing.T) (*Server, *fakeQueue, *storage.Store, *httptest.Server, context.Context) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "aviary.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	q := newFakeQueue()
	s := New(":0", store, q, slog.New(slog.DiscardHandler))
	ts := httptest.NewServer(s.Handler(ctx))
	t.Cleanup(ts.Close)
	return s, q, store, ts, ctx
}

var doneResult = pipeline.Result{
	Job:  pipeline.Job{ID: "panoramic-1", Type: pipeline.JobPanoramic, InputPath: "/frames"},
	Meta: map[string]any{"output": "/frames_Stitched.jpg"},
}

func TestHealth(t *testing.T) {
	_, _, _, ts, _ := setup(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSubmitJob(t *testing.T) {
	_, q, _, ts, _ := setup(t)

	body := `{"type":"pair","input":"/a.jpg","second":"/b.jpg","options":{"window":11}}`
	resp, err := http.Post(ts.URL+"/jobs", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, strings.HasPrefix(out["id"], "pair-"))

	submitted := q.jobs()
	require.Len(t, submitted, 1)
	job := submitted[0]
	assert.Equal(t, pipeline.JobPair, job.Type)
	assert.Equal(t, "/b.jpg", job.Options["second"])
	assert.Equal(t, float64(11), job.Options["window"])
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	_, q, _, ts, _ := setup(t)
	for _, body := range []string{
		`not json`,
		`{"type":"timelapse","input":"/x"}`,
		`{"type":"panoramic"}`,
		`{"type":"pair","input":"/a.jpg"}`,
	} {
		resp, err := http.Post(ts.URL+"/jobs", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}

	q.fail(pipeline.ErrQueueFull)
	resp, err := http.Post(ts.URL+"/jobs", "application/json", strings.NewReader(`{"type":"panoramic","input":"/x"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestJobEndpoints(t *testing.T) {
	_, _, store, ts, _ := setup(t)
	require.NoError(t, store.RecordJobQueued(storage.JobRecord{ID: "panoramic-1", JobType: "panoramic", Status: "queued", InputPath: "/frames"}))
	require.NoError(t, store.RecordJobResult("panoramic-1", "completed", map[string]any{"stitched": 2}, ""))
	require.NoError(t, store.RecordStep(storage.StepRecord{JobID: "panoramic-1", FrameIndex: 1, Status: "stitched", Inliers: 12}))

	resp, err := http.Get(ts.URL + "/jobs?limit=5")
	require.NoError(t, err)
	var jobs []storage.JobRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&jobs))
	resp.Body.Close()
	require.Len(t, jobs, 1)

	resp, err = http.Get(ts.URL + "/jobs/panoramic-1")
	require.NoError(t, err)
	var detail JobDetail
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&detail))
	resp.Body.Close()
	assert.Equal(t, "completed", detail.Job.Status)
	assert.Equal(t, float64(2), detail.Meta["stitched"])

	resp, err = http.Get(ts.URL + "/jobs/panoramic-1/steps")
	require.NoError(t, err)
	var steps []storage.StepRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&steps))
	resp.Body.Close()
	require.Len(t, steps, 1)
	assert.Equal(t, 12, steps[0].Inliers)

	for _, path := range []string{"/jobs/missing", "/jobs/missing/steps"} {
		resp, err = http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}

	resp, err = http.Get(ts.URL + "/jobs?limit=zero")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJobStream(t *testing.T) {
	_, q, _, ts, _ := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	go q.emitUntil(ctx, doneResult)

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "), line)
	var ev pipeline.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
	assert.Equal(t, "panoramic-1", ev.ID)
	assert.Equal(t, "completed", ev.Status)
	assert.Equal(t, "/frames_Stitched.jpg", ev.Output)
}

func TestWebsocketReceivesEvents(t *testing.T) {
	s, q, _, ts, ctx := setup(t)
	go s.hub.run(ctx)
	go s.forward(ctx)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	emitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go q.emitUntil(emitCtx, doneResult)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev pipeline.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "panoramic-1", ev.ID)
	assert.Equal(t, "panoramic", ev.Type)
}
