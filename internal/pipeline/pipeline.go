package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"aviary/internal/config"
	"aviary/internal/logging"
	"aviary/internal/storage"
)

// JobType enumerates supported processing categories.
type JobType string

const (
	JobPanoramic JobType = "panoramic"
	JobPair      JobType = "pair"
)

// ParseJobType validates a job type name.
func ParseJobType(s string) (JobType, error) {
	switch t := JobType(s); t {
	case JobPanoramic, JobPair:
		return t, nil
	default:
		return "", fmt.Errorf("unknown job type: %s", s)
	}
}

// NewJobID returns a unique id prefixed with the job type.
func NewJobID(t JobType) string {
	return fmt.Sprintf("%s-%s", t, uuid.NewString())
}

// Job represents a single processing request.
//
// For panoramic jobs InputPath is the frame directory. For pair jobs it is
// the first image and Options["second"] names the other one.
type Job struct {
	ID        string         `json:"id"`
	Type      JobType        `json:"type"`
	InputPath string         `json:"input"`
	Output    string         `json:"output,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// Request is the transport form of a job submission.
type Request struct {
	Type    string         `json:"type"`
	Input   string         `json:"input"`
	Second  string         `json:"second,omitempty"`
	Output  string         `json:"output,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

// Job validates the request and builds the job it describes.
func (req Request) Job() (Job, error) {
	jt, err := ParseJobType(req.Type)
	if err != nil {
		return Job{}, err
	}
	if req.Input == "" {
		return Job{}, errors.New("input is required")
	}
	opts := make(map[string]any, len(req.Options)+1)
	for k, v := range req.Options {
		opts[k] = v
	}
	if req.Second != "" {
		opts["second"] = req.Second
	}
	if jt == JobPair && opts["second"] == nil {
		return Job{}, errors.New("pair jobs need a second image")
	}
	return Job{
		ID:        NewJobID(jt),
		Type:      jt,
		InputPath: req.Input,
		Output:    req.Output,
		Options:   opts,
	}, nil
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
}

// Status is the persisted job status matching the result.
func (r Result) Status() string {
	if r.Error != nil {
		return "failed"
	}
	return "completed"
}

// Event is the serializable form of a Result, shared by the HTTP stream,
// the websocket hub, gRPC and MQTT.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Status    string         `json:"status"`
	Input     string         `json:"input"`
	Output    string         `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Event converts the result. Output prefers the path the task actually wrote.
func (r Result) Event() Event {
	ev := Event{
		ID:        r.Job.ID,
		Type:      string(r.Job.Type),
		Status:    r.Status(),
		Input:     r.Job.InputPath,
		Output:    r.Job.Output,
		Meta:      r.Meta,
		Timestamp: time.Now().Unix(),
	}
	if out, ok := r.Meta["output"].(string); ok && out != "" {
		ev.Output = out
	}
	if r.Error != nil {
		ev.Error = r.Error.Error()
	}
	return ev
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// ErrQueueFull is returned by Submit when no worker can take the job.
var ErrQueueFull = errors.New("job queue is full")

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	mu        sync.Mutex
	stopped   bool
	subs      map[int]chan Result
	nextSubID int
}

// New creates a new Pipeline with the given concurrency. Jobs are stitched
// with cfg, overridden per job by its options.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, cfg config.StitchConfig) *Pipeline {
	return newWithProcessor(ctx, concurrency, logger, store, newRouter(logger, store, cfg))
}

func newWithProcessor(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, proc Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		log:    logger,
		jobs:   make(chan Job, concurrency*2),
		cancel: cancel,
		store:  store,
		subs:   make(map[int]chan Result),
	}

	p.startOnce.Do(func() {
		p.processor = proc
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Submit adds a job to the processing queue. A missing ID is generated.
func (p *Pipeline) Submit(job Job) (string, error) {
	if job.ID == "" {
		job.ID = NewJobID(job.Type)
	}
	if _, err := ParseJobType(string(job.Type)); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return "", errors.New("pipeline stopped")
	}

	// recorded before the send so a fast worker cannot overtake the insert
	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		if err := p.store.RecordJobQueued(storage.JobRecord{
			ID:          job.ID,
			JobType:     string(job.Type),
			Status:      "queued",
			InputPath:   job.InputPath,
			OutputPath:  job.Output,
			OptionsJSON: string(optsJSON),
		}); err != nil {
			p.log.Warn("failed to record queued job", "job", job.ID, "error", err)
		}
	}

	select {
	case p.jobs <- job:
	default:
		_ = p.store.RecordJobResult(job.ID, "rejected", nil, ErrQueueFull.Error())
		return "", ErrQueueFull
	}
	return job.ID, nil
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()

		p.cancel()
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.run(ctx, job)
		}
	}
}

func (p *Pipeline) run(ctx context.Context, job Job) {
	start := time.Now()
	logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, job.Output, job.Options)
	if p.store != nil {
		_ = p.store.RecordJobStart(job.ID)
	}

	res := p.processor.Process(ctx, job)
	res.Job = job
	duration := time.Since(start)

	if res.Error != nil {
		logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
			"input":   job.InputPath,
			"output":  job.Output,
			"options": job.Options,
		})
	} else {
		logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
	}
	if p.store != nil {
		if err := p.store.RecordJobResult(job.ID, res.Status(), res.Meta, errString(res.Error)); err != nil {
			p.log.Warn("failed to record job result", "job", job.ID, "error", err)
		}
	}

	p.broadcast(res)
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
