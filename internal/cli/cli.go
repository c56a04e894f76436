package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"aviary/internal/config"
	"aviary/internal/fsutil"
	"aviary/internal/grpcserver"
	"aviary/internal/notify"
	"aviary/internal/pipeline"
	"aviary/internal/server"
	"aviary/internal/storage"
	"aviary/internal/tasks"
)

// Version is set at build time via -ldflags.
var Version = "dev"

type pipelineClient interface {
	Submit(job pipeline.Job) (string, error)
	Subscribe() (<-chan pipeline.Result, func())
}

// remoteClient talks to a running aviary serve over gRPC.
type remoteClient interface {
	Submit(ctx context.Context, req pipeline.Request) (string, error)
	Wait(ctx context.Context, id string) (pipeline.Event, error)
	Close() error
}

type serveFunc func(ctx context.Context, httpAddr, grpcAddr string) error

type dialFunc func(addr string) (remoteClient, error)

func defaultDial(addr string) (remoteClient, error) {
	c, err := grpcserver.Dial(addr)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	serveFn  serveFunc
	dialFn   dialFunc
}

// NewRoot constructs the CLI root.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	r := &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		dialFn:   defaultDial,
	}
	r.serveFn = r.serve
	return r
}

// serve runs the HTTP and gRPC front ends, plus the MQTT publisher when a
// broker is configured, until ctx is cancelled or one of them fails.
func (r *Root) serve(ctx context.Context, httpAddr, grpcAddr string) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.New(httpAddr, r.store, r.pipeline, r.log).Start(ctx)
	})
	g.Go(func() error {
		return grpcserver.Serve(ctx, grpcAddr, grpcserver.NewService(r.pipeline, r.store, r.log))
	})

	if r.cfg.MQTT.Broker != "" {
		pub, err := notify.Connect(r.cfg.MQTT, r.log)
		if err != nil {
			r.log.Warn("mqtt disabled", "broker", r.cfg.MQTT.Broker, "error", err)
		} else {
			results, unsubscribe := r.pipeline.Subscribe()
			g.Go(func() error {
				defer unsubscribe()
				defer pub.Close()
				pub.Run(ctx, results)
				return nil
			})
		}
	}

	return g.Wait()
}

// enqueueAndWait submits job and blocks until its result is broadcast.
func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	id, err := r.enqueue(ctx, job)
	if err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, errors.New("pipeline stopped before completion")
			}
			if res.Job.ID == id {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	if r.pipeline == nil {
		return "", errors.New("pipeline not initialized")
	}

	id, err := r.pipeline.Submit(job)
	if err != nil {
		return "", err
	}

	r.log.Info("job queued", "type", job.Type, "id", id, "input", job.InputPath)
	return id, nil
}

// watchRequest configures a live stitch of a capture directory.
type watchRequest struct {
	dir      string
	output   string
	settle   time.Duration
	existing bool
	cfg      config.StitchConfig
}

// watch extends a panorama with every frame that lands in dir until ctx is
// cancelled.
func (r *Root) watch(ctx context.Context, out io.Writer, req watchRequest) error {
	st, policy, err := pipeline.NewStitcher(req.cfg, r.log)
	if err != nil {
		return err
	}
	output := req.output
	if output == "" {
		output = fsutil.PanoramaName(req.dir)
	}

	var backlog []string
	if req.existing {
		backlog, err = fsutil.ListFrames(req.dir, fsutil.Order(req.cfg.Order))
		if err != nil {
			return err
		}
	}

	fw, err := tasks.NewFrameWatcher(req.dir, req.settle, r.log)
	if err != nil {
		return err
	}
	if err := fw.Start(); err != nil {
		return err
	}
	defer fw.Stop()

	frames := make(chan string)
	go func() {
		defer close(frames)
		for _, f := range backlog {
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
		for f := range fw.Frames {
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	ls := &tasks.LiveStitcher{
		Stitcher: st,
		Policy:   policy,
		Output:   output,
		Quality:  req.cfg.JPEGQuality,
		Log:      r.log,
		OnStep: func(s tasks.StepSummary) {
			printStep(out, s.Index, filepath.Base(s.Frame), s.Status, s.InlierRatio, s.Error)
		},
	}
	fmt.Fprintf(out, "watching %s, writing %s\n", req.dir, output)
	res, err := ls.Run(ctx, frames)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	fmt.Fprintf(out, "%d frames seen, %d stitched, %d skipped\n", res.FrameCount, res.Stitched, res.Skipped)
	return err
}

// printJobSteps lists the stored fold steps of a job.
func (r *Root) printJobSteps(out io.Writer, id string) {
	if r.store == nil {
		return
	}
	steps, err := r.store.Steps(id)
	if err != nil {
		r.log.Warn("failed to load job steps", "job", id, "error", err)
		return
	}
	for _, s := range steps {
		printStep(out, s.FrameIndex, filepath.Base(s.FramePath), s.Status, s.InlierRatio, s.Error)
	}
}

func printStep(out io.Writer, index int, frame, status string, ratio float64, errMsg string) {
	if errMsg != "" {
		fmt.Fprintf(out, "  frame %d %s: %s (%s)\n", index, frame, status, errMsg)
		return
	}
	fmt.Fprintf(out, "  frame %d %s: %s, inlier ratio %.2f\n", index, frame, status, ratio)
}

func printJobs(out io.Writer, jobs []storage.JobRecord) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tINPUT\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.JobType, j.Status, j.InputPath, j.CreatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}
