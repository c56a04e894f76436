package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"aviary/internal/config"
	"aviary/internal/fsutil"
	"aviary/internal/logging"
	"aviary/internal/stitch"
	"aviary/internal/storage"
	"aviary/internal/tasks"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log         *slog.Logger
	store       *storage.Store
	cfg         config.StitchConfig
	panoramicFn panoramicFunc
	pairFn      pairFunc
}

type panoramicFunc func(ctx context.Context, req tasks.PanoramicRequest) (tasks.PanoramicResult, error)

type pairFunc func(ctx context.Context, req tasks.PairRequest) (tasks.PairResult, error)

func newRouter(logger *slog.Logger, store *storage.Store, cfg config.StitchConfig) *router {
	return &router{
		log:         logger,
		store:       store,
		cfg:         cfg,
		panoramicFn: tasks.AssemblePanoramic,
		pairFn:      tasks.StitchPair,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobPanoramic:
		return r.handlePanoramic(ctx, job)
	case JobPair:
		return r.handlePair(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handlePanoramic(ctx context.Context, job Job) Result {
	cfg, err := ApplyOptions(r.cfg, job.Options)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	st, policy, err := NewStitcher(cfg, r.log)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	logger := r.log.With("job", job.ID)
	res, err := r.panoramicFn(ctx, tasks.PanoramicRequest{
		InputDir:          job.InputPath,
		Output:            job.Output,
		ArtifactDir:       getStringOption(job.Options, "artifact_dir"),
		Order:             fsutil.Order(cfg.Order),
		Stitcher:          st,
		Policy:            policy,
		KeepIntermediates: cfg.KeepIntermediates,
		Progress:          cfg.Progress,
		Diagnostics:       cfg.Diagnostics,
		Report:            cfg.Report,
		Quality:           cfg.JPEGQuality,
		OnStep:            r.recordStep(job.ID),
		Log:               logger,
	})
	meta := map[string]any{
		"output":     res.OutputFile,
		"frames":     res.FrameCount,
		"stitched":   res.Stitched,
		"skipped":    res.Skipped,
		"dimensions": res.Dimensions,
		"policy":     policy.String(),
	}
	if res.Report != "" {
		meta["report"] = res.Report
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handlePair(ctx context.Context, job Job) Result {
	second := getStringOption(job.Options, "second")
	if second == "" {
		return Result{Job: job, Error: fmt.Errorf("pair job %s needs a second image", job.ID)}
	}
	cfg, err := ApplyOptions(r.cfg, job.Options)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	st, _, err := NewStitcher(cfg, r.log)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	res, err := r.pairFn(ctx, tasks.PairRequest{
		First:       job.InputPath,
		Second:      second,
		Output:      job.Output,
		Stitcher:    st,
		Diagnostics: cfg.Diagnostics,
		Quality:     cfg.JPEGQuality,
		Log:         r.log.With("job", job.ID),
	})
	r.recordStep(job.ID)(res.Step)
	meta := map[string]any{
		"output":       res.OutputFile,
		"dimensions":   res.Dimensions,
		"inlier_ratio": res.Step.InlierRatio,
		"inliers":      res.Step.Inliers,
	}
	if len(res.Diagnostics) > 0 {
		meta["diagnostics"] = res.Diagnostics
	}
	return Result{Job: job, Error: err, Meta: meta}
}

// NewStitcher validates cfg and builds the pairwise stitcher and fold policy
// it describes.
func NewStitcher(cfg config.StitchConfig, log *slog.Logger) (*stitch.Stitcher, stitch.Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, 0, err
	}
	opts, err := cfg.Options()
	if err != nil {
		return nil, 0, err
	}
	policy, err := stitch.ParsePolicy(cfg.Policy)
	if err != nil {
		return nil, 0, err
	}
	return stitch.New(opts, log), policy, nil
}

// recordStep persists and logs fold steps of one job.
func (r *router) recordStep(jobID string) func(tasks.StepSummary) {
	return func(s tasks.StepSummary) {
		if s.Status == "" {
			return
		}
		logging.LogStitchStep(r.log, jobID, s.Index, s.Status, map[string]any{
			"frame":        s.Frame,
			"inliers":      s.Inliers,
			"inlier_ratio": s.InlierRatio,
			"error":        s.Error,
		})
		if r.store == nil {
			return
		}
		if err := r.store.RecordStep(storage.StepRecord{
			JobID:           jobID,
			FrameIndex:      s.Index,
			FramePath:       s.Frame,
			Status:          s.Status,
			Correspondences: s.Correspondences,
			Inliers:         s.Inliers,
			InlierRatio:     s.InlierRatio,
			Iterations:      s.Iterations,
			Width:           s.Width,
			Height:          s.Height,
			Homography:      s.Homography,
			Error:           s.Error,
		}); err != nil {
			r.log.Warn("failed to record step", "job", jobID, "frame", s.Index, "error", err)
		}
	}
}

// ApplyOptions overlays job options onto a copy of the stitch config. Keys
// match the config file names.
func ApplyOptions(cfg config.StitchConfig, opts map[string]any) (config.StitchConfig, error) {
	for key, val := range opts {
		var ok bool
		switch key {
		case "second", "artifact_dir":
			ok = true
		case "policy":
			cfg.Policy, ok = val.(string)
		case "order":
			cfg.Order, ok = val.(string)
		case "sampling":
			cfg.Compositor.Sampling, ok = val.(string)
		case "k":
			cfg.Detector.K, ok = toFloat(val)
		case "threshold":
			cfg.Detector.Threshold, ok = toFloat(val)
		case "sigma":
			cfg.Detector.Sigma, ok = toFloat(val)
		case "suppression":
			cfg.Detector.Suppression, ok = toInt(val)
		case "max_points":
			cfg.Detector.MaxPoints, ok = toInt(val)
		case "window":
			cfg.Matcher.Window, ok = toInt(val)
		case "min_correlation":
			cfg.Matcher.MinCorrelation, ok = toFloat(val)
		case "max_distance":
			cfg.Matcher.MaxDistance, ok = toFloat(val)
		case "epsilon":
			cfg.Ransac.Epsilon, ok = toFloat(val)
		case "confidence":
			cfg.Ransac.Confidence, ok = toFloat(val)
		case "max_iterations":
			cfg.Ransac.MaxIterations, ok = toInt(val)
		case "min_inliers":
			cfg.Ransac.MinInliers, ok = toInt(val)
		case "min_inlier_ratio":
			cfg.Ransac.MinInlierRatio, ok = toFloat(val)
		case "seed":
			var seed int
			seed, ok = toInt(val)
			cfg.Ransac.Seed = int64(seed)
		case "max_canvas_pixels":
			cfg.Compositor.MaxCanvasPixels, ok = toInt(val)
		case "workers":
			cfg.Workers, ok = toInt(val)
		case "quality":
			cfg.JPEGQuality, ok = toInt(val)
		case "diagnostics":
			cfg.Diagnostics, ok = val.(bool)
		case "progress":
			cfg.Progress, ok = val.(bool)
		case "report":
			cfg.Report, ok = val.(bool)
		case "keep_intermediates":
			cfg.KeepIntermediates, ok = val.(bool)
		default:
			return cfg, fmt.Errorf("unknown option %q", key)
		}
		if !ok {
			return cfg, fmt.Errorf("option %q has invalid value %v", key, val)
		}
	}
	return cfg, nil
}

// Helper functions to safely extract typed options from job.Options map
func getStringOption(options map[string]any, key string) string {
	if val, ok := options[key].(string); ok {
		return val
	}
	return ""
}

// JSON numbers decode as float64; CLI and tests pass ints.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}
