package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"aviary/internal/fsutil"
	"aviary/internal/imageio"
	"aviary/internal/report"
	"aviary/internal/stitch"
)

// Step statuses reported in StepSummary.Status.
const (
	StatusStitched = "stitched"
	StatusSkipped  = "skipped"
	StatusFailed   = "failed"
)

// PanoramicRequest defines inputs for folding a directory of frames.
type PanoramicRequest struct {
	InputDir string
	Output   string // defaults to <InputDir>_Stitched.jpg
	// ArtifactDir receives progress composites, diagnostics and the report.
	// Defaults to the directory of Output.
	ArtifactDir string
	Order       fsutil.Order

	Stitcher          stitch.PairStitcher
	Policy            stitch.Policy
	KeepIntermediates bool

	Progress    bool // write <prev>_StitchedTo_<next>.jpg after each merge
	Diagnostics bool // write step-NNN overlays when the stitcher renders them
	Report      bool // write report.png
	Quality     int

	OnStep func(StepSummary)
	Log    *slog.Logger
}

// StepSummary is the persisted, serializable view of one fold step.
type StepSummary struct {
	Index           int       `json:"frame"`
	Frame           string    `json:"path"`
	Status          string    `json:"status"`
	Correspondences int       `json:"correspondences"`
	Inliers         int       `json:"inliers"`
	InlierRatio     float64   `json:"inlier_ratio"`
	Iterations      int       `json:"iterations"`
	Width           int       `json:"width"`
	Height          int       `json:"height"`
	Homography      []float64 `json:"homography,omitempty"`
	Error           string    `json:"error,omitempty"`
	Progress        string    `json:"progress,omitempty"`
}

// PanoramicResult captures output metadata.
type PanoramicResult struct {
	OutputFile string
	FrameCount int
	Stitched   int
	Skipped    int
	Dimensions string
	Steps      []StepSummary
	Report     string
	Panorama   *stitch.Panorama
}

// AssemblePanoramic stitches every frame of req.InputDir, left to right,
// into one panorama.
func AssemblePanoramic(ctx context.Context, req PanoramicRequest) (PanoramicResult, error) {
	logger := req.Log
	if logger == nil {
		logger = slog.Default()
	}
	if req.Stitcher == nil {
		return PanoramicResult{}, errors.New("no stitcher configured")
	}

	output := req.Output
	if output == "" {
		output = fsutil.PanoramaName(req.InputDir)
	}
	artifacts := req.ArtifactDir
	if artifacts == "" {
		artifacts = filepath.Dir(output)
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return PanoramicResult{}, fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.MkdirAll(artifacts, 0o755); err != nil {
		return PanoramicResult{}, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	frames, err := fsutil.ListFrames(req.InputDir, req.Order)
	if err != nil {
		logger.Error("failed to list frames", "error", err, "input_dir", req.InputDir)
		return PanoramicResult{}, err
	}
	res := PanoramicResult{OutputFile: output, FrameCount: len(frames)}
	if len(frames) < 2 {
		return res, fmt.Errorf("%w: %d in %s", stitch.ErrNotEnoughFrames, len(frames), req.InputDir)
	}

	logger.Info("starting panoramic stitching",
		"input_dir", req.InputDir,
		"frames", len(frames),
		"output", output,
		"policy", req.Policy.String(),
	)

	// prev tracks the last frame merged into the running composite
	prev := frames[0]
	w := &artifactWriter{dir: artifacts, quality: req.Quality, log: logger}
	seq := &stitch.Sequence{
		Stitcher:          req.Stitcher,
		Policy:            req.Policy,
		KeepIntermediates: req.KeepIntermediates,
		Log:               logger,
		OnStep: func(step stitch.Step) {
			sum := Summarize(step, frames[step.Index])
			if step.Result != nil {
				if req.Progress {
					sum.Progress = w.progress(prev, frames[step.Index], step.Result.Composite)
				}
				if req.Diagnostics {
					w.diagnostics(fmt.Sprintf("step-%03d", step.Index), step.Result.Diagnostics)
				}
				prev = frames[step.Index]
			}
			res.Steps = append(res.Steps, sum)
			if req.OnStep != nil {
				req.OnStep(sum)
			}
		},
	}

	pano, err := seq.FoldSource(ctx, imageio.FileSource(frames))
	for _, s := range res.Steps {
		if s.Status != StatusStitched {
			res.Skipped++
		}
	}
	if req.Report && len(res.Steps) > 0 {
		res.Report = w.report(stepsOf(pano, res.Steps))
	}
	if err != nil {
		return res, err
	}

	res.Panorama = pano
	res.Stitched = pano.Stitched
	res.Dimensions = fmt.Sprintf("%dx%d", pano.Composite.Width(), pano.Composite.Height())
	if err := imageio.Encode(output, pano.Composite, req.Quality); err != nil {
		return res, err
	}

	logger.Info("panorama written",
		"output", output,
		"stitched", res.Stitched,
		"skipped", res.Skipped,
		"dimensions", res.Dimensions,
	)
	return res, nil
}

// Summarize flattens a fold step for storage and transport.
func Summarize(step stitch.Step, frame string) StepSummary {
	sum := StepSummary{Index: step.Index, Frame: frame}
	switch {
	case step.Result != nil:
		r := step.Result
		sum.Status = StatusStitched
		sum.Correspondences = len(r.Correspondences)
		sum.Inliers = len(r.Inliers)
		sum.InlierRatio = r.InlierRatio
		sum.Iterations = r.Iterations
		sum.Width = r.Composite.Width()
		sum.Height = r.Composite.Height()
		sum.Homography = r.Homography[:]
	case step.Skipped:
		sum.Status = StatusSkipped
	default:
		sum.Status = StatusFailed
	}
	if step.Err != nil {
		sum.Error = step.Err.Error()
	}
	return sum
}

// stepsOf returns the fold steps for charting. An aborted fold returns no
// Panorama, so the steps are rebuilt from the summaries.
func stepsOf(pano *stitch.Panorama, sums []StepSummary) []stitch.Step {
	if pano != nil {
		return pano.Steps
	}
	steps := make([]stitch.Step, len(sums))
	for i, s := range sums {
		steps[i] = stitch.Step{Index: s.Index}
		if s.Status == StatusStitched {
			steps[i].Result = &stitch.Result{InlierRatio: s.InlierRatio}
		} else {
			steps[i].Err = errors.New(s.Error)
		}
	}
	return steps
}

// artifactWriter writes side outputs. Failures are logged and never fail
// the fold.
type artifactWriter struct {
	dir     string
	quality int
	log     *slog.Logger
}

func (w *artifactWriter) progress(prev, next string, composite *stitch.Raster) string {
	path := fsutil.ProgressName(w.dir, prev, next)
	if err := imageio.Encode(path, composite, w.quality); err != nil {
		w.log.Warn("failed to write progress composite", "path", path, "error", err)
		return ""
	}
	return path
}

func (w *artifactWriter) diagnostics(prefix string, d *stitch.Diagnostics) {
	if d == nil {
		return
	}
	for suffix, r := range map[string]*stitch.Raster{
		"_points.jpg":  d.Points,
		"_pairs.jpg":   d.Pairs,
		"_inliers.jpg": d.Inliers,
	} {
		path := filepath.Join(w.dir, prefix+suffix)
		if err := imageio.Encode(path, r, w.quality); err != nil {
			w.log.Warn("failed to write diagnostic overlay", "path", path, "error", err)
		}
	}
}

func (w *artifactWriter) report(steps []stitch.Step) string {
	path := filepath.Join(w.dir, "report.png")
	if err := report.InlierChart(steps, path); err != nil {
		w.log.Warn("failed to write report", "path", path, "error", err)
		return ""
	}
	return path
}
