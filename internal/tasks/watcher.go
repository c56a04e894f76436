package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"aviary/internal/fsutil"
	"aviary/internal/imageio"
	"aviary/internal/stitch"
)

// DefaultSettle is how long a new file must stay unchanged before it is
// treated as complete.
const DefaultSettle = 500 * time.Millisecond

// FrameWatcher reports image files written into a capture directory.
type FrameWatcher struct {
	watcher *fsnotify.Watcher
	Frames  chan string
	dir     string
	settle  time.Duration
	log     *slog.Logger

	pending  map[string]time.Time
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewFrameWatcher creates a watcher for dir. A zero settle uses DefaultSettle.
func NewFrameWatcher(dir string, settle time.Duration, logger *slog.Logger) (*FrameWatcher, error) {
	if settle <= 0 {
		settle = DefaultSettle
	}
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &FrameWatcher{
		watcher: w,
		Frames:  make(chan string, 100),
		dir:     dir,
		settle:  settle,
		log:     logger,
		pending: make(map[string]time.Time),
		done:    make(chan struct{}),
	}, nil
}

// Start begins monitoring the directory.
func (fw *FrameWatcher) Start() error {
	if err := fw.watcher.Add(fw.dir); err != nil {
		return err
	}
	fw.log.Info("watching capture directory", "dir", fw.dir)
	fw.wg.Add(1)
	go fw.processEvents()
	return nil
}

// Stop stops the watcher and closes Frames.
func (fw *FrameWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		close(fw.done)
		err = fw.watcher.Close()
		fw.wg.Wait()
		close(fw.Frames)
	})
	return err
}

func (fw *FrameWatcher) processEvents() {
	defer fw.wg.Done()
	tick := time.NewTicker(fw.settle / 4)
	defer tick.Stop()

	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !fsutil.IsImageFile(event.Name) || fsutil.IsStitchOutput(event.Name) {
				continue
			}
			fw.pending[event.Name] = time.Now()

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.log.Warn("filesystem watcher error", "error", err)

		case now := <-tick.C:
			fw.flush(now)

		case <-fw.done:
			return
		}
	}
}

// flush emits files whose last write is older than the settle time, oldest first.
func (fw *FrameWatcher) flush(now time.Time) {
	var ready []string
	for path, last := range fw.pending {
		if now.Sub(last) >= fw.settle {
			ready = append(ready, path)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		ti, tj := fw.pending[ready[i]], fw.pending[ready[j]]
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return ready[i] < ready[j]
	})
	for _, path := range ready {
		delete(fw.pending, path)
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			continue
		}
		select {
		case fw.Frames <- path:
		default:
			fw.log.Warn("frame buffer full, dropping frame", "path", path)
		}
	}
}

// LiveStitcher extends a panorama as frames arrive and rewrites Output
// after every successful merge.
type LiveStitcher struct {
	Stitcher stitch.PairStitcher
	Policy   stitch.Policy
	Output   string
	Quality  int
	OnStep   func(StepSummary)
	Log      *slog.Logger
}

// Run consumes frame paths until frames is closed or ctx is cancelled.
// The first readable frame starts the panorama.
func (ls *LiveStitcher) Run(ctx context.Context, frames <-chan string) (PanoramicResult, error) {
	logger := ls.Log
	if logger == nil {
		logger = slog.Default()
	}
	if ls.Stitcher == nil {
		return PanoramicResult{}, errors.New("no stitcher configured")
	}
	res := PanoramicResult{OutputFile: ls.Output}
	if err := os.MkdirAll(filepath.Dir(ls.Output), 0o755); err != nil {
		return res, fmt.Errorf("failed to create output directory: %w", err)
	}

	var paths []string
	var acc *stitch.Accumulator
	seq := &stitch.Sequence{
		Stitcher: ls.Stitcher,
		Policy:   ls.Policy,
		Log:      logger,
		OnStep: func(step stitch.Step) {
			sum := Summarize(step, paths[step.Index])
			if sum.Status != StatusStitched {
				res.Skipped++
			}
			res.Steps = append(res.Steps, sum)
			if ls.OnStep != nil {
				ls.OnStep(sum)
			}
		},
	}

	for {
		var path string
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case p, ok := <-frames:
			if !ok {
				return res, nil
			}
			path = p
		}

		res.FrameCount++
		frame, err := imageio.Decode(path)
		if acc == nil {
			if err != nil {
				logger.Warn("cannot start panorama from frame", "path", path, "error", err)
				res.FrameCount--
				continue
			}
			paths = append(paths, path)
			acc = seq.NewAccumulator(frame)
			logger.Info("panorama started", "frame", path)
			continue
		}

		paths = append(paths, path)
		var step stitch.Step
		if err != nil {
			step, err = acc.Skip(fmt.Errorf("load frame: %w", err))
		} else {
			step, err = acc.Add(ctx, frame)
		}
		if err != nil {
			return res, err
		}
		if step.Result == nil {
			continue
		}

		res.Stitched = acc.Stitched()
		composite := acc.Composite()
		res.Dimensions = fmt.Sprintf("%dx%d", composite.Width(), composite.Height())
		if err := imageio.Encode(ls.Output, composite, ls.Quality); err != nil {
			return res, err
		}
		logger.Info("panorama updated", "output", ls.Output, "stitched", res.Stitched, "dimensions", res.Dimensions)
	}
}
