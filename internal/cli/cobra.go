package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"aviary/internal/config"
	"aviary/internal/pipeline"
	"aviary/internal/storage"
	"aviary/internal/tasks"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "aviary",
		Short: "Aviary stitches overlapping photographs into panoramas",
		Long: `Aviary detects Harris corners, matches them by normalized cross-correlation,
estimates a homography with RANSAC and blends each frame into a growing
panorama, left to right.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newStitchCmd(root))
	rootCmd.AddCommand(newPairCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newSubmitCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// stitchFlags binds the stitch parameters to a copy of the configured
// values. Only flags set on the command line become job options.
type stitchFlags struct {
	cfg config.StitchConfig
}

// stitchOptions maps flag names to the job option they set.
var stitchOptions = []struct {
	flag string
	get  func(c *config.StitchConfig) any
}{
	{"policy", func(c *config.StitchConfig) any { return c.Policy }},
	{"order", func(c *config.StitchConfig) any { return c.Order }},
	{"sampling", func(c *config.StitchConfig) any { return c.Compositor.Sampling }},
	{"k", func(c *config.StitchConfig) any { return c.Detector.K }},
	{"threshold", func(c *config.StitchConfig) any { return c.Detector.Threshold }},
	{"sigma", func(c *config.StitchConfig) any { return c.Detector.Sigma }},
	{"suppression", func(c *config.StitchConfig) any { return c.Detector.Suppression }},
	{"max-points", func(c *config.StitchConfig) any { return c.Detector.MaxPoints }},
	{"window", func(c *config.StitchConfig) any { return c.Matcher.Window }},
	{"min-correlation", func(c *config.StitchConfig) any { return c.Matcher.MinCorrelation }},
	{"max-distance", func(c *config.StitchConfig) any { return c.Matcher.MaxDistance }},
	{"epsilon", func(c *config.StitchConfig) any { return c.Ransac.Epsilon }},
	{"confidence", func(c *config.StitchConfig) any { return c.Ransac.Confidence }},
	{"max-iterations", func(c *config.StitchConfig) any { return c.Ransac.MaxIterations }},
	{"min-inliers", func(c *config.StitchConfig) any { return c.Ransac.MinInliers }},
	{"min-inlier-ratio", func(c *config.StitchConfig) any { return c.Ransac.MinInlierRatio }},
	{"seed", func(c *config.StitchConfig) any { return c.Ransac.Seed }},
	{"max-canvas-pixels", func(c *config.StitchConfig) any { return c.Compositor.MaxCanvasPixels }},
	{"workers", func(c *config.StitchConfig) any { return c.Workers }},
	{"quality", func(c *config.StitchConfig) any { return c.JPEGQuality }},
	{"diagnostics", func(c *config.StitchConfig) any { return c.Diagnostics }},
	{"progress", func(c *config.StitchConfig) any { return c.Progress }},
	{"report", func(c *config.StitchConfig) any { return c.Report }},
	{"keep-intermediates", func(c *config.StitchConfig) any { return c.KeepIntermediates }},
}

func bindStitchFlags(cmd *cobra.Command, base config.StitchConfig) *stitchFlags {
	sf := &stitchFlags{cfg: base}
	c := &sf.cfg
	f := cmd.Flags()

	f.StringVar(&c.Policy, "policy", c.Policy, "what to do when a frame cannot be stitched (skip|abort|keep-first)")
	f.StringVar(&c.Order, "order", c.Order, "frame order (mtime|name)")
	f.StringVar(&c.Compositor.Sampling, "sampling", c.Compositor.Sampling, "warp sampling (bilinear|nearest)")

	f.Float64Var(&c.Detector.K, "k", c.Detector.K, "Harris sensitivity constant")
	f.Float64Var(&c.Detector.Threshold, "threshold", c.Detector.Threshold, "minimum corner response")
	f.Float64Var(&c.Detector.Sigma, "sigma", c.Detector.Sigma, "gaussian smoothing of the structure tensor")
	f.IntVar(&c.Detector.Suppression, "suppression", c.Detector.Suppression, "non-maximum suppression radius in pixels")
	f.IntVar(&c.Detector.MaxPoints, "max-points", c.Detector.MaxPoints, "keep only the strongest corners (0 = all)")

	f.IntVar(&c.Matcher.Window, "window", c.Matcher.Window, "correlation window size (odd)")
	f.Float64Var(&c.Matcher.MinCorrelation, "min-correlation", c.Matcher.MinCorrelation, "minimum NCC score for a match")
	f.Float64Var(&c.Matcher.MaxDistance, "max-distance", c.Matcher.MaxDistance, "maximum displacement of a match in pixels (0 = unbounded)")

	f.Float64Var(&c.Ransac.Epsilon, "epsilon", c.Ransac.Epsilon, "inlier threshold in normalized coordinates")
	f.Float64Var(&c.Ransac.Confidence, "confidence", c.Ransac.Confidence, "RANSAC success probability")
	f.IntVar(&c.Ransac.MaxIterations, "max-iterations", c.Ransac.MaxIterations, "RANSAC trial cap")
	f.IntVar(&c.Ransac.MinInliers, "min-inliers", c.Ransac.MinInliers, "minimum inliers for an accepted homography")
	f.Float64Var(&c.Ransac.MinInlierRatio, "min-inlier-ratio", c.Ransac.MinInlierRatio, "minimum inlier ratio for an accepted homography")
	f.Int64Var(&c.Ransac.Seed, "seed", c.Ransac.Seed, "RANSAC random seed (0 = random)")

	f.IntVar(&c.Compositor.MaxCanvasPixels, "max-canvas-pixels", c.Compositor.MaxCanvasPixels, "largest composite canvas allowed")
	f.IntVar(&c.Workers, "workers", c.Workers, "parallel workers per stage (0 = GOMAXPROCS)")
	f.IntVarP(&c.JPEGQuality, "quality", "q", c.JPEGQuality, "JPEG quality of written images")

	f.BoolVar(&c.Diagnostics, "diagnostics", c.Diagnostics, "write point, pair and inlier overlays")
	f.BoolVar(&c.Progress, "progress", c.Progress, "write <prev>_StitchedTo_<next>.jpg after each merge")
	f.BoolVar(&c.Report, "report", c.Report, "write report.png with the inlier ratio of each step")
	f.BoolVar(&c.KeepIntermediates, "keep-intermediates", c.KeepIntermediates, "keep every intermediate composite in memory")

	return sf
}

// options returns the job options for the flags set on cmd.
func (sf *stitchFlags) options(cmd *cobra.Command) map[string]any {
	opts := map[string]any{}
	for _, o := range stitchOptions {
		if cmd.Flags().Changed(o.flag) {
			opts[strings.ReplaceAll(o.flag, "-", "_")] = o.get(&sf.cfg)
		}
	}
	return opts
}

func newStitchCmd(root *Root) *cobra.Command {
	var (
		output    string
		artifacts string
	)

	cmd := &cobra.Command{
		Use:   "stitch <input_directory> [output_path]",
		Short: "Stitch a directory of overlapping frames into a panorama",
		Long: `Stitch every image in a directory, ordered by modification time, into one
panorama. Each frame is registered against the running composite; frames that
cannot be registered are skipped unless --policy abort is given.`,
		Args: cobra.RangeArgs(1, 2),
	}
	sf := bindStitchFlags(cmd, root.cfg.Stitch)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if len(args) > 1 {
			output = args[1]
		}
		if output == "" && root.cfg.Paths.DefaultOutput != "" {
			output = filepath.Join(root.cfg.Paths.DefaultOutput, filepath.Base(filepath.Clean(args[0]))+"_Stitched.jpg")
		}
		opts := sf.options(cmd)
		if artifacts != "" {
			opts["artifact_dir"] = artifacts
		}
		job := pipeline.Job{
			ID:        pipeline.NewJobID(pipeline.JobPanoramic),
			Type:      pipeline.JobPanoramic,
			InputPath: args[0],
			Output:    output,
			Options:   opts,
		}
		res, err := root.enqueueAndWait(cmd.Context(), job)
		out := cmd.OutOrStdout()
		root.printJobSteps(out, job.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "panorama written to %v (%v, %v of %v frames stitched)\n",
			res.Meta["output"], res.Meta["dimensions"], res.Meta["stitched"], res.Meta["frames"])
		if rep, ok := res.Meta["report"]; ok {
			fmt.Fprintf(out, "report written to %v\n", rep)
		}
		return nil
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output path (default <input>_Stitched.jpg)")
	cmd.Flags().StringVar(&artifacts, "artifacts", "", "directory for progress composites, overlays and the report")

	return cmd
}

func newPairCmd(root *Root) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "pair <first_image> <second_image> [output_path]",
		Short: "Stitch two overlapping images",
		Long: `Register the second image against the first and blend both into one image in
the first image's plane. With --diagnostics the detected points, candidate
pairs and RANSAC inliers are drawn next to the output.`,
		Args: cobra.RangeArgs(2, 3),
	}
	sf := bindStitchFlags(cmd, root.cfg.Stitch)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if len(args) > 2 {
			output = args[2]
		}
		opts := sf.options(cmd)
		opts["second"] = args[1]
		job := pipeline.Job{
			ID:        pipeline.NewJobID(pipeline.JobPair),
			Type:      pipeline.JobPair,
			InputPath: args[0],
			Output:    output,
			Options:   opts,
		}
		res, err := root.enqueueAndWait(cmd.Context(), job)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pair written to %v (%v, %v inliers, ratio %.2f)\n",
			res.Meta["output"], res.Meta["dimensions"], res.Meta["inliers"], res.Meta["inlier_ratio"])
		return nil
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output path (default <first>_Stitched.jpg)")

	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		output   string
		settle   time.Duration
		existing bool
	)

	cmd := &cobra.Command{
		Use:   "watch <capture_directory>",
		Short: "Grow a panorama while frames are being captured",
		Long: `Watch a directory and stitch every new image into the panorama as soon as the
file stops changing. The panorama is rewritten after each successful merge.
Stop with Ctrl-C.`,
		Args: cobra.ExactArgs(1),
	}
	sf := bindStitchFlags(cmd, root.cfg.Stitch)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return root.watch(cmd.Context(), cmd.OutOrStdout(), watchRequest{
			dir:      args[0],
			output:   output,
			settle:   settle,
			existing: existing,
			cfg:      sf.cfg,
		})
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output path (default <dir>_Stitched.jpg)")
	cmd.Flags().DurationVar(&settle, "settle", tasks.DefaultSettle, "how long a file must be unchanged before it is stitched")
	cmd.Flags().BoolVar(&existing, "existing", false, "stitch frames already in the directory first")

	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var httpAddr, grpcAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC job servers",
		Long: `Serve the job API over HTTP (REST, server-sent events and websocket) and gRPC.
When mqtt.broker is configured every job result is also published over MQTT.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.serveFn(cmd.Context(), httpAddr, grpcAddr)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", root.cfg.Server.HTTPAddr, "HTTP listen address")
	cmd.Flags().StringVar(&grpcAddr, "grpc", root.cfg.Server.GRPCAddr, "gRPC listen address")

	return cmd
}

func newSubmitCmd(root *Root) *cobra.Command {
	var (
		addr   string
		output string
		wait   bool
	)

	cmd := &cobra.Command{
		Use:   "submit <input_directory | first_image second_image>",
		Short: "Submit a job to a running aviary server",
		Long: `Submit a panoramic job (one directory) or a pair job (two images) to a server
started with "aviary serve". Paths are sent as absolute paths.`,
		Args: cobra.RangeArgs(1, 2),
	}
	sf := bindStitchFlags(cmd, root.cfg.Stitch)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		req := pipeline.Request{Type: string(pipeline.JobPanoramic), Options: sf.options(cmd)}
		paths := make([]string, len(args))
		for i, a := range args {
			abs, err := filepath.Abs(a)
			if err != nil {
				return err
			}
			paths[i] = abs
		}
		req.Input = paths[0]
		if len(paths) == 2 {
			req.Type = string(pipeline.JobPair)
			req.Second = paths[1]
		}
		if output != "" {
			abs, err := filepath.Abs(output)
			if err != nil {
				return err
			}
			req.Output = abs
		}

		client, err := root.dialFn(addr)
		if err != nil {
			return err
		}
		defer client.Close()

		ctx := cmd.Context()
		id, err := client.Submit(ctx, req)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, id)
		if !wait {
			return nil
		}

		ev, err := client.Wait(ctx, id)
		if err != nil {
			return err
		}
		if ev.Status != "completed" {
			return fmt.Errorf("job %s %s: %s", id, ev.Status, ev.Error)
		}
		fmt.Fprintf(out, "%s completed: %s\n", id, ev.Output)
		return nil
	}

	cmd.Flags().StringVar(&addr, "addr", grpcTarget(root.cfg.Server.GRPCAddr), "server gRPC address")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the job to finish")

	return cmd
}

// grpcTarget turns a listen address like ":9090" into a dialable one.
func grpcTarget(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "localhost" + listen
	}
	return listen
}

func newJobsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs [job_id]",
		Short: "List recent jobs, or show the steps of one job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return errors.New("job database not available")
			}
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				job, err := root.store.Job(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s %s %s\n  input:  %s\n  output: %s\n", job.ID, job.JobType, job.Status, job.InputPath, job.OutputPath)
				if job.Error != "" {
					fmt.Fprintf(out, "  error:  %s\n", job.Error)
				}
				root.printJobSteps(out, job.ID)
				return nil
			}
			jobs, err := root.store.RecentJobs(limit)
			if err != nil {
				return err
			}
			return printJobs(out, jobs)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of jobs to list")

	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := yaml.Marshal(root.cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# %s\n", config.Path())
			_, err = out.Write(data)
			return err
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "aviary %s (%s)\n", Version, runtime.Version())
		},
	}
}
