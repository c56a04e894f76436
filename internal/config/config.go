package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"aviary/internal/stitch"
)

const (
	defaultConfigPath = "~/.config/aviary/config.json"
	defaultParallel   = 2
)

// EnvConfigPath names the environment variable that overrides the config location.
const EnvConfigPath = "AVIARY_CONFIG"

// Config holds user-editable settings.
type Config struct {
	Processing Processing   `json:"processing" yaml:"processing"`
	Logging    Logging      `json:"logging" yaml:"logging"`
	Paths      Paths        `json:"paths" yaml:"paths"`
	Stitch     StitchConfig `json:"stitch" yaml:"stitch"`
	Server     Server       `json:"server" yaml:"server"`
	MQTT       MQTT         `json:"mqtt" yaml:"mqtt"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int `json:"parallel_jobs" yaml:"parallel_jobs"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`           // text, json
	FileOutput bool   `json:"file_output" yaml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" yaml:"log_dir"`
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultOutput string `json:"default_output" yaml:"default_output"`
	DatabasePath  string `json:"database_path" yaml:"database_path"`
}

// StitchConfig holds the pairwise pipeline and fold parameters.
type StitchConfig struct {
	Detector   DetectorConfig   `json:"detector" yaml:"detector"`
	Matcher    MatcherConfig    `json:"matcher" yaml:"matcher"`
	Ransac     RansacConfig     `json:"ransac" yaml:"ransac"`
	Compositor CompositorConfig `json:"compositor" yaml:"compositor"`

	Workers           int    `json:"workers" yaml:"workers"` // 0 uses GOMAXPROCS
	Policy            string `json:"policy" yaml:"policy"`   // skip, abort
	Order             string `json:"order" yaml:"order"`     // mtime, name
	Diagnostics       bool   `json:"diagnostics" yaml:"diagnostics"`
	Progress          bool   `json:"progress" yaml:"progress"` // write <prev>_StitchedTo_<next>.jpg
	Report            bool   `json:"report" yaml:"report"`
	KeepIntermediates bool   `json:"keep_intermediates" yaml:"keep_intermediates"`
	JPEGQuality       int    `json:"jpeg_quality" yaml:"jpeg_quality"`
}

type DetectorConfig struct {
	K           float64 `json:"k" yaml:"k"`
	Threshold   float64 `json:"threshold" yaml:"threshold"`
	Sigma       float64 `json:"sigma" yaml:"sigma"`
	Suppression int     `json:"suppression" yaml:"suppression"`
	MaxPoints   int     `json:"max_points" yaml:"max_points"`
}

type MatcherConfig struct {
	Window         int     `json:"window" yaml:"window"`
	MinCorrelation float64 `json:"min_correlation" yaml:"min_correlation"`
	MaxDistance    float64 `json:"max_distance" yaml:"max_distance"`
}

type RansacConfig struct {
	Epsilon              float64 `json:"epsilon" yaml:"epsilon"`
	Confidence           float64 `json:"confidence" yaml:"confidence"`
	MaxIterations        int     `json:"max_iterations" yaml:"max_iterations"`
	MaxDegenerateRetries int     `json:"max_degenerate_retries" yaml:"max_degenerate_retries"`
	MinInliers           int     `json:"min_inliers" yaml:"min_inliers"`
	MinInlierRatio       float64 `json:"min_inlier_ratio" yaml:"min_inlier_ratio"`
	Seed                 int64   `json:"seed" yaml:"seed"`
}

type CompositorConfig struct {
	Sampling        string   `json:"sampling" yaml:"sampling"` // bilinear, nearest
	Background      [3]uint8 `json:"background" yaml:"background"`
	MaxCanvasPixels int      `json:"max_canvas_pixels" yaml:"max_canvas_pixels"`
}

// Server configures the HTTP and gRPC listeners.
type Server struct {
	HTTPAddr string `json:"http_addr" yaml:"http_addr"`
	GRPCAddr string `json:"grpc_addr" yaml:"grpc_addr"`
}

// MQTT configures result publishing. An empty Broker disables it.
type MQTT struct {
	Broker      string `json:"broker" yaml:"broker"`
	ClientID    string `json:"client_id" yaml:"client_id"`
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password" yaml:"password"`
	TopicPrefix string `json:"topic_prefix" yaml:"topic_prefix"`
}

// Path returns the config file location Load reads from.
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads the config at path. JSON is assumed unless the extension
// is .yaml or .yml. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", expanded, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", expanded, err)
		}
	}

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	def := stitch.DefaultOptions()
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultOutput: "",
			DatabasePath:  filepath.Join(os.TempDir(), "aviary.db"),
		},
		Stitch: StitchConfig{
			Detector: DetectorConfig{
				K:           def.K,
				Threshold:   def.Threshold,
				Sigma:       def.Sigma,
				Suppression: def.Suppression,
			},
			Matcher: MatcherConfig{
				Window:         def.Window,
				MinCorrelation: def.MinCorrelation,
			},
			Ransac: RansacConfig{
				Epsilon:              def.Epsilon,
				Confidence:           def.Confidence,
				MaxIterations:        def.MaxIterations,
				MaxDegenerateRetries: def.MaxDegenerateRetries,
				MinInliers:           def.MinInliers,
				MinInlierRatio:       def.MinInlierRatio,
			},
			Compositor: CompositorConfig{
				Sampling:        "bilinear",
				MaxCanvasPixels: def.MaxCanvasPixels,
			},
			Policy:      "skip",
			Order:       "mtime",
			Progress:    true,
			JPEGQuality: 92,
		},
		Server: Server{
			HTTPAddr: ":8080",
			GRPCAddr: ":9090",
		},
		MQTT: MQTT{
			ClientID:    "aviary",
			TopicPrefix: "aviary",
		},
	}
}

// Options converts the stitch section into pipeline options.
func (s StitchConfig) Options() (stitch.Options, error) {
	sampling, err := stitch.ParseSampling(s.Compositor.Sampling)
	if err != nil {
		return stitch.Options{}, err
	}
	return stitch.Options{
		K:                    s.Detector.K,
		Threshold:            s.Detector.Threshold,
		Sigma:                s.Detector.Sigma,
		Suppression:          s.Detector.Suppression,
		MaxPoints:            s.Detector.MaxPoints,
		Window:               s.Matcher.Window,
		MinCorrelation:       s.Matcher.MinCorrelation,
		MaxDistance:          s.Matcher.MaxDistance,
		Epsilon:              s.Ransac.Epsilon,
		Confidence:           s.Ransac.Confidence,
		MaxIterations:        s.Ransac.MaxIterations,
		MaxDegenerateRetries: s.Ransac.MaxDegenerateRetries,
		MinInliers:           s.Ransac.MinInliers,
		MinInlierRatio:       s.Ransac.MinInlierRatio,
		Seed:                 s.Ransac.Seed,
		Sampling:             sampling,
		Background:           s.Compositor.Background,
		MaxCanvasPixels:      s.Compositor.MaxCanvasPixels,
		Workers:              s.Workers,
		Diagnostics:          s.Diagnostics,
	}, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Processing.ParallelJobs < 1 {
		return errors.New("processing.parallel_jobs must be at least 1")
	}
	return c.Stitch.Validate()
}

// Validate reports the first invalid stitch setting.
func (s StitchConfig) Validate() error {
	switch {
	case s.Detector.K <= 0:
		return errors.New("stitch.detector.k must be positive")
	case s.Detector.Suppression < 1:
		return errors.New("stitch.detector.suppression must be at least 1")
	case s.Detector.MaxPoints < 0:
		return errors.New("stitch.detector.max_points must not be negative")
	case s.Matcher.Window < 3 || s.Matcher.Window%2 == 0:
		return fmt.Errorf("stitch.matcher.window must be odd and at least 3, got %d", s.Matcher.Window)
	case s.Matcher.MinCorrelation < -1 || s.Matcher.MinCorrelation > 1:
		return errors.New("stitch.matcher.min_correlation must be within [-1, 1]")
	case s.Matcher.MaxDistance < 0:
		return errors.New("stitch.matcher.max_distance must not be negative")
	case s.Ransac.Epsilon <= 0:
		return errors.New("stitch.ransac.epsilon must be positive")
	case s.Ransac.Confidence <= 0 || s.Ransac.Confidence >= 1:
		return errors.New("stitch.ransac.confidence must be within (0, 1)")
	case s.Ransac.MaxIterations < 1:
		return errors.New("stitch.ransac.max_iterations must be at least 1")
	case s.Ransac.MaxDegenerateRetries < 1:
		return errors.New("stitch.ransac.max_degenerate_retries must be at least 1")
	case s.Ransac.MinInliers < 5:
		return errors.New("stitch.ransac.min_inliers must be at least 5")
	case s.Ransac.MinInlierRatio < 0 || s.Ransac.MinInlierRatio > 1:
		return errors.New("stitch.ransac.min_inlier_ratio must be within [0, 1]")
	case s.Compositor.MaxCanvasPixels < 1:
		return errors.New("stitch.compositor.max_canvas_pixels must be positive")
	case s.JPEGQuality < 1 || s.JPEGQuality > 100:
		return errors.New("stitch.jpeg_quality must be within [1, 100]")
	}
	if _, err := stitch.ParseSampling(s.Compositor.Sampling); err != nil {
		return fmt.Errorf("stitch.compositor.sampling: %w", err)
	}
	if _, err := stitch.ParsePolicy(s.Policy); err != nil {
		return fmt.Errorf("stitch.policy: %w", err)
	}
	switch s.Order {
	case "", "mtime", "name":
	default:
		return fmt.Errorf("stitch.order: unknown order %q", s.Order)
	}
	return nil
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
