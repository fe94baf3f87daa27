package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration. Zero values in the YAML file keep the defaults.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Detectors DetectorsConfig `yaml:"detectors"`
	Merge     MergeConfig     `yaml:"merge"`
	Risk      RiskConfig      `yaml:"risk"`
	Tiers     TiersConfig     `yaml:"tiers"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Capture   CaptureConfig   `yaml:"capture"`
}

type ServerConfig struct {
	Addr              string `yaml:"addr"`
	ReadTimeoutS      int    `yaml:"read_timeout_s"`
	WriteTimeoutS     int    `yaml:"write_timeout_s"`
	MaxUploadMB       int    `yaml:"max_upload_mb"`
	FramesPerSecond   int    `yaml:"frames_per_second"` // per stream, enforced at the HTTP layer
	FrameBurstSeconds int    `yaml:"frame_burst_s"`
}

// RuntimeConfig locates the ONNX Runtime shared library and sizes the session pool
type RuntimeConfig struct {
	LibraryPath string `yaml:"library_path"`
	PoolSize    int    `yaml:"pool_size"`
}

type DetectorsConfig struct {
	Face       FaceConfig       `yaml:"face"`
	Silhouette SilhouetteConfig `yaml:"silhouette"`
	Classifier ClassifierConfig `yaml:"classifier"`
}

type FaceConfig struct {
	Enabled      bool    `yaml:"enabled"`
	CascadePath  string  `yaml:"cascade_path"`
	MinSize      int     `yaml:"min_size"`
	MaxSize      int     `yaml:"max_size"`
	ShiftFactor  float64 `yaml:"shift_factor"`
	ScaleFactor  float64 `yaml:"scale_factor"`
	MinQuality   float32 `yaml:"min_quality"`
	ClusterIoU   float64 `yaml:"cluster_iou"`
	QualityScale float32 `yaml:"quality_scale"` // quality q maps to confidence q/(q+QualityScale)
}

type SilhouetteConfig struct {
	Enabled       bool    `yaml:"enabled"`
	MaxSide       int     `yaml:"max_side"`       // working resolution
	BlurSigma     float64 `yaml:"blur_sigma"`     // applied before thresholding
	DarknessSigma float64 `yaml:"darkness_sigma"` // pixel is foreground if lum < mean - DarknessSigma*stddev
	MinContrast   float64 `yaml:"min_contrast"`   // stddev below this means a featureless image
	MinPixels     int     `yaml:"min_pixels"`     // smallest component, at working resolution
	MaxConfidence float32 `yaml:"max_confidence"`
}

type ClassifierConfig struct {
	Enabled         bool    `yaml:"enabled"`
	ModelPath       string  `yaml:"model_path"`
	InputWidth      int     `yaml:"input_width"`
	InputHeight     int     `yaml:"input_height"`
	InputName       string  `yaml:"input_name"`
	OutputName      string  `yaml:"output_name"`
	ConfidenceFloor float32 `yaml:"confidence_floor"` // primary tier succeeds on an estimate above this
}

type MergeConfig struct {
	IoUThreshold        float64 `yaml:"iou_threshold"`
	BothConfidentMargin float32 `yaml:"both_confident_margin"`
	MinConfidence       float32 `yaml:"min_confidence"`
	MinArea             int     `yaml:"min_area"`
	MaxAreaFraction     float64 `yaml:"max_area_fraction"`
	MinAspect           float64 `yaml:"min_aspect"`
	MaxAspect           float64 `yaml:"max_aspect"`
	BorderTolerance     int     `yaml:"border_tolerance"`
	BorderConfidence    float32 `yaml:"border_confidence"`
}

type RiskConfig struct {
	HighPeopleCount  int     `yaml:"high_people_count"` // factor raised when people > this
	CrowdedMin       int     `yaml:"crowded_min"`
	PixelsPerPerson  int     `yaml:"pixels_per_person"` // reference area for density
	HighDensity      float64 `yaml:"high_density"`
	HighConfidence   float64 `yaml:"high_confidence"`
	MinFactors       int     `yaml:"min_factors"`
	ChaosMinHistory  int     `yaml:"chaos_min_history"`
	ChaosMinSwing    float64 `yaml:"chaos_min_swing"`
	ChaosSigma       float64 `yaml:"chaos_sigma"`
	MotionChaos      float64 `yaml:"motion_chaos"`
	MotionNormalizer float64 `yaml:"motion_normalizer"`
}

type TiersConfig struct {
	PrimaryTimeoutMS  int `yaml:"primary_timeout_ms"`
	FallbackTimeoutMS int `yaml:"fallback_timeout_ms"`
	DemoMaxPeople     int `yaml:"demo_max_people"`
}

type AnalysisConfig struct {
	Workers        int `yaml:"workers"`
	PollAttempts   int `yaml:"poll_attempts"`
	PollIntervalMS int `yaml:"poll_interval_ms"`
	JobDeadlineS   int `yaml:"job_deadline_s"`
	ResultTTLS     int `yaml:"result_ttl_s"`
	HistorySize    int `yaml:"history_size"`
	MinImageSide   int `yaml:"min_image_side"`
	MaxImageSide   int `yaml:"max_image_side"`
	StreamQueue    int `yaml:"stream_queue"`
}

type MQTTConfig struct {
	Broker   string     `yaml:"broker"`
	ClientID string     `yaml:"client_id"`
	QoS      byte       `yaml:"qos"`
	Format   string     `yaml:"format"` // json or msgpack
	Topics   MQTTTopics `yaml:"topics"`
}

type MQTTTopics struct {
	Verdicts string `yaml:"verdicts"` // %s is replaced by the stream handle
	Alerts   string `yaml:"alerts"`
}

type CaptureConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Dir         string `yaml:"dir"`
	JPEGQuality int    `yaml:"jpeg_quality"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              "127.0.0.1:8080",
			ReadTimeoutS:      60,
			WriteTimeoutS:     60,
			MaxUploadMB:       10,
			FramesPerSecond:   2,
			FrameBurstSeconds: 5,
		},
		Runtime: RuntimeConfig{
			PoolSize: 4,
		},
		Detectors: DetectorsConfig{
			Face: FaceConfig{
				Enabled:      true,
				CascadePath:  "",
				MinSize:      20,
				MaxSize:      1000,
				ShiftFactor:  0.1,
				ScaleFactor:  1.1,
				MinQuality:   5,
				ClusterIoU:   0.2,
				QualityScale: 5,
			},
			Silhouette: SilhouetteConfig{
				Enabled:       true,
				MaxSide:       320,
				BlurSigma:     1.5,
				DarknessSigma: 1.0,
				MinContrast:   8,
				MinPixels:     40,
				MaxConfidence: 0.7,
			},
			Classifier: ClassifierConfig{
				Enabled:         false,
				ModelPath:       "models/crowd_classifier.onnx",
				InputWidth:      224,
				InputHeight:     224,
				InputName:       "input",
				OutputName:      "output",
				ConfidenceFloor: 0.6,
			},
		},
		Merge: MergeConfig{
			IoUThreshold:        0.4,
			BothConfidentMargin: 0.8,
			MinConfidence:       0.3,
			MinArea:             900,
			MaxAreaFraction:     0.6,
			MinAspect:           1.2,
			MaxAspect:           5.0,
			BorderTolerance:     5,
			BorderConfidence:    0.9,
		},
		Risk: RiskConfig{
			HighPeopleCount:  15,
			CrowdedMin:       6,
			PixelsPerPerson:  10000,
			HighDensity:      0.6,
			HighConfidence:   0.8,
			MinFactors:       2,
			ChaosMinHistory:  3,
			ChaosMinSwing:    5,
			ChaosSigma:       2,
			MotionChaos:      0.5,
			MotionNormalizer: 25,
		},
		Tiers: TiersConfig{
			PrimaryTimeoutMS:  5000,
			FallbackTimeoutMS: 3000,
			DemoMaxPeople:     5,
		},
		Analysis: AnalysisConfig{
			Workers:        4,
			PollAttempts:   30,
			PollIntervalMS: 1000,
			JobDeadlineS:   30,
			ResultTTLS:     300,
			HistorySize:    16,
			MinImageSide:   32,
			MaxImageSide:   8000,
			StreamQueue:    1,
		},
		MQTT: MQTTConfig{
			ClientID: "crowd-safety",
			QoS:      1,
			Format:   "json",
			Topics: MQTTTopics{
				Verdicts: "crowd/streams/%s/verdicts",
				Alerts:   "crowd/alerts",
			},
		},
		Capture: CaptureConfig{
			Dir:         "active_learning",
			JPEGQuality: 85,
		},
	}
}

// Load reads a YAML file over the defaults, applies environment overrides, and validates.
// An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if os.Getenv("DEBUG") == "true" {
		c.Debug = true
	}
	if v := os.Getenv("CROWD_ONNXRUNTIME_LIB"); v != "" {
		c.Runtime.LibraryPath = v
	}
	if v := os.Getenv("CROWD_MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.Merge.IoUThreshold <= 0 || c.Merge.IoUThreshold > 1 {
		errs = append(errs, fmt.Errorf("merge.iou_threshold must be in (0,1], got %v", c.Merge.IoUThreshold))
	}
	if c.Merge.MinAspect > c.Merge.MaxAspect {
		errs = append(errs, fmt.Errorf("merge.min_aspect (%v) exceeds merge.max_aspect (%v)", c.Merge.MinAspect, c.Merge.MaxAspect))
	}
	if c.Merge.MaxAreaFraction <= 0 || c.Merge.MaxAreaFraction > 1 {
		errs = append(errs, fmt.Errorf("merge.max_area_fraction must be in (0,1], got %v", c.Merge.MaxAreaFraction))
	}
	if c.Risk.MinFactors < 1 || c.Risk.MinFactors > 4 {
		errs = append(errs, fmt.Errorf("risk.min_factors must be between 1 and 4, got %v", c.Risk.MinFactors))
	}
	if c.Risk.CrowdedMin > c.Risk.HighPeopleCount {
		errs = append(errs, fmt.Errorf("risk.crowded_min (%v) exceeds risk.high_people_count (%v)", c.Risk.CrowdedMin, c.Risk.HighPeopleCount))
	}
	if c.Risk.PixelsPerPerson <= 0 {
		errs = append(errs, errors.New("risk.pixels_per_person must be positive"))
	}
	if c.Analysis.Workers <= 0 {
		errs = append(errs, errors.New("analysis.workers must be positive"))
	}
	if c.Analysis.HistorySize <= 0 {
		errs = append(errs, errors.New("analysis.history_size must be positive"))
	}
	if c.Analysis.MinImageSide > c.Analysis.MaxImageSide {
		errs = append(errs, errors.New("analysis.min_image_side exceeds analysis.max_image_side"))
	}
	switch c.MQTT.Format {
	case "json", "msgpack":
	default:
		errs = append(errs, fmt.Errorf("mqtt.format must be json or msgpack, got %q", c.MQTT.Format))
	}
	return errors.Join(errs...)
}

func (t TiersConfig) PrimaryTimeout() time.Duration {
	return time.Duration(t.PrimaryTimeoutMS) * time.Millisecond
}

func (t TiersConfig) FallbackTimeout() time.Duration {
	return time.Duration(t.FallbackTimeoutMS) * time.Millisecond
}

func (a AnalysisConfig) PollInterval() time.Duration {
	return time.Duration(a.PollIntervalMS) * time.Millisecond
}

func (a AnalysisConfig) JobDeadline() time.Duration {
	return time.Duration(a.JobDeadlineS) * time.Second
}

func (a AnalysisConfig) ResultTTL() time.Duration {
	return time.Duration(a.ResultTTLS) * time.Second
}
