package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"

	"slopewatch/pkg/engine"
	"slopewatch/pkg/export"
	"slopewatch/pkg/ingest"
)

const (
	// DefaultNamespace and DefaultConfigMapName locate the in-cluster config.
	DefaultNamespace     = "slopewatch-system"
	DefaultConfigMapName = "slopewatch-config"

	// configMapFileKey holds a complete YAML document inside the ConfigMap.
	configMapFileKey = "config.yaml"
)

// SensorConfig describes one sensor file. Zero values inherit the global
// settings.
type SensorConfig struct {
	// ID names the sensor. Empty means the file name without extension.
	ID   string `json:"id,omitempty"`
	File string `json:"file"`

	TimeColumn  string `json:"timeColumn,omitempty"`
	ValueColumn string `json:"valueColumn,omitempty"`

	SmoothingWindow int `json:"smoothingWindow,omitempty"`
	VelocityWindow  int `json:"velocityWindow,omitempty"`
}

// MergeGroup is one family of vendor CSV drops merged into a single file.
type MergeGroup struct {
	Name     string   `json:"name"`
	InputDir string   `json:"inputDir"`
	Output   string   `json:"output"`
	Patterns []string `json:"patterns"`
	// Ledger lists the files already merged.
	Ledger string `json:"ledger"`
}

// MergeConfig configures the CSV merge utility.
type MergeConfig struct {
	Groups     []MergeGroup    `json:"groups"`
	StatusFile string          `json:"statusFile"`
	Interval   metav1.Duration `json:"interval"`
	TimeColumn string          `json:"timeColumn"`
}

// Config holds all configurable parameters.
// Values are loaded from a YAML file, a ConfigMap and environment variables,
// in that order of increasing precedence.
type Config struct {
	Sensors []SensorConfig `json:"sensors"`

	// SmoothingWindow (SW) is the number of raw samples per smoothed value.
	SmoothingWindow int `json:"smoothingWindow"`

	// VelocityWindow (VW) is the number of smoothed samples per velocity fit.
	VelocityWindow int `json:"velocityWindow"`

	// SmoothingMethod is "mean" or "median".
	SmoothingMethod string `json:"smoothingMethod"`

	// OnsetCriterion is "inverse-velocity-decline" or "velocity-threshold".
	OnsetCriterion string `json:"onsetCriterion"`

	// OnsetSustainSpan is the number of consecutive iterations the criterion
	// must hold.
	OnsetSustainSpan int `json:"onsetSustainSpan"`

	// OnsetVelocityThreshold is used by the velocity-threshold criterion.
	OnsetVelocityThreshold float64 `json:"onsetVelocityThreshold"`

	// OnsetMinDecline is the relative inverse-velocity drop counted as decline.
	OnsetMinDecline float64 `json:"onsetMinDecline"`

	// OnsetNoiseWindow is the number of raw differences in the noise estimate.
	OnsetNoiseWindow int `json:"onsetNoiseWindow"`

	// OnsetNoiseRatio is the velocity-to-noise ratio a decline must exceed
	// (0 = no noise floor).
	OnsetNoiseRatio float64 `json:"onsetNoiseRatio"`

	// FitWindow is the predictor window (0 = velocityWindow).
	FitWindow int `json:"fitWindow"`

	// TrendTolerance is the minimum negative slope for a convergent forecast.
	TrendTolerance float64 `json:"trendTolerance"`

	// SkipPolicy is "no-slot" or "consume-slot".
	SkipPolicy string `json:"skipPolicy"`

	// TimeColumn is the default timestamp header of sensor files.
	TimeColumn string `json:"timeColumn"`

	// ZeroAsMissing treats exact zeros as missing readings.
	ZeroAsMissing bool `json:"zeroAsMissing"`

	CSVDumpEnabled bool   `json:"csvDumpEnabled"`
	CSVOutputPath  string `json:"csvOutputPath"`

	PlotsEnabled   bool   `json:"plotsEnabled"`
	PlotOutputPath string `json:"plotOutputPath"`

	// ConfigMapExport publishes run state to ConfigMaps in ExportNamespace.
	ConfigMapExport bool   `json:"configMapExport"`
	ExportNamespace string `json:"exportNamespace"`

	// PollInterval is the delay between batches in watch mode.
	PollInterval metav1.Duration `json:"pollInterval"`

	// Parallelism bounds the number of sensors processed concurrently.
	Parallelism int `json:"parallelism"`

	// HealthPort serves /healthz, /readyz and /metrics in watch mode (0 = off).
	HealthPort int `json:"healthPort"`

	Merge MergeConfig `json:"merge"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		SmoothingWindow:  3,
		VelocityWindow:   5,
		SmoothingMethod:  string(engine.SmoothingMean),
		OnsetCriterion:   string(engine.CriterionInverseVelocityDecline),
		OnsetSustainSpan: 3,
		OnsetMinDecline:  1e-9,
		OnsetNoiseWindow: 20,
		OnsetNoiseRatio:  2,
		TrendTolerance:   1e-9,
		SkipPolicy:       string(engine.SkipNoSlot),
		TimeColumn:       ingest.DefaultTimeColumn,
		CSVDumpEnabled:   true,
		CSVOutputPath:    "output",
		PlotsEnabled:     false,
		PlotOutputPath:   "plots",
		ExportNamespace:  DefaultNamespace,
		PollInterval:     metav1.Duration{Duration: 4 * time.Hour},
		Parallelism:      4,
		HealthPort:       8082,
		Merge: MergeConfig{
			Groups: []MergeGroup{
				{
					Name:     "tilt",
					InputDir: ".",
					Output:   "tilt_meter_merged_data.csv",
					Patterns: []string{"DG1", "DG2", "DG3"},
					Ledger:   "processed_files_tilt.txt",
				},
				{
					Name:     "crack",
					InputDir: ".",
					Output:   "crack_meter_merged_data.csv",
					Patterns: []string{"CM01", "CM02", "CM03", "CM04"},
					Ledger:   "processed_files_crack.txt",
				},
			},
			StatusFile: "merge_status.txt",
			Interval:   metav1.Duration{Duration: 120 * time.Minute},
			TimeColumn: ingest.DefaultTimeColumn,
		},
	}
}

// LoadOptions selects the configuration sources.
type LoadOptions struct {
	// File is an optional YAML file.
	File string
	// Client enables the ConfigMap source when non-nil.
	Client        kubernetes.Interface
	Namespace     string
	ConfigMapName string
}

// Load builds the configuration from defaults, the YAML file, the ConfigMap
// and the environment, then validates and logs it.
func Load(ctx context.Context, opts LoadOptions) (*Config, error) {
	config := DefaultConfig()

	if opts.File != "" {
		if err := config.loadFromFile(opts.File); err != nil {
			return nil, err
		}
		klog.InfoS("Loaded configuration from file", "path", opts.File)
	}

	if opts.Client != nil {
		namespace, name := opts.Namespace, opts.ConfigMapName
		if namespace == "" {
			namespace = DefaultNamespace
		}
		if name == "" {
			name = DefaultConfigMapName
		}
		cm, err := opts.Client.CoreV1().ConfigMaps(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			klog.V(2).InfoS("ConfigMap not found, using file and environment values", "error", err)
		} else if err := config.loadFromConfigMap(cm); err != nil {
			return nil, fmt.Errorf("load ConfigMap %s/%s: %w", namespace, name, err)
		} else {
			klog.InfoS("Loaded configuration from ConfigMap", "namespace", namespace, "name", name)
		}
	}

	config.loadFromEnvironment()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	config.Log()
	return config, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// loadFromConfigMap applies a full YAML document under config.yaml, then
// individual keys.
func (c *Config) loadFromConfigMap(cm *corev1.ConfigMap) error {
	if cm.Data == nil {
		return fmt.Errorf("ConfigMap data is nil")
	}
	data := cm.Data

	if doc, ok := data[configMapFileKey]; ok && doc != "" {
		if err := yaml.UnmarshalStrict([]byte(doc), c); err != nil {
			return fmt.Errorf("invalid %s: %w", configMapFileKey, err)
		}
	}

	ints := map[string]*int{
		"smoothingWindow":  &c.SmoothingWindow,
		"velocityWindow":   &c.VelocityWindow,
		"onsetSustainSpan": &c.OnsetSustainSpan,
		"onsetNoiseWindow": &c.OnsetNoiseWindow,
		"fitWindow":        &c.FitWindow,
		"parallelism":      &c.Parallelism,
		"healthPort":       &c.HealthPort,
	}
	for key, dst := range ints {
		if val, ok := data[key]; ok && val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = i
		}
	}

	floats := map[string]*float64{
		"onsetVelocityThreshold": &c.OnsetVelocityThreshold,
		"onsetMinDecline":        &c.OnsetMinDecline,
		"onsetNoiseRatio":        &c.OnsetNoiseRatio,
		"trendTolerance":         &c.TrendTolerance,
	}
	for key, dst := range floats {
		if val, ok := data[key]; ok && val != "" {
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = f
		}
	}

	bools := map[string]*bool{
		"zeroAsMissing":   &c.ZeroAsMissing,
		"csvDumpEnabled":  &c.CSVDumpEnabled,
		"plotsEnabled":    &c.PlotsEnabled,
		"configMapExport": &c.ConfigMapExport,
	}
	for key, dst := range bools {
		if val, ok := data[key]; ok && val != "" {
			b, err := strconv.ParseBool(val)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = b
		}
	}

	strs := map[string]*string{
		"smoothingMethod": &c.SmoothingMethod,
		"onsetCriterion":  &c.OnsetCriterion,
		"skipPolicy":      &c.SkipPolicy,
		"timeColumn":      &c.TimeColumn,
		"csvOutputPath":   &c.CSVOutputPath,
		"plotOutputPath":  &c.PlotOutputPath,
		"exportNamespace": &c.ExportNamespace,
	}
	for key, dst := range strs {
		if val, ok := data[key]; ok && val != "" {
			*dst = val
		}
	}

	if val, ok := data["pollInterval"]; ok && val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid pollInterval: %w", err)
		}
		c.PollInterval.Duration = d
	}
	return nil
}

// loadFromEnvironment overrides values from SLOPEWATCH_* variables.
// Unparseable values are ignored.
func (c *Config) loadFromEnvironment() {
	// SLOPEWATCH_SMOOTHING_WINDOW
	if val := os.Getenv("SLOPEWATCH_SMOOTHING_WINDOW"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.SmoothingWindow = i
			klog.V(2).InfoS("Loaded SmoothingWindow from environment", "value", c.SmoothingWindow)
		}
	}

	// SLOPEWATCH_VELOCITY_WINDOW
	if val := os.Getenv("SLOPEWATCH_VELOCITY_WINDOW"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.VelocityWindow = i
			klog.V(2).InfoS("Loaded VelocityWindow from environment", "value", c.VelocityWindow)
		}
	}

	// SLOPEWATCH_SMOOTHING_METHOD
	if val := os.Getenv("SLOPEWATCH_SMOOTHING_METHOD"); val != "" {
		c.SmoothingMethod = val
		klog.V(2).InfoS("Loaded SmoothingMethod from environment", "value", c.SmoothingMethod)
	}

	// SLOPEWATCH_ONSET_CRITERION
	if val := os.Getenv("SLOPEWATCH_ONSET_CRITERION"); val != "" {
		c.OnsetCriterion = val
		klog.V(2).InfoS("Loaded OnsetCriterion from environment", "value", c.OnsetCriterion)
	}

	// SLOPEWATCH_ONSET_SUSTAIN_SPAN
	if val := os.Getenv("SLOPEWATCH_ONSET_SUSTAIN_SPAN"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.OnsetSustainSpan = i
			klog.V(2).InfoS("Loaded OnsetSustainSpan from environment", "value", c.OnsetSustainSpan)
		}
	}

	// SLOPEWATCH_ONSET_VELOCITY_THRESHOLD
	if val := os.Getenv("SLOPEWATCH_ONSET_VELOCITY_THRESHOLD"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			c.OnsetVelocityThreshold = f
			klog.V(2).InfoS("Loaded OnsetVelocityThreshold from environment", "value", c.OnsetVelocityThreshold)
		}
	}

	// SLOPEWATCH_ONSET_NOISE_RATIO
	if val := os.Getenv("SLOPEWATCH_ONSET_NOISE_RATIO"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			c.OnsetNoiseRatio = f
			klog.V(2).InfoS("Loaded OnsetNoiseRatio from environment", "value", c.OnsetNoiseRatio)
		}
	}

	// SLOPEWATCH_SKIP_POLICY
	if val := os.Getenv("SLOPEWATCH_SKIP_POLICY"); val != "" {
		c.SkipPolicy = val
		klog.V(2).InfoS("Loaded SkipPolicy from environment", "value", c.SkipPolicy)
	}

	// SLOPEWATCH_CSV_OUTPUT_PATH
	if val := os.Getenv("SLOPEWATCH_CSV_OUTPUT_PATH"); val != "" {
		c.CSVOutputPath = val
		klog.V(2).InfoS("Loaded CSVOutputPath from environment", "value", c.CSVOutputPath)
	}

	// SLOPEWATCH_PLOTS_ENABLED
	if val := os.Getenv("SLOPEWATCH_PLOTS_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.PlotsEnabled = b
			klog.V(2).InfoS("Loaded PlotsEnabled from environment", "value", c.PlotsEnabled)
		}
	}

	// SLOPEWATCH_POLL_INTERVAL
	if val := os.Getenv("SLOPEWATCH_POLL_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.PollInterval.Duration = d
			klog.V(2).InfoS("Loaded PollInterval from environment", "value", d)
		}
	}

	// SLOPEWATCH_PARALLELISM
	if val := os.Getenv("SLOPEWATCH_PARALLELISM"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Parallelism = i
			klog.V(2).InfoS("Loaded Parallelism from environment", "value", c.Parallelism)
		}
	}

	// SLOPEWATCH_CONFIGMAP_EXPORT
	if val := os.Getenv("SLOPEWATCH_CONFIGMAP_EXPORT"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.ConfigMapExport = b
			klog.V(2).InfoS("Loaded ConfigMapExport from environment", "value", c.ConfigMapExport)
		}
	}

	// SLOPEWATCH_EXPORT_NAMESPACE
	if val := os.Getenv("SLOPEWATCH_EXPORT_NAMESPACE"); val != "" {
		c.ExportNamespace = val
	}
}

// Validate validates the configuration values. The engine-level settings are
// checked by building an engine config for every sensor.
func (c *Config) Validate() error {
	if c.PollInterval.Duration <= 0 {
		return fmt.Errorf("pollInterval must be > 0, got %v", c.PollInterval.Duration)
	}
	if c.Parallelism < 1 {
		return fmt.Errorf("parallelism must be >= 1, got %d", c.Parallelism)
	}
	if c.HealthPort < 0 || c.HealthPort > 65535 {
		return fmt.Errorf("healthPort must be in [0, 65535], got %d", c.HealthPort)
	}
	if c.CSVDumpEnabled && c.CSVOutputPath == "" {
		return fmt.Errorf("csvOutputPath cannot be empty when csvDumpEnabled is set")
	}
	if c.PlotsEnabled && c.PlotOutputPath == "" {
		return fmt.Errorf("plotOutputPath cannot be empty when plotsEnabled is set")
	}
	if c.ConfigMapExport && c.ExportNamespace == "" {
		return fmt.Errorf("exportNamespace cannot be empty when configMapExport is set")
	}

	if c.Merge.Interval.Duration <= 0 {
		return fmt.Errorf("merge.interval must be > 0, got %v", c.Merge.Interval.Duration)
	}
	for i, g := range c.Merge.Groups {
		if g.Name == "" || g.Output == "" || g.Ledger == "" {
			return fmt.Errorf("merge.groups[%d]: name, output and ledger are required", i)
		}
		if len(g.Patterns) == 0 {
			return fmt.Errorf("merge.groups[%d]: patterns cannot be empty", i)
		}
	}

	if err := c.EngineConfig(SensorConfig{ID: "default"}, 0).Validate(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Sensors))
	configMaps := make(map[string]string, len(c.Sensors))
	for i, s := range c.Sensors {
		if s.File == "" {
			return fmt.Errorf("sensors[%d]: file cannot be empty", i)
		}
		id := s.SensorID()
		if seen[id] {
			return fmt.Errorf("sensors[%d]: duplicate sensor id %q", i, id)
		}
		seen[id] = true
		if c.ConfigMapExport {
			name, err := export.ConfigMapName(id)
			if err != nil {
				return fmt.Errorf("sensors[%d]: %w", i, err)
			}
			if other, ok := configMaps[name]; ok {
				return fmt.Errorf("sensors[%d]: sensor id %q maps to ConfigMap %s already used by %q", i, id, name, other)
			}
			configMaps[name] = id
		}
		if err := c.EngineConfig(s, 0).Validate(); err != nil {
			return fmt.Errorf("sensor %s: %w", id, err)
		}
	}
	return nil
}

// Log logs the current configuration values.
func (c *Config) Log() {
	klog.InfoS("Slopewatch configuration",
		"sensors", len(c.Sensors),
		"smoothingWindow", c.SmoothingWindow,
		"velocityWindow", c.VelocityWindow,
		"smoothingMethod", c.SmoothingMethod,
		"onsetCriterion", c.OnsetCriterion,
		"onsetSustainSpan", c.OnsetSustainSpan,
		"onsetNoiseRatio", c.OnsetNoiseRatio,
		"fitWindow", c.FitWindow,
		"skipPolicy", c.SkipPolicy,
		"csvDumpEnabled", c.CSVDumpEnabled,
		"csvOutputPath", c.CSVOutputPath,
		"plotsEnabled", c.PlotsEnabled,
		"configMapExport", c.ConfigMapExport,
		"pollInterval", c.PollInterval.Duration,
		"parallelism", c.Parallelism)
}

// SensorID returns the configured ID or the file name without extension.
func (s SensorConfig) SensorID() string {
	if s.ID != "" {
		return s.ID
	}
	base := filepath.Base(s.File)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// EngineConfig resolves the immutable engine configuration of one sensor.
func (c *Config) EngineConfig(s SensorConfig, expectedRows int) engine.Config {
	cfg := engine.Config{
		SensorID:        s.SensorID(),
		SmoothingWindow: c.SmoothingWindow,
		VelocityWindow:  c.VelocityWindow,
		ExpectedRows:    expectedRows,
		SmoothingMethod: engine.SmoothingMethod(c.SmoothingMethod),
		Onset: engine.OnsetConfig{
			Criterion:         engine.Criterion(c.OnsetCriterion),
			SustainSpan:       c.OnsetSustainSpan,
			VelocityThreshold: c.OnsetVelocityThreshold,
			MinDecline:        c.OnsetMinDecline,
			NoiseWindow:       c.OnsetNoiseWindow,
			NoiseRatio:        c.OnsetNoiseRatio,
		},
		FitWindow:      c.FitWindow,
		TrendTolerance: c.TrendTolerance,
		SkipPolicy:     engine.SkipPolicy(c.SkipPolicy),
	}
	if s.SmoothingWindow > 0 {
		cfg.SmoothingWindow = s.SmoothingWindow
	}
	if s.VelocityWindow > 0 {
		cfg.VelocityWindow = s.VelocityWindow
	}
	return cfg
}

// CSVOptions resolves the reader options of one sensor.
func (c *Config) CSVOptions(s SensorConfig) ingest.CSVOptions {
	opts := ingest.CSVOptions{
		TimeColumn:    c.TimeColumn,
		ValueColumn:   s.ValueColumn,
		ZeroAsMissing: c.ZeroAsMissing,
	}
	if s.TimeColumn != "" {
		opts.TimeColumn = s.TimeColumn
	}
	return opts
}
