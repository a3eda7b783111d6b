package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// DefaultConfigPath is the path to the canonical elevation map defaults file.
// This is the single source of truth for all default map parameters.
const DefaultConfigPath = "config/elevation.defaults.json"

// MapConfig is the flat configuration surface consumed by the elevation map
// at construction and resize time. Every field is optional; the Get* methods
// supply the defaults for anything left unset so partial files are safe.
type MapConfig struct {
	// Grid geometry
	Length     *float64 `json:"length,omitempty"`     // extent along map x [m]
	Width      *float64 `json:"width,omitempty"`      // extent along map y [m]
	Resolution *float64 `json:"resolution,omitempty"` // cell edge [m]

	// Frames
	ParentFrameID     *string `json:"parent_frame_id,omitempty"`
	MapFrameID        *string `json:"map_frame_id,omitempty"`
	PointCloudFrameID *string `json:"point_cloud_frame_id,omitempty"` // source frame when a batch names none
	FollowFrameID     *string `json:"follow_frame_id,omitempty"`      // empty keeps the origin static

	// Sensor noise model
	SensorMaxDepth         *float64 `json:"sensor_max_depth,omitempty"`
	MinMeasurementVariance *float64 `json:"min_measurement_variance,omitempty"`
	RangeNoiseFactor       *float64 `json:"range_noise_factor,omitempty"`

	// Driver
	PublishInterval    *string `json:"publish_interval,omitempty"`    // duration string like "1s"
	TransformTolerance *string `json:"transform_tolerance,omitempty"` // duration string like "100ms"
	QueueSize          *int    `json:"queue_size,omitempty"`
}

// envOverrides mirrors MapConfig with environment variable bindings. Unset
// variables leave the corresponding pointer nil.
type envOverrides struct {
	Length                 *float64 `env:"ELEVATION_MAP_LENGTH"`
	Width                  *float64 `env:"ELEVATION_MAP_WIDTH"`
	Resolution             *float64 `env:"ELEVATION_MAP_RESOLUTION"`
	ParentFrameID          *string  `env:"ELEVATION_MAP_PARENT_FRAME_ID"`
	MapFrameID             *string  `env:"ELEVATION_MAP_MAP_FRAME_ID"`
	PointCloudFrameID      *string  `env:"ELEVATION_MAP_POINT_CLOUD_FRAME_ID"`
	FollowFrameID          *string  `env:"ELEVATION_MAP_FOLLOW_FRAME_ID"`
	SensorMaxDepth         *float64 `env:"ELEVATION_MAP_SENSOR_MAX_DEPTH"`
	MinMeasurementVariance *float64 `env:"ELEVATION_MAP_MIN_MEASUREMENT_VARIANCE"`
	RangeNoiseFactor       *float64 `env:"ELEVATION_MAP_RANGE_NOISE_FACTOR"`
	PublishInterval        *string  `env:"ELEVATION_MAP_PUBLISH_INTERVAL"`
	TransformTolerance     *string  `env:"ELEVATION_MAP_TRANSFORM_TOLERANCE"`
	QueueSize              *int     `env:"ELEVATION_MAP_QUEUE_SIZE"`
}

// EmptyMapConfig returns a MapConfig with all fields set to nil.
// Use LoadMapConfig to load actual values from a file.
func EmptyMapConfig() *MapConfig {
	return &MapConfig{}
}

// LoadMapConfig loads a MapConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
func LoadMapConfig(path string) (*MapConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyMapConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *MapConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/elevation/grid/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadMapConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// ApplyEnv overlays ELEVATION_MAP_* environment variables onto the config and
// re-validates the result. environ may be nil to read the process environment.
func (c *MapConfig) ApplyEnv(environ map[string]string) error {
	var o envOverrides
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	if o.Length != nil {
		c.Length = o.Length
	}
	if o.Width != nil {
		c.Width = o.Width
	}
	if o.Resolution != nil {
		c.Resolution = o.Resolution
	}
	if o.ParentFrameID != nil {
		c.ParentFrameID = o.ParentFrameID
	}
	if o.MapFrameID != nil {
		c.MapFrameID = o.MapFrameID
	}
	if o.PointCloudFrameID != nil {
		c.PointCloudFrameID = o.PointCloudFrameID
	}
	if o.FollowFrameID != nil {
		c.FollowFrameID = o.FollowFrameID
	}
	if o.SensorMaxDepth != nil {
		c.SensorMaxDepth = o.SensorMaxDepth
	}
	if o.MinMeasurementVariance != nil {
		c.MinMeasurementVariance = o.MinMeasurementVariance
	}
	if o.RangeNoiseFactor != nil {
		c.RangeNoiseFactor = o.RangeNoiseFactor
	}
	if o.PublishInterval != nil {
		c.PublishInterval = o.PublishInterval
	}
	if o.TransformTolerance != nil {
		c.TransformTolerance = o.TransformTolerance
	}
	if o.QueueSize != nil {
		c.QueueSize = o.QueueSize
	}

	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration after env overrides: %w", err)
	}
	return nil
}

// Validate checks that the configuration values are valid.
func (c *MapConfig) Validate() error {
	positive := []struct {
		name string
		v    *float64
	}{
		{"length", c.Length},
		{"width", c.Width},
		{"resolution", c.Resolution},
		{"sensor_max_depth", c.SensorMaxDepth},
		{"min_measurement_variance", c.MinMeasurementVariance},
	}
	for _, p := range positive {
		if p.v == nil {
			continue
		}
		if math.IsNaN(*p.v) || math.IsInf(*p.v, 0) || *p.v <= 0 {
			return fmt.Errorf("%s must be a positive finite number, got %v", p.name, *p.v)
		}
	}

	if c.RangeNoiseFactor != nil {
		if math.IsNaN(*c.RangeNoiseFactor) || math.IsInf(*c.RangeNoiseFactor, 0) || *c.RangeNoiseFactor < 0 {
			return fmt.Errorf("range_noise_factor must be non-negative, got %v", *c.RangeNoiseFactor)
		}
	}

	if c.MapFrameID != nil && *c.MapFrameID == "" {
		return fmt.Errorf("map_frame_id must not be empty")
	}
	if c.ParentFrameID != nil && *c.ParentFrameID == "" {
		return fmt.Errorf("parent_frame_id must not be empty")
	}
	if c.MapFrameID != nil && c.ParentFrameID != nil && *c.MapFrameID == *c.ParentFrameID {
		return fmt.Errorf("map_frame_id and parent_frame_id must differ, both are %q", *c.MapFrameID)
	}

	if c.PublishInterval != nil && *c.PublishInterval != "" {
		d, err := time.ParseDuration(*c.PublishInterval)
		if err != nil {
			return fmt.Errorf("invalid publish_interval '%s': %w", *c.PublishInterval, err)
		}
		if d <= 0 {
			return fmt.Errorf("publish_interval must be positive, got %v", d)
		}
	}

	if c.TransformTolerance != nil && *c.TransformTolerance != "" {
		d, err := time.ParseDuration(*c.TransformTolerance)
		if err != nil {
			return fmt.Errorf("invalid transform_tolerance '%s': %w", *c.TransformTolerance, err)
		}
		if d < 0 {
			return fmt.Errorf("transform_tolerance must be non-negative, got %v", d)
		}
	}

	if c.QueueSize != nil && *c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", *c.QueueSize)
	}

	return nil
}

// GetLength returns the length value or the default.
func (c *MapConfig) GetLength() float64 {
	if c.Length == nil {
		return 4.0
	}
	return *c.Length
}

// GetWidth returns the width value or the default.
func (c *MapConfig) GetWidth() float64 {
	if c.Width == nil {
		return 4.0
	}
	return *c.Width
}

// GetResolution returns the resolution value or the default.
func (c *MapConfig) GetResolution() float64 {
	if c.Resolution == nil {
		return 0.1
	}
	return *c.Resolution
}

// GetParentFrameID returns the parent_frame_id value or the default.
func (c *MapConfig) GetParentFrameID() string {
	if c.ParentFrameID == nil {
		return "odom"
	}
	return *c.ParentFrameID
}

// GetMapFrameID returns the map_frame_id value or the default.
func (c *MapConfig) GetMapFrameID() string {
	if c.MapFrameID == nil {
		return "elevation_map"
	}
	return *c.MapFrameID
}

// GetPointCloudFrameID returns the point_cloud_frame_id value or the default.
func (c *MapConfig) GetPointCloudFrameID() string {
	if c.PointCloudFrameID == nil {
		return "sensor"
	}
	return *c.PointCloudFrameID
}

// GetFollowFrameID returns the follow_frame_id value; empty disables following.
func (c *MapConfig) GetFollowFrameID() string {
	if c.FollowFrameID == nil {
		return ""
	}
	return *c.FollowFrameID
}

// GetSensorMaxDepth returns the sensor_max_depth value or the default.
func (c *MapConfig) GetSensorMaxDepth() float64 {
	if c.SensorMaxDepth == nil {
		return 5.0
	}
	return *c.SensorMaxDepth
}

// GetMinMeasurementVariance returns the min_measurement_variance value or the default.
func (c *MapConfig) GetMinMeasurementVariance() float64 {
	if c.MinMeasurementVariance == nil {
		return 0.0001
	}
	return *c.MinMeasurementVariance
}

// GetRangeNoiseFactor returns the range_noise_factor value or the default.
func (c *MapConfig) GetRangeNoiseFactor() float64 {
	if c.RangeNoiseFactor == nil {
		return 0.0009
	}
	return *c.RangeNoiseFactor
}

// GetPublishInterval parses and returns the PublishInterval as a time.Duration.
func (c *MapConfig) GetPublishInterval() time.Duration {
	if c.PublishInterval == nil || *c.PublishInterval == "" {
		return time.Second
	}
	d, err := time.ParseDuration(*c.PublishInterval)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}

// GetTransformTolerance parses and returns the TransformTolerance as a time.Duration.
func (c *MapConfig) GetTransformTolerance() time.Duration {
	if c.TransformTolerance == nil || *c.TransformTolerance == "" {
		return 100 * time.Millisecond
	}
	d, err := time.ParseDuration(*c.TransformTolerance)
	if err != nil || d < 0 {
		return 100 * time.Millisecond
	}
	return d
}

// GetQueueSize returns the queue_size value or the default.
func (c *MapConfig) GetQueueSize() int {
	if c.QueueSize == nil {
		return 8
	}
	return *c.QueueSize
}
