package slam

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads the configuration from a YAML file. Fields missing from the
// file keep their DefaultConfig values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	if c.Solver.MinInliers < 0 {
		return fmt.Errorf("solver.minInliers must not be negative")
	}
	if c.Solver.MaxIterations <= 0 {
		return fmt.Errorf("solver.maxIterations must be positive")
	}

	switch c.Camera.Model {
	case "perspective", "fisheye":
		if c.Camera.Fx <= 0 || c.Camera.Fy <= 0 {
			return fmt.Errorf("camera.fx and camera.fy must be positive for %s", c.Camera.Model)
		}
	case "equirectangular":
	default:
		return fmt.Errorf("camera.model must be one of perspective, fisheye, equirectangular (got %q)", c.Camera.Model)
	}
	if c.Camera.Cols <= 0 || c.Camera.Rows <= 0 {
		return fmt.Errorf("camera.cols and camera.rows must be positive")
	}
	if len(c.Camera.Distortion) > 4 {
		return fmt.Errorf("camera.distortion takes at most 4 coefficients")
	}

	if c.Pyramid.Levels < 1 {
		return fmt.Errorf("pyramid.levels must be at least 1")
	}
	if c.Pyramid.ScaleFactor <= 1 {
		return fmt.Errorf("pyramid.scaleFactor must be greater than 1")
	}

	if c.Simulation.Keyframes < 2 {
		return fmt.Errorf("simulation.keyframes must be at least 2")
	}
	if c.Simulation.Revisit < 0 || c.Simulation.Revisit >= c.Simulation.Keyframes {
		return fmt.Errorf("simulation.revisit must be in [0, keyframes)")
	}
	if c.Simulation.Landmarks <= 0 {
		return fmt.Errorf("simulation.landmarks must be positive")
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
