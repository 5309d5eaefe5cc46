// Package config provides configuration loading and management for ecgdigitize.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Physical assumptions about the printed strip
	Assumptions struct {
		// FineGridMM is the physical spacing of the fine grid in mm
		FineGridMM float64 `yaml:"fineGridMM"`

		// BoldGridMM is the physical spacing of the bold grid in mm
		BoldGridMM float64 `yaml:"boldGridMM"`

		// PaperSpeed is the chart speed in mm per second
		PaperSpeed float64 `yaml:"paperSpeed"`

		// AmplitudeScale is the vertical calibration in mm per millivolt
		AmplitudeScale float64 `yaml:"amplitudeScale"`

		// LeadCount is the expected number of leads on the strip
		LeadCount int `yaml:"leadCount"`

		// SampleRate is the output rate of calibrated signals in Hz
		SampleRate float64 `yaml:"sampleRate"`

		// LayoutRows and LayoutCols describe the printed lead arrangement
		LayoutRows int `yaml:"layoutRows"`
		LayoutCols int `yaml:"layoutCols"`
	} `yaml:"assumptions"`

	// Quality gate thresholds; each score fails below the fail level
	// and warns below the warn level
	Quality struct {
		// SharpnessFail and SharpnessWarn bound the Laplacian-variance blur metric
		SharpnessFail float64 `yaml:"sharpnessFail"`
		SharpnessWarn float64 `yaml:"sharpnessWarn"`

		// MinDimensionFail and MinDimensionWarn bound the limiting image dimension in px
		MinDimensionFail float64 `yaml:"minDimensionFail"`
		MinDimensionWarn float64 `yaml:"minDimensionWarn"`

		// ContrastFail and ContrastWarn bound the robust intensity spread
		ContrastFail float64 `yaml:"contrastFail"`
		ContrastWarn float64 `yaml:"contrastWarn"`

		// GridProbeFail and GridProbeWarn bound the periodicity probe score
		GridProbeFail float64 `yaml:"gridProbeFail"`
		GridProbeWarn float64 `yaml:"gridProbeWarn"`
	} `yaml:"quality"`

	// Grid detection parameters
	Grid struct {
		// MinLines is the minimum detected line count per orientation
		// before the spectral reconstruction path engages
		MinLines int `yaml:"minLines"`

		// MaxSkewDegrees bounds the searched rotation either side of the axes
		MaxSkewDegrees float64 `yaml:"maxSkewDegrees"`

		// SpacingTolerance is the maximum coefficient of variation of
		// line spacing before a family is flagged irregular
		SpacingTolerance float64 `yaml:"spacingTolerance"`

		// RatioTolerance is the relative tolerance on the bold:fine spacing ratio
		RatioTolerance float64 `yaml:"ratioTolerance"`

		// FinePeakFloor and BoldPeakFloor are Hough peak thresholds as a
		// fraction of the strongest peak in each pass
		FinePeakFloor float64 `yaml:"finePeakFloor"`
		BoldPeakFloor float64 `yaml:"boldPeakFloor"`
	} `yaml:"grid"`

	// Geometric calibration parameters
	Calibration struct {
		// RMSECeilingPx flags the run low-confidence when the best fit
		// residual exceeds it
		RMSECeilingPx float64 `yaml:"rmseCeilingPx"`

		// TieMargin is the relative RMSE margin within which a simpler
		// transform wins the ranking
		TieMargin float64 `yaml:"tieMargin"`
	} `yaml:"calibration"`

	// Signal extraction parameters
	Extraction struct {
		// MinInkDensity is the fraction of inked area below which a
		// lead region is declared missing
		MinInkDensity float64 `yaml:"minInkDensity"`

		// DisagreePx is the per-column disagreement distance beyond
		// which a strategy is excluded from the ensemble merge
		DisagreePx float64 `yaml:"disagreePx"`

		// MaxGapPx is the widest unsupported run filled by interpolation
		MaxGapPx int `yaml:"maxGapPx"`

		// PathStiffness is the smoothness penalty of the cost-map path strategy
		PathStiffness float64 `yaml:"pathStiffness"`
	} `yaml:"extraction"`

	// Validation thresholds
	Validation struct {
		// MaxAmplitudeMV is the physiologically plausible amplitude envelope
		MaxAmplitudeMV float64 `yaml:"maxAmplitudeMV"`

		// MinSNRDB is the signal-to-noise floor in dB
		MinSNRDB float64 `yaml:"minSNRDB"`

		// MaxMissingLeads is the number of blank leads tolerated before
		// the attempt fails validation
		MaxMissingLeads int `yaml:"maxMissingLeads"`

		// MaxTiers is the number of escalation tiers the controller may use
		MaxTiers int `yaml:"maxTiers"`
	} `yaml:"validation"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for batch processing
		NumCores int `yaml:"numCores"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// SaveIntermediaryResults determines whether to save intermediary planes
		SaveIntermediaryResults bool `yaml:"saveIntermediaryResults"`

		// IntermediaryDir is where intermediary planes are written
		IntermediaryDir string `yaml:"intermediaryDir"`

		// PlotLeads renders calibrated leads to a PNG per record
		PlotLeads bool `yaml:"plotLeads"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Standard clinical paper: 1 mm fine, 5 mm bold, 25 mm/s, 10 mm/mV
	cfg.Assumptions.FineGridMM = 1.0
	cfg.Assumptions.BoldGridMM = 5.0
	cfg.Assumptions.PaperSpeed = 25.0
	cfg.Assumptions.AmplitudeScale = 10.0
	cfg.Assumptions.LeadCount = 12
	cfg.Assumptions.SampleRate = 500.0
	cfg.Assumptions.LayoutRows = 3
	cfg.Assumptions.LayoutCols = 4

	// Set default quality gate thresholds
	cfg.Quality.SharpnessFail = 0.0002
	cfg.Quality.SharpnessWarn = 0.0010
	cfg.Quality.MinDimensionFail = 300
	cfg.Quality.MinDimensionWarn = 600
	cfg.Quality.ContrastFail = 0.15
	cfg.Quality.ContrastWarn = 0.30
	cfg.Quality.GridProbeFail = 0.12
	cfg.Quality.GridProbeWarn = 0.30

	// Set default grid detection parameters
	cfg.Grid.MinLines = 6
	cfg.Grid.MaxSkewDegrees = 12.0
	cfg.Grid.SpacingTolerance = 0.25
	cfg.Grid.RatioTolerance = 0.25
	cfg.Grid.FinePeakFloor = 0.12
	cfg.Grid.BoldPeakFloor = 0.45

	// Set default calibration parameters
	cfg.Calibration.RMSECeilingPx = 2.5
	cfg.Calibration.TieMargin = 0.05

	// Set default extraction parameters
	cfg.Extraction.MinInkDensity = 0.004
	cfg.Extraction.DisagreePx = 6.0
	cfg.Extraction.MaxGapPx = 12
	cfg.Extraction.PathStiffness = 0.18

	// Set default validation parameters
	cfg.Validation.MaxAmplitudeMV = 6.0
	cfg.Validation.MinSNRDB = 8.0
	cfg.Validation.MaxMissingLeads = 6
	cfg.Validation.MaxTiers = 3

	// Set default processing parameters
	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default

	// Set default output parameters
	cfg.Output.SaveIntermediaryResults = false
	cfg.Output.IntermediaryDir = "intermediary_results"
	cfg.Output.PlotLeads = false
	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
