// Package config provides configuration loading and management for cryorefine.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"cryorefine/internal/models"
)

// ErrInvalid marks a configuration that cannot be run.
var ErrInvalid = errors.New("invalid configuration")

// Harsh escalation policies of the local expectation loop.
const (
	HarshEscalateOnce = "escalate-once"
	HarshNever        = "never"
	HarshAlways       = "always"
)

// Config represents the refinement parameters loaded from YAML
type Config struct {
	// Basic parameters
	Basic struct {
		// Mode is "2D" for classification or "3D" for refinement
		Mode string `yaml:"mode"`

		// K is the number of classes
		K int `yaml:"k"`

		// Size is the box size of the images in pixels
		Size int `yaml:"size"`

		// PixelSize is the pixel edge in Angstrom
		PixelSize float64 `yaml:"pixelSize"`

		// MaskRadius is the particle radius in Angstrom
		MaskRadius float64 `yaml:"maskRadius"`

		// TransS is the translation search sigma in pixels
		TransS float64 `yaml:"transS"`

		// InitRes is the starting resolution in Angstrom
		InitRes float64 `yaml:"initRes"`

		// GlobalSearchRes is the best resolution reached by global search in Angstrom
		GlobalSearchRes float64 `yaml:"globalSearchRes"`

		// Sym is the point group, e.g. C1, C4, D2, T, O, I
		Sym string `yaml:"sym"`

		// InitModel is an optional MRC file with the initial reference
		InitModel string `yaml:"initModel"`

		// DB is the particle metadata database
		DB string `yaml:"db"`

		// OutputDir receives all per-round outputs
		OutputDir string `yaml:"outputDir"`

		// IterMax bounds the number of rounds
		IterMax int `yaml:"iterMax"`

		// NumThreads specifies how many goroutines each process uses
		NumThreads int `yaml:"numThreads"`

		// ProcessesPerHemisphere is the number of workers in hemisphere A and in B
		ProcessesPerHemisphere int `yaml:"processesPerHemisphere"`

		// Seed makes runs reproducible
		Seed uint64 `yaml:"seed"`
	} `yaml:"basic"`

	// Reference mask parameters
	Mask struct {
		// PerformMask enables solvent flattening of the references
		PerformMask bool `yaml:"performMask"`

		// MaskPath is an optional explicit mask volume
		MaskPath string `yaml:"maskPath"`

		// GlobalMask applies the mask during global search as well
		GlobalMask bool `yaml:"globalMask"`
	} `yaml:"mask"`

	// Advanced parameters
	Advanced struct {
		// MG is the number of hypotheses per class during global search
		MG int `yaml:"mG"`

		// ML is the number of hypotheses per class during local search
		ML int `yaml:"mL"`

		// MS is the number of rotations sampled in each global round
		MS int `yaml:"mS"`

		// MReco is the number of hypotheses each image inserts into the reconstruction
		MReco int `yaml:"mReco"`

		// SclCorRes is the resolution in Angstrom used for intensity scale estimation
		SclCorRes float64 `yaml:"sclCorRes"`

		// ThresCutoffFSC decides how far the cutoff may grow
		ThresCutoffFSC float64 `yaml:"thresCutoffFSC"`

		// ThresReportFSC is the FSC threshold of the reported resolution
		ThresReportFSC float64 `yaml:"thresReportFSC"`

		GroupSig bool `yaml:"groupSig"`
		GroupScl bool `yaml:"groupScl"`

		// ZeroMask sets the solvent level to zero instead of the background mean
		ZeroMask bool `yaml:"zeroMask"`

		// CTFRefine enables the defocus refinement stage
		CTFRefine bool `yaml:"ctfRefine"`

		// CTFRefineS is the defocus factor sigma of the first CTF round
		CTFRefineS float64 `yaml:"ctfRefineS"`

		// CTFRefineFactor scales the defocus perturbation
		CTFRefineFactor float64 `yaml:"ctfRefineFactor"`

		// TransSearchFactor scales the number of translation samples
		TransSearchFactor float64 `yaml:"transSearchFactor"`

		PerturbFactorL       float64 `yaml:"perturbFactorL"`
		PerturbFactorSGlobal float64 `yaml:"perturbFactorSGlobal"`
		PerturbFactorSLocal  float64 `yaml:"perturbFactorSLocal"`
		PerturbFactorSCTF    float64 `yaml:"perturbFactorSCTF"`

		// GoldStandardRes is the resolution in Angstrom below which both
		// hemisphere references are averaged. Zero keeps them independent.
		GoldStandardRes float64 `yaml:"goldStandardRes"`
	} `yaml:"advanced"`

	// Professional parameters
	Professional struct {
		// Pf is the padding factor of projectors and reconstructors
		Pf int `yaml:"pf"`

		// Alpha is the fraction of fresh prior draws when resampling
		Alpha float64 `yaml:"alpha"`

		// ParGra weights each image in the reconstruction by the compression of its particle
		ParGra bool `yaml:"parGra"`

		// NormCorrection rescales every image so its residual power matches
		// the median of the run
		NormCorrection bool `yaml:"normCorrection"`

		// IgnoreRes is the resolution in Angstrom below which likelihood ignores data
		IgnoreRes float64 `yaml:"ignoreRes"`

		WienerFSC   bool    `yaml:"wienerFSC"`
		WienerConst float64 `yaml:"wienerConst"`
		MinT        float64 `yaml:"minT"`

		MaxNPhasePerIter int `yaml:"maxNPhasePerIter"`
		MinNPhase        int `yaml:"minNPhase"`

		// HarshPolicy is escalate-once, never or always
		HarshPolicy string `yaml:"harshPolicy"`

		// FinalPerturbation jitters every particle once more after the
		// expectation, with the factor of the current search stage
		FinalPerturbation bool `yaml:"finalPerturbation"`

		RChangeDecreaseFactor float64 `yaml:"rChangeDecreaseFactor"`
		RChangeNoDecrease     int     `yaml:"rChangeNoDecrease"`
		TopResNoImprove       int     `yaml:"topResNoImprove"`
		MaxRGap               int     `yaml:"maxRGap"`
	} `yaml:"professional"`

	// Output parameters
	Output struct {
		SaveReference bool `yaml:"saveReference"`
		SaveFSC       bool `yaml:"saveFSC"`
		SaveSig       bool `yaml:"saveSig"`
		SaveParticles bool `yaml:"saveParticles"`

		// NSaveImg is the number of images with diagnostic BMP output
		NSaveImg int `yaml:"nSaveImg"`

		// SaveImages and SaveCTFs write the loaded images and their CTFs
		// as BMP after initialisation
		SaveImages bool `yaml:"saveImages"`
		SaveCTFs   bool `yaml:"saveCTFs"`

		// PlotFSC writes a PNG chart next to each FSC table
		PlotFSC bool `yaml:"plotFSC"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default basic parameters
	cfg.Basic.Mode = "3D"
	cfg.Basic.K = 1
	cfg.Basic.Size = 64
	cfg.Basic.PixelSize = 1.32
	cfg.Basic.MaskRadius = 35
	cfg.Basic.TransS = 2
	cfg.Basic.InitRes = 40
	cfg.Basic.GlobalSearchRes = 10
	cfg.Basic.Sym = "C1"
	cfg.Basic.DB = "particles.db"
	cfg.Basic.OutputDir = "output"
	cfg.Basic.IterMax = 30
	cfg.Basic.NumThreads = runtime.NumCPU() // Use all available cores by default
	cfg.Basic.ProcessesPerHemisphere = 1
	cfg.Basic.Seed = 1

	// Set default mask parameters
	cfg.Mask.PerformMask = true

	// Set default advanced parameters
	cfg.Advanced.MG = 1000
	cfg.Advanced.ML = 100
	cfg.Advanced.MS = 200
	cfg.Advanced.MReco = 1
	cfg.Advanced.SclCorRes = 20
	cfg.Advanced.ThresCutoffFSC = 0.5
	cfg.Advanced.ThresReportFSC = 0.143
	cfg.Advanced.GroupSig = true
	cfg.Advanced.GroupScl = true
	cfg.Advanced.CTFRefineS = 0.01
	cfg.Advanced.CTFRefineFactor = 1
	cfg.Advanced.TransSearchFactor = 1
	cfg.Advanced.PerturbFactorL = 5
	cfg.Advanced.PerturbFactorSGlobal = 0.2
	cfg.Advanced.PerturbFactorSLocal = 0.5
	cfg.Advanced.PerturbFactorSCTF = 0.2
	cfg.Advanced.GoldStandardRes = 40

	// Set default professional parameters
	cfg.Professional.Pf = 2
	cfg.Professional.Alpha = 0
	cfg.Professional.WienerFSC = true
	cfg.Professional.WienerConst = 0
	cfg.Professional.MinT = 1e-4
	cfg.Professional.MaxNPhasePerIter = 100
	cfg.Professional.MinNPhase = 3
	cfg.Professional.HarshPolicy = HarshEscalateOnce
	cfg.Professional.RChangeDecreaseFactor = 0.05
	cfg.Professional.RChangeNoDecrease = 2
	cfg.Professional.TopResNoImprove = 2
	cfg.Professional.MaxRGap = 10
	cfg.Professional.FinalPerturbation = false

	// Set default output parameters
	cfg.Output.SaveReference = true
	cfg.Output.SaveFSC = true
	cfg.Output.SaveSig = true
	cfg.Output.SaveParticles = false
	cfg.Output.NSaveImg = 0
	cfg.Output.SaveImages = false
	cfg.Output.SaveCTFs = false
	cfg.Output.Verbose = true

	return cfg
}

// RunMode parses Basic.Mode.
func (c *Config) RunMode() (models.Mode, error) {
	switch strings.ToUpper(c.Basic.Mode) {
	case "2D":
		return models.Mode2D, nil
	case "3D":
		return models.Mode3D, nil
	}
	return 0, fmt.Errorf("unknown mode %q: %w", c.Basic.Mode, ErrInvalid)
}

// Validate reports the first parameter that makes the configuration
// unusable. The returned error wraps ErrInvalid.
func (c *Config) Validate() error {
	if _, err := c.RunMode(); err != nil {
		return err
	}
	b := c.Basic
	switch {
	case b.Size <= 0 || b.Size%2 != 0:
		return fmt.Errorf("size must be positive and even, got %d: %w", b.Size, ErrInvalid)
	case b.K < 1:
		return fmt.Errorf("k must be at least 1, got %d: %w", b.K, ErrInvalid)
	case b.PixelSize <= 0:
		return fmt.Errorf("pixel size must be positive, got %g: %w", b.PixelSize, ErrInvalid)
	case b.MaskRadius <= 0 || b.MaskRadius/b.PixelSize > float64(b.Size/2):
		return fmt.Errorf("mask radius %g A does not fit the box: %w", b.MaskRadius, ErrInvalid)
	case b.ProcessesPerHemisphere < 1:
		return fmt.Errorf("need at least one process per hemisphere: %w", ErrInvalid)
	case b.IterMax < 1:
		return fmt.Errorf("iterMax must be at least 1: %w", ErrInvalid)
	}

	a := c.Advanced
	for name, v := range map[string]float64{
		"thresCutoffFSC": a.ThresCutoffFSC,
		"thresReportFSC": a.ThresReportFSC,
	} {
		if v <= 0 || v >= 1 {
			return fmt.Errorf("%s must lie in (0, 1), got %g: %w", name, v, ErrInvalid)
		}
	}
	if a.MG < 1 || a.ML < 1 || a.MS < 1 || a.MReco < 1 {
		return fmt.Errorf("sample counts must be positive: %w", ErrInvalid)
	}

	p := c.Professional
	if p.Alpha < 0 || p.Alpha > 1 {
		return fmt.Errorf("alpha must lie in [0, 1], got %g: %w", p.Alpha, ErrInvalid)
	}
	switch p.HarshPolicy {
	case HarshEscalateOnce, HarshNever, HarshAlways:
	default:
		return fmt.Errorf("unknown harsh policy %q: %w", p.HarshPolicy, ErrInvalid)
	}
	return nil
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
