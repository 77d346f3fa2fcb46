// Package config loads the fusion engine's two configuration layers: startup
// environment configuration (fatal if missing, per the spec's error taxonomy)
// and the tuning knobs that parameterise geometry, association, localisation
// and tracking.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigPath is the path to the canonical tuning defaults file. The
// Get* accessors below carry the same values as compiled-in fallbacks for
// fields a loaded config leaves nil.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig holds every numeric/boolean knob enumerated in the
// specification. Fields are pointers so that a partial JSON override file
// only overrides what it names; the Get* accessors fall back to the
// compiled-in defaults for anything left nil.
type TuningConfig struct {
	EllipseNSamples  *int     `json:"ellipse_n_samples,omitempty"`
	EllipseThreshold *float64 `json:"ellipse_threshold,omitempty"`
	EllipseNDisplay  *int     `json:"ellipse_n_display,omitempty"`

	EllipsoidNSamples  *int     `json:"ellipsoid_n_samples,omitempty"`
	EllipsoidThreshold *float64 `json:"ellipsoid_threshold,omitempty"`
	EllipsoidNDisplay  *int     `json:"ellipsoid_n_display,omitempty"`

	AdsbTDelete      *float64 `json:"adsb_t_delete,omitempty"`
	ThreeLipsTDelete *float64 `json:"three_lips_t_delete,omitempty"`
	ThreeLipsSave    *bool    `json:"three_lips_save,omitempty"`

	TrackerFrame              *string  `json:"tracker_frame,omitempty"` // "ecef" or "enu"
	UseBlendUpdate            *bool    `json:"use_blend_update,omitempty"`
	MaxMissesToDelete         *int     `json:"max_misses_to_delete,omitempty"`
	MinHitsToConfirm          *int     `json:"min_hits_to_confirm,omitempty"`
	MaxMissesConfirmedCoast   *int     `json:"max_misses_confirmed_coast,omitempty"`
	GatingEuclideanThresholdM *float64 `json:"gating_euclidean_threshold_m,omitempty"`
	GatingMahalanobisThresh   *float64 `json:"gating_mahalanobis_threshold,omitempty"`
	AdsbGateM                 *float64 `json:"adsb_gate_m,omitempty"`
	InitialPosUncertaintyM    *float64 `json:"initial_pos_uncertainty_m,omitempty"`
	InitialVelUncertaintyMps  *float64 `json:"initial_vel_uncertainty_mps,omitempty"`
	DtDefaultS                *float64 `json:"dt_default_s,omitempty"`
	ProcessNoiseCoeff         *float64 `json:"process_noise_coeff,omitempty"`
	MeasurementNoiseCoeff     *float64 `json:"measurement_noise_coeff,omitempty"`
	RefLat                    *float64 `json:"ref_lat,omitempty"`
	RefLon                    *float64 `json:"ref_lon,omitempty"`
	RefAlt                    *float64 `json:"ref_alt,omitempty"`
	MaxHistoryLen             *int     `json:"max_history_len,omitempty"`

	LMMaxIterations         *int     `json:"lm_max_iterations,omitempty"`
	LMConvergenceThreshold  *float64 `json:"lm_convergence_threshold,omitempty"`
	LMResidualCeiling       *float64 `json:"lm_residual_ceiling,omitempty"`

	AssocWeightDelay   *float64 `json:"assoc_weight_delay,omitempty"`
	AssocWeightDoppler *float64 `json:"assoc_weight_doppler,omitempty"`
	AssocGateDelayM    *float64 `json:"assoc_gate_delay_m,omitempty"`
	AssocGateDopplerHz *float64 `json:"assoc_gate_doppler_hz,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with every field nil. Use
// LoadTuningConfig to populate it from a defaults file.
func EmptyTuningConfig() *TuningConfig { return &TuningConfig{} }

// LoadTuningConfig loads a TuningConfig from a JSON file. Fields omitted from
// the file retain nil (and thus fall back to compiled-in defaults via the
// Get* accessors), so partial override files are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from
// DefaultConfigPath, searching from the current directory upward. Panics if
// the file cannot be found — intended for test setup and process start.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run from the repository root")
}

// Validate checks that any set fields hold structurally sane values.
func (c *TuningConfig) Validate() error {
	if c.EllipseNSamples != nil && *c.EllipseNSamples <= 0 {
		return fmt.Errorf("ellipse_n_samples must be positive, got %d", *c.EllipseNSamples)
	}
	if c.EllipsoidNSamples != nil && *c.EllipsoidNSamples <= 0 {
		return fmt.Errorf("ellipsoid_n_samples must be positive, got %d", *c.EllipsoidNSamples)
	}
	if c.AdsbTDelete != nil && *c.AdsbTDelete <= 0 {
		return fmt.Errorf("adsb_t_delete must be positive, got %f", *c.AdsbTDelete)
	}
	if c.ThreeLipsTDelete != nil && *c.ThreeLipsTDelete <= 0 {
		return fmt.Errorf("three_lips_t_delete must be positive, got %f", *c.ThreeLipsTDelete)
	}
	if c.TrackerFrame != nil && *c.TrackerFrame != "ecef" && *c.TrackerFrame != "enu" {
		return fmt.Errorf("tracker_frame must be 'ecef' or 'enu', got %q", *c.TrackerFrame)
	}
	if c.MinHitsToConfirm != nil && *c.MinHitsToConfirm <= 0 {
		return fmt.Errorf("min_hits_to_confirm must be positive, got %d", *c.MinHitsToConfirm)
	}
	if c.MaxMissesToDelete != nil && *c.MaxMissesToDelete < 0 {
		return fmt.Errorf("max_misses_to_delete must be non-negative, got %d", *c.MaxMissesToDelete)
	}
	if c.LMMaxIterations != nil && *c.LMMaxIterations <= 0 {
		return fmt.Errorf("lm_max_iterations must be positive, got %d", *c.LMMaxIterations)
	}
	return nil
}

// ValidateComplete additionally requires every field to be set, used to gate
// engine startup on a fully-specified configuration.
func (c *TuningConfig) ValidateComplete() error {
	if err := c.Validate(); err != nil {
		return err
	}
	fields := map[string]interface{}{
		"ellipse_n_samples": c.EllipseNSamples, "ellipse_threshold": c.EllipseThreshold,
		"ellipse_n_display": c.EllipseNDisplay, "ellipsoid_n_samples": c.EllipsoidNSamples,
		"ellipsoid_threshold": c.EllipsoidThreshold, "ellipsoid_n_display": c.EllipsoidNDisplay,
		"adsb_t_delete": c.AdsbTDelete, "three_lips_t_delete": c.ThreeLipsTDelete,
		"three_lips_save": c.ThreeLipsSave, "tracker_frame": c.TrackerFrame,
		"use_blend_update": c.UseBlendUpdate, "max_misses_to_delete": c.MaxMissesToDelete,
		"min_hits_to_confirm": c.MinHitsToConfirm, "max_misses_confirmed_coast": c.MaxMissesConfirmedCoast,
		"gating_euclidean_threshold_m": c.GatingEuclideanThresholdM,
		"gating_mahalanobis_threshold": c.GatingMahalanobisThresh, "adsb_gate_m": c.AdsbGateM,
		"initial_pos_uncertainty_m": c.InitialPosUncertaintyM, "initial_vel_uncertainty_mps": c.InitialVelUncertaintyMps,
		"dt_default_s": c.DtDefaultS, "process_noise_coeff": c.ProcessNoiseCoeff,
		"measurement_noise_coeff": c.MeasurementNoiseCoeff, "ref_lat": c.RefLat,
		"ref_lon": c.RefLon, "ref_alt": c.RefAlt, "max_history_len": c.MaxHistoryLen,
		"lm_max_iterations": c.LMMaxIterations, "lm_convergence_threshold": c.LMConvergenceThreshold,
		"lm_residual_ceiling": c.LMResidualCeiling, "assoc_weight_delay": c.AssocWeightDelay,
		"assoc_weight_doppler": c.AssocWeightDoppler, "assoc_gate_delay_m": c.AssocGateDelayM,
		"assoc_gate_doppler_hz": c.AssocGateDopplerHz,
	}
	for name, v := range fields {
		if isNilPointer(v) {
			return fmt.Errorf("missing required tuning field %q", name)
		}
	}
	return nil
}

func isNilPointer(v interface{}) bool {
	switch p := v.(type) {
	case *int:
		return p == nil
	case *float64:
		return p == nil
	case *bool:
		return p == nil
	case *string:
		return p == nil
	default:
		return true
	}
}

// Accessor helpers below provide a default fallback for every knob so callers
// never have to nil-check a TuningConfig field directly.

func (c *TuningConfig) GetEllipseNSamples() int  { return intOr(c.EllipseNSamples, 100) }
func (c *TuningConfig) GetEllipseThreshold() float64 { return floatOr(c.EllipseThreshold, 500) }
func (c *TuningConfig) GetEllipseNDisplay() int  { return intOr(c.EllipseNDisplay, 50) }

func (c *TuningConfig) GetEllipsoidNSamples() int      { return intOr(c.EllipsoidNSamples, 100) }
func (c *TuningConfig) GetEllipsoidThreshold() float64 { return floatOr(c.EllipsoidThreshold, 500) }
func (c *TuningConfig) GetEllipsoidNDisplay() int      { return intOr(c.EllipsoidNDisplay, 50) }

func (c *TuningConfig) GetAdsbTDelete() float64      { return floatOr(c.AdsbTDelete, 30) }
func (c *TuningConfig) GetThreeLipsTDelete() float64 { return floatOr(c.ThreeLipsTDelete, 60) }
func (c *TuningConfig) GetThreeLipsSave() bool       { return boolOr(c.ThreeLipsSave, false) }

func (c *TuningConfig) GetTrackerFrame() string   { return stringOr(c.TrackerFrame, "enu") }
func (c *TuningConfig) GetUseBlendUpdate() bool   { return boolOr(c.UseBlendUpdate, false) }
func (c *TuningConfig) GetMaxMissesToDelete() int { return intOr(c.MaxMissesToDelete, 5) }
func (c *TuningConfig) GetMinHitsToConfirm() int  { return intOr(c.MinHitsToConfirm, 3) }
func (c *TuningConfig) GetMaxMissesConfirmedCoast() int {
	return intOr(c.MaxMissesConfirmedCoast, 3)
}
func (c *TuningConfig) GetGatingEuclideanThresholdM() float64 {
	return floatOr(c.GatingEuclideanThresholdM, 10000)
}
func (c *TuningConfig) GetGatingMahalanobisThreshold() float64 {
	return floatOr(c.GatingMahalanobisThresh, 9.21)
}
func (c *TuningConfig) GetAdsbGateM() float64 { return floatOr(c.AdsbGateM, 5000) }
func (c *TuningConfig) GetInitialPosUncertaintyM() float64 {
	return floatOr(c.InitialPosUncertaintyM, 1000)
}
func (c *TuningConfig) GetInitialVelUncertaintyMps() float64 {
	return floatOr(c.InitialVelUncertaintyMps, 200)
}
func (c *TuningConfig) GetDtDefaultS() float64 { return floatOr(c.DtDefaultS, 1.0) }
func (c *TuningConfig) GetProcessNoiseCoeff() float64 {
	return floatOr(c.ProcessNoiseCoeff, 1.0)
}
func (c *TuningConfig) GetMeasurementNoiseCoeff() float64 {
	return floatOr(c.MeasurementNoiseCoeff, 100.0)
}
func (c *TuningConfig) GetRefLat() float64      { return floatOr(c.RefLat, 0) }
func (c *TuningConfig) GetRefLon() float64      { return floatOr(c.RefLon, 0) }
func (c *TuningConfig) GetRefAlt() float64      { return floatOr(c.RefAlt, 0) }
func (c *TuningConfig) GetMaxHistoryLen() int   { return intOr(c.MaxHistoryLen, 50) }

func (c *TuningConfig) GetLMMaxIterations() int { return intOr(c.LMMaxIterations, 50) }
func (c *TuningConfig) GetLMConvergenceThreshold() float64 {
	return floatOr(c.LMConvergenceThreshold, 1e-4)
}
func (c *TuningConfig) GetLMResidualCeiling() float64 {
	return floatOr(c.LMResidualCeiling, 1000)
}

func (c *TuningConfig) GetAssocWeightDelay() float64   { return floatOr(c.AssocWeightDelay, 1) }
func (c *TuningConfig) GetAssocWeightDoppler() float64 { return floatOr(c.AssocWeightDoppler, 1) }
func (c *TuningConfig) GetAssocGateDelayM() float64     { return floatOr(c.AssocGateDelayM, 1000) }
func (c *TuningConfig) GetAssocGateDopplerHz() float64  { return floatOr(c.AssocGateDopplerHz, 50) }

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}
func floatOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}
func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
func stringOr(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}
