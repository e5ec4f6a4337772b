// Package laser implements the planar range-scan observation model. A
// particle is scored against the map's likelihood field: every selected
// beam endpoint is projected into world coordinates and looked up in the
// precomputed distance-to-obstacle field. The optional beam-skipping
// variant drops beams most particles disagree with, which helps in maps
// with unmodeled obstacles.
package laser

import (
	"fmt"
	"math"

	"github.com/dorisbot/amcl"
	"github.com/dorisbot/amcl/grid"
	"github.com/dorisbot/amcl/pf"
)

// Model type tags.
const (
	TypeLikelihoodField     = "likelihood_field"
	TypeLikelihoodFieldProb = "likelihood_field_prob"
)

// Scan is one range observation: count ranges starting at AngleMin with
// AngleIncrement spacing, all in the laser frame.
type Scan struct {
	AngleMin       float64
	AngleIncrement float64
	RangeMin       float64
	RangeMax       float64
	Ranges         []float64
}

// Config holds the range model parameters.
type Config struct {
	Type     string  `yaml:"laser_model_type"`
	ZHit     float64 `yaml:"laser_z_hit"`
	ZRand    float64 `yaml:"laser_z_rand"`
	SigmaHit float64 `yaml:"laser_sigma_hit"`
	// MaxBeams bounds the number of beams scored per scan; the scan is
	// subsampled uniformly.
	MaxBeams int `yaml:"laser_max_beams"`
	// MinRange/MaxRange only narrow the scan's own limits: a MinRange >= 0
	// above the scan's minimum raises it, a MaxRange > 0 below the scan's
	// maximum lowers it.
	MinRange float64 `yaml:"laser_min_range"`
	MaxRange float64 `yaml:"laser_max_range"`
	// Coefficient is the exponent applied to the per-particle factor on
	// every laser update, weighting laser against camera evidence; 0 is
	// taken as 1.
	Coefficient float64 `yaml:"laser_coeff"`

	DoBeamSkip             bool    `yaml:"do_beamskip"`
	BeamSkipDistance       float64 `yaml:"beam_skip_distance"`
	BeamSkipThreshold      float64 `yaml:"beam_skip_threshold"`
	BeamSkipErrorThreshold float64 `yaml:"beam_skip_error_threshold"`
}

// Model scores range scans against a map's likelihood field.
type Model struct {
	cfg Config
	m   *grid.Map
	// pose of the laser in the robot base frame
	laserPose amcl.Pose
}

// New creates a laser model bound to a map. The map must have its
// likelihood field computed.
func New(cfg Config, m *grid.Map, laserPose amcl.Pose) (*Model, error) {
	switch cfg.Type {
	case TypeLikelihoodField, TypeLikelihoodFieldProb:
	default:
		return nil, fmt.Errorf("unknown laser model type: %q", cfg.Type)
	}
	if m == nil {
		return nil, fmt.Errorf("no map")
	}
	if m.MaxDist() <= 0 {
		return nil, fmt.Errorf("map has no likelihood field")
	}
	if cfg.SigmaHit <= 0 {
		return nil, fmt.Errorf("invalid sigma_hit: %f", cfg.SigmaHit)
	}

	if cfg.Coefficient == 0 {
		cfg.Coefficient = 1
	}

	return &Model{cfg: cfg, m: m, laserPose: laserPose}, nil
}

// WithScan binds a scan and returns the sensor update to feed into the
// filter.
func (m *Model) WithScan(scan Scan) pf.SensorModel {
	return scanUpdate{m: m, scan: scan}
}

type scanUpdate struct {
	m    *Model
	scan Scan
}

func (u scanUpdate) Weigh(samples []pf.Sample) float64 {
	return u.m.weigh(u.scan, samples)
}

// beamStep returns the subsampling stride over the scan.
func (m *Model) beamStep(count int) int {
	if m.cfg.MaxBeams < 2 || count <= m.cfg.MaxBeams {
		return 1
	}
	step := (count - 1) / (m.cfg.MaxBeams - 1)
	if step < 1 {
		step = 1
	}
	return step
}

// ranges returns the effective min and max range for a scan.
func (m *Model) ranges(scan Scan) (float64, float64) {
	rmin, rmax := scan.RangeMin, scan.RangeMax
	if m.cfg.MinRange >= 0 && m.cfg.MinRange > rmin {
		rmin = m.cfg.MinRange
	}
	if m.cfg.MaxRange > 0 && m.cfg.MaxRange < rmax {
		rmax = m.cfg.MaxRange
	}
	return rmin, rmax
}

func (m *Model) weigh(scan Scan, samples []pf.Sample) float64 {
	if len(scan.Ranges) == 0 || len(samples) == 0 {
		return totalWeight(samples)
	}

	rmin, rmax := m.ranges(scan)
	step := m.beamStep(len(scan.Ranges))

	var beams []int
	for b := 0; b < len(scan.Ranges); b += step {
		beams = append(beams, b)
	}

	// dists[k][i]: field distance of beam k's endpoint from sample i
	dists := make([][]float64, len(beams))
	onMap := make([]bool, len(samples))

	for i, s := range samples {
		lp := s.Pose.Compose(m.laserPose)
		ci, cj := m.m.WorldToCell(s.Pose.X, s.Pose.Y)
		onMap[i] = m.m.IsValid(ci, cj)

		for k, b := range beams {
			if dists[k] == nil {
				dists[k] = make([]float64, len(samples))
			}

			r := scan.Ranges[b]
			// too-short and invalid readings read as max range
			if math.IsNaN(r) || r <= rmin {
				r = rmax
			}
			if r > rmax {
				r = rmax
			}

			angle := lp.Yaw + scan.AngleMin + float64(b)*scan.AngleIncrement
			x := lp.X + r*math.Cos(angle)
			y := lp.Y + r*math.Sin(angle)
			dists[k][i] = m.m.DistAt(x, y)
		}
	}

	skip := make([]bool, len(beams))
	if m.cfg.Type == TypeLikelihoodFieldProb && m.cfg.DoBeamSkip {
		skipped := 0
		for k := range beams {
			far := 0
			for i := range samples {
				if dists[k][i] > m.cfg.BeamSkipDistance {
					far++
				}
			}
			if float64(far)/float64(len(samples)) > m.cfg.BeamSkipThreshold {
				skip[k] = true
				skipped++
			}
		}
		// too many outlier beams means the filter has not converged;
		// score everything
		if float64(skipped)/float64(len(beams)) > m.cfg.BeamSkipErrorThreshold {
			for k := range skip {
				skip[k] = false
			}
		}
	}

	gaussNorm := 1.0 / (m.cfg.SigmaHit * math.Sqrt(2*math.Pi))
	denom := 2.0 * m.cfg.SigmaHit * m.cfg.SigmaHit

	total := 0.0
	for i := range samples {
		if !onMap[i] {
			samples[i].Weight = 0
			continue
		}

		p := 0.0
		for k, b := range beams {
			if skip[k] {
				continue
			}

			pz := m.cfg.ZRand / rmax
			if scan.Ranges[b] <= rmax || math.IsNaN(scan.Ranges[b]) || scan.Ranges[b] <= rmin {
				z := dists[k][i]
				pz += m.cfg.ZHit * gaussNorm * math.Exp(-z*z/denom)
			}
			p += pz * pz * pz
		}

		samples[i].Weight *= math.Pow(p, m.cfg.Coefficient)
		total += samples[i].Weight
	}

	return total
}

func totalWeight(samples []pf.Sample) float64 {
	total := 0.0
	for _, s := range samples {
		total += s.Weight
	}
	return total
}
