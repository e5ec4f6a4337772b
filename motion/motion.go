// Package motion implements the odometry motion models: differential and
// omnidirectional drive, each in a naive and a corrected variant. A model
// perturbs every particle pose with a noisy kernel derived from the
// measured odometric delta; it never touches the weights.
package motion

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/dorisbot/amcl"
	"github.com/dorisbot/amcl/pf"
)

// Model type tags recognized by New.
const (
	TypeDiff          = "diff"
	TypeDiffCorrected = "diff-corrected"
	TypeOmni          = "omni"
	TypeOmniCorrected = "omni-corrected"
)

// Delta is a measured displacement between two odometry readings,
// expressed in the odometry frame, together with the heading the robot
// had at the start of the displacement.
type Delta struct {
	DX     float64
	DY     float64
	DYaw   float64
	OldYaw float64
}

// Model is an odometry motion kernel applied to a sample set.
type Model interface {
	// Move perturbs every sample pose in place for the odometric
	// delta d.
	Move(d Delta, samples []pf.Sample)
}

// Config selects the model variant and its noise scalars a1..a5. The
// scalars are variance coefficients: each noise draw is a zero-mean
// Gaussian whose variance is a weighted sum of squared delta components.
type Config struct {
	Type   string  `yaml:"odom_model_type"`
	Alpha1 float64 `yaml:"odom_alpha1"`
	Alpha2 float64 `yaml:"odom_alpha2"`
	Alpha3 float64 `yaml:"odom_alpha3"`
	Alpha4 float64 `yaml:"odom_alpha4"`
	Alpha5 float64 `yaml:"odom_alpha5"`
}

// New returns the motion model named by cfg.Type. A nil src falls back
// to an unseeded source.
func New(cfg Config, src rand.Source) (Model, error) {
	if src == nil {
		src = rand.NewSource(rand.Uint64())
	}

	switch cfg.Type {
	case TypeDiff:
		return &diff{cfg: cfg, src: src}, nil
	case TypeDiffCorrected:
		return &diff{cfg: cfg, src: src, corrected: true}, nil
	case TypeOmni:
		return &omni{cfg: cfg, src: src}, nil
	case TypeOmniCorrected:
		return &omni{cfg: cfg, src: src, corrected: true}, nil
	}

	return nil, fmt.Errorf("unknown odometry model type: %q", cfg.Type)
}

// sample draws from N(0, variance).
func sample(variance float64, src rand.Source) float64 {
	if variance <= 0 {
		return 0
	}
	return distuv.Normal{Mu: 0, Sigma: math.Sqrt(variance), Src: src}.Rand()
}

type diff struct {
	cfg       Config
	src       rand.Source
	corrected bool
}

// Move decomposes the delta into an initial rotation, a translation and
// a final rotation and perturbs each component per particle. The
// corrected variant zeroes the initial rotation for near-zero
// translations and uses the smaller of the two rotation readings toward
// 0 and pi, so driving backwards does not blow up the rotation noise.
func (m *diff) Move(d Delta, samples []pf.Sample) {
	trans := math.Hypot(d.DX, d.DY)

	var rot1 float64
	if m.corrected && trans < 0.01 {
		rot1 = 0
	} else {
		rot1 = amcl.AngleDiff(math.Atan2(d.DY, d.DX), d.OldYaw)
	}
	rot2 := amcl.AngleDiff(d.DYaw, rot1)

	rot1Sq := rot1 * rot1
	rot2Sq := rot2 * rot2
	if m.corrected {
		n1 := math.Min(math.Abs(amcl.AngleDiff(rot1, 0)), math.Abs(amcl.AngleDiff(rot1, math.Pi)))
		n2 := math.Min(math.Abs(amcl.AngleDiff(rot2, 0)), math.Abs(amcl.AngleDiff(rot2, math.Pi)))
		rot1Sq = n1 * n1
		rot2Sq = n2 * n2
	}
	transSq := trans * trans

	for i := range samples {
		rot1Hat := amcl.AngleDiff(rot1, sample(m.cfg.Alpha1*rot1Sq+m.cfg.Alpha2*transSq, m.src))
		transHat := trans - sample(m.cfg.Alpha3*transSq+m.cfg.Alpha4*rot1Sq+m.cfg.Alpha4*rot2Sq, m.src)
		rot2Hat := amcl.AngleDiff(rot2, sample(m.cfg.Alpha1*rot2Sq+m.cfg.Alpha2*transSq, m.src))

		p := &samples[i].Pose
		p.X += transHat * math.Cos(p.Yaw+rot1Hat)
		p.Y += transHat * math.Sin(p.Yaw+rot1Hat)
		p.Yaw = amcl.NormalizeAngle(p.Yaw + rot1Hat + rot2Hat)
	}
}

type omni struct {
	cfg       Config
	src       rand.Source
	corrected bool
}

// Move decomposes the delta into a travel distance, a travel bearing in
// the body frame and a heading change. The corrected variant adds a
// strafe drift orthogonal to the direction of travel.
func (m *omni) Move(d Delta, samples []pf.Sample) {
	trans := math.Hypot(d.DX, d.DY)
	dir := amcl.AngleDiff(math.Atan2(d.DY, d.DX), d.OldYaw)

	transSq := trans * trans
	yawSq := d.DYaw * d.DYaw

	for i := range samples {
		transHat := trans - sample(m.cfg.Alpha3*transSq+m.cfg.Alpha4*yawSq, m.src)
		dirHat := amcl.AngleDiff(dir, sample(m.cfg.Alpha1*yawSq, m.src))
		yawHat := amcl.AngleDiff(d.DYaw, sample(m.cfg.Alpha2*yawSq+m.cfg.Alpha5*transSq, m.src))

		p := &samples[i].Pose
		heading := p.Yaw + dirHat
		p.X += transHat * math.Cos(heading)
		p.Y += transHat * math.Sin(heading)

		if m.corrected {
			strafe := sample(m.cfg.Alpha1*yawSq+m.cfg.Alpha5*transSq, m.src)
			p.X += strafe * math.Cos(heading+math.Pi/2)
			p.Y += strafe * math.Sin(heading+math.Pi/2)
		}

		p.Yaw = amcl.NormalizeAngle(p.Yaw + yawHat)
	}
}
