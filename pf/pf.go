// Package pf implements the adaptive particle filter at the heart of the
// localization engine: a double-buffered sample set indexed by a bucket
// KD-tree, KLD-adaptive low-variance resampling, adaptive uniform-pose
// injection driven by short/long term weight averages, and per-cluster
// pose statistics.
package pf

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/dorisbot/amcl"
	"github.com/dorisbot/amcl/rnd"
)

// Bucket resolution of the sample histogram.
const (
	bucketSizeX   = 0.5
	bucketSizeY   = 0.5
	bucketSizeYaw = 10.0 * math.Pi / 180.0
)

// Sample is one pose hypothesis with its importance weight.
type Sample struct {
	Pose   amcl.Pose
	Weight float64
}

// SensorModel scores an observation against a whole sample set.
type SensorModel interface {
	// Weigh multiplies every sample's weight by the likelihood of the
	// model's current observation from that sample's pose and returns
	// the sum of the updated weights.
	Weigh(samples []Sample) float64
}

// Hypothesis is the aggregated state of one sample cluster.
type Hypothesis struct {
	// Weight is the total normalized weight of the cluster.
	Weight float64
	// Mean pose, with the yaw taken as a circular mean.
	Mean amcl.Pose
	// Cov is the 3x3 (x, y, yaw) covariance. The yaw entry is the
	// circular variance, the cross terms with yaw are zero.
	Cov *mat.SymDense
}

// Config bounds the adaptive sample count and sets the KLD and recovery
// parameters.
type Config struct {
	MinParticles int     `yaml:"min_particles"`
	MaxParticles int     `yaml:"max_particles"`
	KLDErr       float64 `yaml:"kld_err"`
	KLDZ         float64 `yaml:"kld_z"`
	AlphaSlow    float64 `yaml:"recovery_alpha_slow"`
	AlphaFast    float64 `yaml:"recovery_alpha_fast"`
}

type sampleSet struct {
	samples  []Sample
	tree     *kdtree
	clusters []Hypothesis
	mean     amcl.Pose
	cov      *mat.SymDense
}

// Filter is the adaptive particle filter. It keeps two sample sets and
// flips between them on every resample; all other operations act on the
// current set. Filter is not safe for concurrent use.
type Filter struct {
	cfg Config

	sets [2]*sampleSet
	cur  int

	wSlow float64
	wFast float64

	randomPose func() (amcl.Pose, error)
	rng        *rand.Rand
	src        rand.Source
}

// New creates a filter with the given bounds. randomPose generates
// uniformly distributed poses over the map's free space; it is used by
// InitUniform and by adaptive recovery injection during resampling.
func New(cfg Config, randomPose func() (amcl.Pose, error), src rand.Source) (*Filter, error) {
	if cfg.MinParticles <= 0 || cfg.MaxParticles < cfg.MinParticles {
		return nil, fmt.Errorf("invalid particle bounds: %d..%d", cfg.MinParticles, cfg.MaxParticles)
	}
	if randomPose == nil {
		return nil, fmt.Errorf("no random pose generator")
	}
	if src == nil {
		src = rand.NewSource(rand.Uint64())
	}

	f := &Filter{
		cfg:        cfg,
		randomPose: randomPose,
		rng:        rand.New(src),
		src:        src,
	}
	for i := range f.sets {
		f.sets[i] = &sampleSet{
			samples: make([]Sample, 0, cfg.MaxParticles),
			tree:    newKDTree(bucketSizeX, bucketSizeY, bucketSizeYaw),
			cov:     mat.NewSymDense(3, nil),
		}
	}

	return f, nil
}

func (f *Filter) set() *sampleSet { return f.sets[f.cur] }

// Len returns the current sample count.
func (f *Filter) Len() int { return len(f.set().samples) }

// Samples returns the current sample slice. The caller must not hold on
// to it across a resample.
func (f *Filter) Samples() []Sample { return f.set().samples }

// InitGaussian resets the filter to MinParticles samples drawn from
// N(mean, cov) with uniform weights and clears the recovery averages.
// Singular covariances are allowed.
func (f *Filter) InitGaussian(mean amcl.Pose, cov *mat.SymDense) error {
	n := f.cfg.MinParticles

	draws, err := rnd.WithCovN(cov, n, f.src)
	if err != nil {
		return fmt.Errorf("failed to sample initial pose distribution: %w", err)
	}

	set := f.set()
	set.samples = set.samples[:0]
	set.tree.clear()

	w := 1.0 / float64(n)
	for i := 0; i < n; i++ {
		p := amcl.NewPose(
			mean.X+draws.At(0, i),
			mean.Y+draws.At(1, i),
			mean.Yaw+draws.At(2, i),
		)
		set.samples = append(set.samples, Sample{Pose: p, Weight: w})
		set.tree.insert(p, w)
	}

	f.wSlow, f.wFast = 0, 0
	f.clusterStats(set)

	return nil
}

// InitUniform resets the filter to MaxParticles samples drawn from the
// filter's random pose generator with uniform weights. It fails when the
// generator does, e.g. on a map without free cells.
func (f *Filter) InitUniform() error {
	n := f.cfg.MaxParticles

	set := f.set()
	set.samples = set.samples[:0]
	set.tree.clear()

	w := 1.0 / float64(n)
	for i := 0; i < n; i++ {
		p, err := f.randomPose()
		if err != nil {
			return fmt.Errorf("failed to draw uniform pose: %w", err)
		}
		set.samples = append(set.samples, Sample{Pose: p, Weight: w})
		set.tree.insert(p, w)
	}

	f.wSlow, f.wFast = 0, 0
	f.clusterStats(set)

	return nil
}

// UpdateMotion applies move to every sample of the current set. move is
// a motion model kernel already bound to an odometric delta; it mutates
// poses in place and must not touch weights.
func (f *Filter) UpdateMotion(move func(samples []Sample)) {
	move(f.set().samples)
}

// UpdateSensor reweights the current set with the observation model,
// normalizes, and folds the pre-normalization average weight into the
// slow and fast recovery averages.
func (f *Filter) UpdateSensor(m SensorModel) {
	set := f.set()

	total := m.Weigh(set.samples)
	if total <= 0 {
		// weight collapse: fall back to uniform weights
		w := 1.0 / float64(len(set.samples))
		for i := range set.samples {
			set.samples[i].Weight = w
		}
		return
	}

	for i := range set.samples {
		set.samples[i].Weight /= total
	}

	wAvg := total / float64(len(set.samples))
	if f.wSlow == 0 {
		f.wSlow = wAvg
	} else {
		f.wSlow += f.cfg.AlphaSlow * (wAvg - f.wSlow)
	}
	if f.wFast == 0 {
		f.wFast = wAvg
	} else {
		f.wFast += f.cfg.AlphaFast * (wAvg - f.wFast)
	}
}

// Resample draws the next sample set with KLD-adaptive low-variance
// resampling, injecting uniform poses with probability
// max(0, 1 - fast/slow), and flips the set buffers. Cluster statistics
// of the new set are recomputed.
func (f *Filter) Resample() {
	a := f.set()
	b := f.sets[1-f.cur]

	b.samples = b.samples[:0]
	b.tree.clear()

	wDiff := 0.0
	if f.wSlow > 0 {
		wDiff = 1.0 - f.wFast/f.wSlow
		if wDiff < 0 {
			wDiff = 0
		}
	}

	// low-variance ladder over the cumulative weights of the old set,
	// stepped at 1/MaxParticles so KLD can stop it early
	step := 1.0 / float64(f.cfg.MaxParticles)
	r := f.rng.Float64() * step
	c := a.samples[0].Weight
	i, m := 0, 0

	for len(b.samples) < f.cfg.MaxParticles {
		var p amcl.Pose
		if f.rng.Float64() < wDiff {
			rp, err := f.randomPose()
			if err != nil {
				rp = a.samples[f.rng.Intn(len(a.samples))].Pose
			}
			p = rp
		} else {
			u := r + float64(m)*step
			for u > c {
				i++
				if i >= len(a.samples) {
					r = f.rng.Float64() * step
					c = a.samples[0].Weight
					i, m = 0, 0
					u = r
					continue
				}
				c += a.samples[i].Weight
			}
			m++
			p = a.samples[i].Pose
		}

		b.samples = append(b.samples, Sample{Pose: p, Weight: 1.0})
		b.tree.insert(p, 1.0)

		if len(b.samples) > f.resampleLimit(b.tree.leafCount) {
			break
		}
	}

	if wDiff > 0 {
		f.wSlow, f.wFast = 0, 0
	}

	w := 1.0 / float64(len(b.samples))
	for i := range b.samples {
		b.samples[i].Weight = w
	}

	f.cur = 1 - f.cur
	f.clusterStats(b)
}

// resampleLimit returns the KLD bound on the sample count for k occupied
// histogram buckets, clamped to the configured particle range.
func (f *Filter) resampleLimit(k int) int {
	if k <= 1 {
		return f.cfg.MinParticles
	}

	a := 1.0
	b := 2.0 / (9.0 * float64(k-1))
	c := math.Sqrt(b) * f.cfg.KLDZ
	x := a - b + c

	n := int(math.Ceil(float64(k-1) / (2.0 * f.cfg.KLDErr) * x * x * x))
	if n < f.cfg.MinParticles {
		return f.cfg.MinParticles
	}
	if n > f.cfg.MaxParticles {
		return f.cfg.MaxParticles
	}
	return n
}

// RefreshClusters recomputes the cluster statistics of the current set.
// Callers that publish without resampling use it to keep the hypotheses
// consistent with the latest weights.
func (f *Filter) RefreshClusters() {
	f.clusterStats(f.set())
}

type clusterAcc struct {
	weight float64
	m      [4]float64
	c      [2][2]float64
}

func (f *Filter) clusterStats(set *sampleSet) {
	n := set.tree.clusterize()

	acc := make([]clusterAcc, n)
	var overall clusterAcc

	for _, s := range set.samples {
		add := func(a *clusterAcc) {
			a.weight += s.Weight
			a.m[0] += s.Weight * s.Pose.X
			a.m[1] += s.Weight * s.Pose.Y
			a.m[2] += s.Weight * math.Cos(s.Pose.Yaw)
			a.m[3] += s.Weight * math.Sin(s.Pose.Yaw)
			a.c[0][0] += s.Weight * s.Pose.X * s.Pose.X
			a.c[0][1] += s.Weight * s.Pose.X * s.Pose.Y
			a.c[1][0] += s.Weight * s.Pose.Y * s.Pose.X
			a.c[1][1] += s.Weight * s.Pose.Y * s.Pose.Y
		}

		add(&overall)
		if ci := set.tree.clusterOf(s.Pose); ci >= 0 && ci < n {
			add(&acc[ci])
		}
	}

	stats := func(a clusterAcc) (amcl.Pose, *mat.SymDense) {
		cov := mat.NewSymDense(3, nil)
		if a.weight <= 0 {
			return amcl.Pose{}, cov
		}

		mean := amcl.Pose{
			X:   a.m[0] / a.weight,
			Y:   a.m[1] / a.weight,
			Yaw: math.Atan2(a.m[3], a.m[2]),
		}

		for j := 0; j < 2; j++ {
			for k := j; k < 2; k++ {
				mj := a.m[j] / a.weight
				mk := a.m[k] / a.weight
				cov.SetSym(j, k, a.c[j][k]/a.weight-mj*mk)
			}
		}
		// circular variance of the yaw
		rho := math.Hypot(a.m[2]/a.weight, a.m[3]/a.weight)
		cov.SetSym(2, 2, -2.0*math.Log(rho))

		return mean, cov
	}

	set.clusters = set.clusters[:0]
	for _, a := range acc {
		mean, cov := stats(a)
		set.clusters = append(set.clusters, Hypothesis{Weight: a.weight, Mean: mean, Cov: cov})
	}
	set.mean, set.cov = stats(overall)
}

// Hypotheses returns the cluster statistics of the current set.
func (f *Filter) Hypotheses() []Hypothesis { return f.set().clusters }

// BestHypothesis returns the cluster with the largest total weight,
// preferring the lower cluster id on ties. The second return value is
// false when no cluster has positive weight.
func (f *Filter) BestHypothesis() (Hypothesis, bool) {
	best := Hypothesis{}
	found := false
	for _, h := range f.set().clusters {
		if h.Weight > best.Weight {
			best = h
			found = true
		}
	}
	return best, found
}

// Cov returns the 3x3 covariance of the whole current set.
func (f *Filter) Cov() *mat.SymDense { return f.set().cov }

// Mean returns the mean pose of the whole current set.
func (f *Filter) Mean() amcl.Pose { return f.set().mean }
