package pf

import (
	"fmt"
	"math"
	"testing"

	"github.com/milosgajdos/matrix"
	"github.com/stretchr/testify/assert"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/dorisbot/amcl"
)

var testConfig = Config{
	MinParticles: 100,
	MaxParticles: 2000,
	KLDErr:       0.01,
	KLDZ:         0.99,
	AlphaSlow:    0.001,
	AlphaFast:    0.1,
}

// boxPose draws uniform poses over a 10x10 m box.
func boxPose(rng *rand.Rand) func() (amcl.Pose, error) {
	return func() (amcl.Pose, error) {
		return amcl.Pose{
			X:   rng.Float64() * 10.0,
			Y:   rng.Float64() * 10.0,
			Yaw: rng.Float64()*2*math.Pi - math.Pi,
		}, nil
	}
}

func newTestFilter(t *testing.T, seed uint64) *Filter {
	t.Helper()

	rng := rand.New(rand.NewSource(seed))
	f, err := New(testConfig, boxPose(rng), rand.NewSource(seed+1))
	assert.NoError(t, err)

	return f
}

type weighFn func([]Sample) float64

func (fn weighFn) Weigh(s []Sample) float64 { return fn(s) }

func weightSum(f *Filter) float64 {
	sum := 0.0
	for _, s := range f.Samples() {
		sum += s.Weight
	}
	return sum
}

func TestNew(t *testing.T) {
	assert := assert.New(t)

	rng := rand.New(rand.NewSource(1))

	_, err := New(Config{MinParticles: 0, MaxParticles: 10}, boxPose(rng), nil)
	assert.Error(err)

	_, err = New(Config{MinParticles: 100, MaxParticles: 50}, boxPose(rng), nil)
	assert.Error(err)

	_, err = New(testConfig, nil, nil)
	assert.Error(err)

	f, err := New(testConfig, boxPose(rng), nil)
	assert.NoError(err)
	assert.Equal(0, f.Len())
}

func TestInitGaussian(t *testing.T) {
	assert := assert.New(t)

	f := newTestFilter(t, 42)

	mean := amcl.NewPose(2.0, 3.0, 0.5)
	cov := mat.NewSymDense(3, []float64{
		0.01, 0, 0,
		0, 0.01, 0,
		0, 0, 0.01,
	})

	assert.NoError(f.InitGaussian(mean, cov))
	assert.Equal(testConfig.MinParticles, f.Len())
	assert.InDelta(1.0, weightSum(f), 1e-6)

	best, ok := f.BestHypothesis()
	assert.True(ok)
	assert.InDelta(2.0, best.Mean.X, 0.02*3)
	assert.InDelta(3.0, best.Mean.Y, 0.02*3)
	assert.InDelta(0.5, amcl.NormalizeAngle(best.Mean.Yaw), 0.05)

	// the generated cloud's sample covariance approximates the request
	n := f.Len()
	data := mat.NewDense(3, n, nil)
	for i, s := range f.Samples() {
		data.Set(0, i, s.Pose.X)
		data.Set(1, i, s.Pose.Y)
		data.Set(2, i, s.Pose.Yaw)
	}
	sampleCov, err := matrix.Cov(data, "cols")
	assert.NoError(err)
	for i := 0; i < 3; i++ {
		assert.InDelta(0.01, sampleCov.At(i, i), 0.01)
	}
}

func TestInitGaussianSingularCov(t *testing.T) {
	assert := assert.New(t)

	f := newTestFilter(t, 7)

	cov := mat.NewSymDense(3, nil)
	cov.SetSym(0, 0, 0.25)

	assert.NoError(f.InitGaussian(amcl.NewPose(1, 1, 0), cov))
	for _, s := range f.Samples() {
		assert.InDelta(1.0, s.Pose.Y, 1e-9)
		assert.InDelta(0.0, s.Pose.Yaw, 1e-9)
	}
}

func TestInitUniform(t *testing.T) {
	assert := assert.New(t)

	f := newTestFilter(t, 3)
	assert.NoError(f.InitUniform())
	assert.Equal(testConfig.MaxParticles, f.Len())
	assert.InDelta(1.0, weightSum(f), 1e-6)

	for _, s := range f.Samples() {
		assert.True(s.Pose.X >= 0 && s.Pose.X <= 10)
		assert.True(s.Pose.Y >= 0 && s.Pose.Y <= 10)
	}
}

func TestInitUniformDegenerate(t *testing.T) {
	assert := assert.New(t)

	bad := func() (amcl.Pose, error) {
		return amcl.Pose{}, fmt.Errorf("no free cells")
	}
	f, err := New(testConfig, bad, rand.NewSource(1))
	assert.NoError(err)
	assert.Error(f.InitUniform())
}

func TestUpdateMotion(t *testing.T) {
	assert := assert.New(t)

	f := newTestFilter(t, 11)
	assert.NoError(f.InitGaussian(amcl.NewPose(0, 0, 0), mat.NewSymDense(3, nil)))

	f.UpdateMotion(func(samples []Sample) {
		for i := range samples {
			samples[i].Pose.X += 1.0
		}
	})

	for _, s := range f.Samples() {
		assert.InDelta(1.0, s.Pose.X, 1e-12)
	}
	assert.InDelta(1.0, weightSum(f), 1e-6)
}

func TestUpdateSensor(t *testing.T) {
	assert := assert.New(t)

	f := newTestFilter(t, 13)
	assert.NoError(f.InitUniform())

	// favor particles left of x = 5
	f.UpdateSensor(weighFn(func(samples []Sample) float64 {
		total := 0.0
		for i := range samples {
			l := 0.1
			if samples[i].Pose.X < 5.0 {
				l = 1.0
			}
			samples[i].Weight *= l
			total += samples[i].Weight
		}
		return total
	}))

	assert.InDelta(1.0, weightSum(f), 1e-6)

	var left, right float64
	for _, s := range f.Samples() {
		if s.Pose.X < 5.0 {
			left += s.Weight
		} else {
			right += s.Weight
		}
	}
	assert.True(left > 5*right)

	// first update seeds both recovery averages with w_avg
	assert.True(f.wSlow > 0)
	assert.InDelta(f.wSlow, f.wFast, 1e-12)
}

func TestUpdateSensorCollapse(t *testing.T) {
	assert := assert.New(t)

	f := newTestFilter(t, 17)
	assert.NoError(f.InitUniform())

	f.UpdateSensor(weighFn(func(samples []Sample) float64 {
		for i := range samples {
			samples[i].Weight = 0
		}
		return 0
	}))

	w := 1.0 / float64(f.Len())
	for _, s := range f.Samples() {
		assert.InDelta(w, s.Weight, 1e-12)
	}
}

func TestResampleShrinksToBound(t *testing.T) {
	assert := assert.New(t)

	f := newTestFilter(t, 19)
	assert.NoError(f.InitUniform())

	// sharply peaked observation: posterior collapses to a few buckets
	target := amcl.NewPose(4.2, 4.2, 0.1)
	f.UpdateSensor(weighFn(func(samples []Sample) float64 {
		total := 0.0
		for i := range samples {
			d2 := (samples[i].Pose.X-target.X)*(samples[i].Pose.X-target.X) +
				(samples[i].Pose.Y-target.Y)*(samples[i].Pose.Y-target.Y)
			dy := amcl.AngleDiff(samples[i].Pose.Yaw, target.Yaw)
			samples[i].Weight *= math.Exp(-d2/(2*0.01) - dy*dy/(2*0.01))
			total += samples[i].Weight
		}
		return total
	}))

	f.Resample()

	assert.True(f.Len() <= 3*testConfig.MinParticles,
		"expected collapse towards min_particles, got %d", f.Len())
	assert.True(f.Len() < testConfig.MaxParticles/2)
	assert.InDelta(1.0, weightSum(f), 1e-6)
}

func TestResamplePreservesDominantCluster(t *testing.T) {
	assert := assert.New(t)

	f := newTestFilter(t, 23)

	mean := amcl.NewPose(5.0, 5.0, 0.0)
	cov := mat.NewSymDense(3, []float64{
		0.01, 0, 0,
		0, 0.01, 0,
		0, 0, 0.01,
	})
	assert.NoError(f.InitGaussian(mean, cov))

	before, ok := f.BestHypothesis()
	assert.True(ok)

	// no injection configured: slow and fast are both zero
	f.Resample()

	after, ok := f.BestHypothesis()
	assert.True(ok)
	assert.InDelta(before.Mean.X, after.Mean.X, 3*0.1)
	assert.InDelta(before.Mean.Y, after.Mean.Y, 3*0.1)
	assert.InDelta(0.0, amcl.AngleDiff(before.Mean.Yaw, after.Mean.Yaw), 3*0.1)
}

func TestResampleRecoveryInjection(t *testing.T) {
	assert := assert.New(t)

	f := newTestFilter(t, 29)

	mean := amcl.NewPose(5.0, 5.0, 0.0)
	cov := mat.NewSymDense(3, []float64{
		0.001, 0, 0,
		0, 0.001, 0,
		0, 0, 0.001,
	})
	assert.NoError(f.InitGaussian(mean, cov))

	// fabricated weight history: 90% of draws should be uniform
	f.wSlow = 1.0
	f.wFast = 0.1

	f.Resample()

	injected := 0
	for _, s := range f.Samples() {
		if math.Hypot(s.Pose.X-5.0, s.Pose.Y-5.0) > 0.5 {
			injected++
		}
	}
	frac := float64(injected) / float64(f.Len())
	assert.InDelta(0.9, frac, 0.08)

	// averages reset after a triggered injection
	assert.InDelta(0.0, f.wSlow, 1e-12)
	assert.InDelta(0.0, f.wFast, 1e-12)
}

func TestResampleLimit(t *testing.T) {
	assert := assert.New(t)

	f := newTestFilter(t, 31)

	assert.Equal(testConfig.MinParticles, f.resampleLimit(0))
	assert.Equal(testConfig.MinParticles, f.resampleLimit(1))
	assert.Equal(testConfig.MinParticles, f.resampleLimit(2))

	// monotonic in the bucket count
	prev := 0
	for k := 2; k < 500; k += 7 {
		n := f.resampleLimit(k)
		assert.True(n >= prev)
		assert.True(n >= testConfig.MinParticles && n <= testConfig.MaxParticles)
		prev = n
	}
}

func TestBestHypothesisTieBreak(t *testing.T) {
	assert := assert.New(t)

	f := newTestFilter(t, 37)
	assert.NoError(f.InitGaussian(amcl.NewPose(1, 1, 0), mat.NewSymDense(3, nil)))

	set := f.set()
	set.clusters = []Hypothesis{
		{Weight: 0.5, Mean: amcl.NewPose(1, 1, 0)},
		{Weight: 0.5, Mean: amcl.NewPose(9, 9, 0)},
	}

	best, ok := f.BestHypothesis()
	assert.True(ok)
	assert.InDelta(1.0, best.Mean.X, 1e-12)
}

func TestBestHypothesisEmpty(t *testing.T) {
	assert := assert.New(t)

	f := newTestFilter(t, 41)
	_, ok := f.BestHypothesis()
	assert.False(ok)
}
