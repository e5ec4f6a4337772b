// Package localizer glues the particle filter, the motion model and the
// two observation models into the localization engine: it gates sensor
// updates on accumulated motion, resamples, publishes the best pose
// hypothesis and maintains the map->odom frame correction.
package localizer

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/dorisbot/amcl"
	"github.com/dorisbot/amcl/grid"
	"github.com/dorisbot/amcl/motion"
	"github.com/dorisbot/amcl/pf"
	"github.com/dorisbot/amcl/sensor/laser"
	"github.com/dorisbot/amcl/sensor/marker"
)

// TransformSource answers on-demand odometry queries.
type TransformSource interface {
	// OdomPose returns the robot base's pose in the odom frame at the
	// given time. An error drops the observation being processed.
	OdomPose(t time.Time) (amcl.Pose, error)
}

// Estimate is a published pose with its covariance.
type Estimate struct {
	Time time.Time
	Pose amcl.Pose
	// Cov is the 3x3 (x, y, yaw) covariance of the best cluster's
	// translation combined with the yaw variance of the whole set.
	Cov *mat.SymDense
}

// Transform is the map->odom frame correction.
type Transform struct {
	Parent string
	Child  string
	Pose   amcl.Pose
	// Expiry is the stamp until which consumers may extrapolate the
	// correction.
	Expiry time.Time
}

// Publisher receives the engine's outputs. Implementations must not call
// back into the Localizer.
type Publisher interface {
	PublishPose(e Estimate)
	PublishCloud(poses []amcl.Pose)
	PublishTransform(tf Transform)
}

// PoseStore persists the last estimate across restarts.
type PoseStore interface {
	SavePose(pose amcl.Pose, cov *mat.SymDense) error
	LoadPose() (amcl.Pose, *mat.SymDense, error)
}

// gate tracks per-sensor update state: the odometric pose at this
// sensor's last accepted update and a force flag armed by the services.
type gate struct {
	lastPose    amcl.Pose
	initialized bool
	force       bool
}

// due reports whether the accumulated motion since the last update
// clears the thresholds.
func (g *gate) due(odom amcl.Pose, minD, minA float64) bool {
	if g.force {
		return true
	}
	dx := odom.X - g.lastPose.X
	dy := odom.Y - g.lastPose.Y
	da := amcl.AngleDiff(odom.Yaw, g.lastPose.Yaw)
	return math.Abs(dx) > minD || math.Abs(dy) > minD || math.Abs(da) > minA
}

// Localizer is the update driver. All state is guarded by a single
// mutex; exported methods take it, internal helpers assume it is held.
type Localizer struct {
	mu sync.Mutex

	cfg  Config
	odom TransformSource
	pub  Publisher
	// optional; nil disables persistence
	store PoseStore
	src   rand.Source

	m      *grid.Map
	filter *pf.Filter
	move   motion.Model
	laser  *laser.Model
	marker *marker.Model
	rng    *rand.Rand

	laserGate  gate
	cameraGate gate
	// odometric pose at the last filter motion update, shared by both
	// gates
	filterOdomPose amcl.Pose
	filterOdomInit bool

	resampleCount int

	// pending initial pose to apply once a map arrives
	pendingPose *initialPose

	lastTransform Transform
	haveTransform bool

	lastScanTime  time.Time
	lastSaveTime  time.Time
	lastCloudTime time.Time
}

type initialPose struct {
	mean amcl.Pose
	cov  *mat.SymDense
}

// NewLocalizer creates the driver. The map arrives later through SetMap;
// observations before that are ignored. src may be nil; the engine then
// seeds its own source from the golang.org/x/exp/rand top-level
// generator, which starts from a fixed seed and repeats across runs.
func NewLocalizer(cfg Config, odom TransformSource, pub Publisher, store PoseStore, src rand.Source) (*Localizer, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	if odom == nil {
		return nil, fmt.Errorf("no transform source")
	}
	if pub == nil {
		return nil, fmt.Errorf("no publisher")
	}
	if src == nil {
		src = rand.NewSource(rand.Uint64())
	}

	l := &Localizer{
		cfg:   cfg,
		odom:  odom,
		pub:   pub,
		store: store,
		src:   src,
		rng:   rand.New(src),
	}

	l.pendingPose = l.restorePose()

	return l, nil
}

// restorePose reads the persisted pose back, falling back to the
// configured initial pose.
func (l *Localizer) restorePose() *initialPose {
	mean := amcl.NewPose(l.cfg.InitialPoseX, l.cfg.InitialPoseY, l.cfg.InitialPoseA)
	cov := mat.NewSymDense(3, nil)
	cov.SetSym(0, 0, l.cfg.InitialCovXX)
	cov.SetSym(1, 1, l.cfg.InitialCovYY)
	cov.SetSym(2, 2, l.cfg.InitialCovAA)

	if l.store != nil {
		p, c, err := l.store.LoadPose()
		if err != nil {
			log.Printf("no saved pose: %v", err)
		} else {
			mean, cov = sanitizePose(p, c, mean, cov)
		}
	}

	return &initialPose{mean: mean, cov: cov}
}

// sanitizePose rejects NaN fields one by one, keeping the fallback
// value for each offender.
func sanitizePose(p amcl.Pose, c *mat.SymDense, fallback amcl.Pose, fallbackCov *mat.SymDense) (amcl.Pose, *mat.SymDense) {
	if math.IsNaN(p.X) {
		log.Printf("ignoring NaN in initial pose x")
		p.X = fallback.X
	}
	if math.IsNaN(p.Y) {
		log.Printf("ignoring NaN in initial pose y")
		p.Y = fallback.Y
	}
	if math.IsNaN(p.Yaw) {
		log.Printf("ignoring NaN in initial pose yaw")
		p.Yaw = fallback.Yaw
	}

	cov := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			v := c.At(i, j)
			if math.IsNaN(v) {
				log.Printf("ignoring NaN in initial covariance (%d,%d)", i, j)
				v = fallbackCov.At(i, j)
			}
			cov.SetSym(i, j, v)
		}
	}

	return p, cov
}

// SetMap replaces the map and rebuilds the filter and both observation
// models. The pending initial pose, if any, is applied to the new
// filter; otherwise the filter starts uniform.
func (l *Localizer) SetMap(m *grid.Map) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if m == nil {
		return fmt.Errorf("no map")
	}
	if m.MaxDist() <= 0 {
		m.ComputeLikelihoodField(l.cfg.LikelihoodMaxDist)
	}

	filter, err := pf.New(l.cfg.Filter, l.uniformPoseFn(m), l.src)
	if err != nil {
		return fmt.Errorf("failed to create filter: %w", err)
	}

	move, err := motion.New(l.cfg.Motion, l.src)
	if err != nil {
		return fmt.Errorf("failed to create motion model: %w", err)
	}

	laserPose := amcl.NewPose(l.cfg.Laser0Pose.X, l.cfg.Laser0Pose.Y, l.cfg.Laser0Pose.Yaw)
	lm, err := laser.New(l.cfg.Laser, m, laserPose)
	if err != nil {
		return fmt.Errorf("failed to create laser model: %w", err)
	}

	var mm *marker.Model
	if len(l.cfg.Cameras) > 0 {
		rig, err := marker.NewRig(l.cfg.ImageWidth, l.cfg.ImageHeight, l.cfg.Cameras)
		if err != nil {
			return fmt.Errorf("failed to create camera rig: %w", err)
		}
		mm, err = marker.New(l.cfg.Marker, rig, l.cfg.Fiducials())
		if err != nil {
			return fmt.Errorf("failed to create marker model: %w", err)
		}
	}

	l.m = m
	l.filter = filter
	l.move = move
	l.laser = lm
	l.marker = mm

	l.laserGate = gate{}
	l.cameraGate = gate{}
	l.filterOdomInit = false
	l.resampleCount = 0
	l.haveTransform = false

	if l.pendingPose != nil {
		p := l.pendingPose
		l.pendingPose = nil
		if err := l.applyInitialPose(p.mean, p.cov); err != nil {
			return err
		}
		return nil
	}

	return l.filter.InitUniform()
}

// uniformPoseFn builds the free-space pose generator for a map.
func (l *Localizer) uniformPoseFn(m *grid.Map) func() (amcl.Pose, error) {
	return func() (amcl.Pose, error) {
		n := m.FreeCellCount()
		if n == 0 {
			return amcl.Pose{}, fmt.Errorf("map has no free cells")
		}
		i, j := m.FreeCell(l.rng.Intn(n))
		x, y := m.CellToWorld(i, j)
		yaw := l.rng.Float64()*2*math.Pi - math.Pi
		return amcl.NewPose(x, y, yaw), nil
	}
}

// HandleScan feeds one laser scan into the filter.
func (l *Localizer) HandleScan(t time.Time, scan laser.Scan) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastScanTime = t

	if l.filter == nil {
		return
	}

	l.handleObservation(t, &l.laserGate, func() {
		l.filter.UpdateSensor(l.laser.WithScan(scan))
	}, true)
}

// HandleDetections feeds one set of marker detections into the filter.
func (l *Localizer) HandleDetections(t time.Time, dets []marker.Detection) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.filter == nil || l.marker == nil {
		return
	}

	l.handleObservation(t, &l.cameraGate, func() {
		l.filter.UpdateSensor(l.marker.WithDetections(dets))
	}, false)
}

// handleObservation runs one gated update cycle for a sensor. weigh
// applies the bound observation to the filter; isLaser selects the
// resampling policy.
func (l *Localizer) handleObservation(t time.Time, g *gate, weigh func(), isLaser bool) {
	odomPose, err := l.odom.OdomPose(t)
	if err != nil {
		log.Printf("failed to look up odom pose: %v", err)
		return
	}

	if !g.initialized {
		// first observation: seed the gate and the motion reference,
		// score without motion integration and publish
		g.lastPose = odomPose
		g.initialized = true
		if !l.filterOdomInit {
			l.filterOdomPose = odomPose
			l.filterOdomInit = true
		}
	} else if !g.due(odomPose, l.cfg.UpdateMinD, l.cfg.UpdateMinA) {
		l.republishTransform(t)
		return
	} else {
		l.integrateMotion(odomPose)
	}

	weigh()
	g.lastPose = odomPose
	g.force = false

	if isLaser {
		l.filter.Resample()
	} else {
		l.resampleCount++
		if l.resampleCount%l.cfg.ResampleInterval == 0 {
			l.filter.Resample()
		} else {
			l.filter.RefreshClusters()
		}
	}

	l.publish(t, odomPose)
}

// integrateMotion perturbs the cloud with the odometric delta since the
// last filter motion update.
func (l *Localizer) integrateMotion(odomPose amcl.Pose) {
	if !l.filterOdomInit {
		l.filterOdomPose = odomPose
		l.filterOdomInit = true
		return
	}

	d := motion.Delta{
		DX:     odomPose.X - l.filterOdomPose.X,
		DY:     odomPose.Y - l.filterOdomPose.Y,
		DYaw:   amcl.AngleDiff(odomPose.Yaw, l.filterOdomPose.Yaw),
		OldYaw: l.filterOdomPose.Yaw,
	}
	l.filterOdomPose = odomPose

	l.filter.UpdateMotion(func(samples []pf.Sample) {
		l.move.Move(d, samples)
	})
}

// publish emits pose, cloud and transform for the current filter state.
func (l *Localizer) publish(t time.Time, odomPose amcl.Pose) {
	best, ok := l.filter.BestHypothesis()
	if !ok {
		log.Printf("no cluster with positive weight, skipping publication")
		return
	}

	// translation covariance from the best cluster, yaw variance from
	// the whole set
	cov := mat.NewSymDense(3, nil)
	for i := 0; i < 2; i++ {
		for j := i; j < 2; j++ {
			cov.SetSym(i, j, best.Cov.At(i, j))
		}
	}
	cov.SetSym(2, 2, l.filter.Cov().At(2, 2))

	l.pub.PublishPose(Estimate{Time: t, Pose: best.Mean, Cov: cov})

	if l.cloudDue(t) {
		samples := l.filter.Samples()
		poses := make([]amcl.Pose, len(samples))
		for i, s := range samples {
			poses[i] = s.Pose
		}
		l.pub.PublishCloud(poses)
		l.lastCloudTime = t
	}

	if l.cfg.TFBroadcast {
		l.lastTransform = Transform{
			Parent: l.cfg.GlobalFrame,
			Child:  l.cfg.OdomFrame,
			Pose:   best.Mean.Compose(odomPose.Inverse()),
			Expiry: t.Add(time.Duration(l.cfg.TransformTolerance * float64(time.Second))),
		}
		l.haveTransform = true
		l.pub.PublishTransform(l.lastTransform)
	}

	l.maybeSavePose(t, best.Mean, cov)
}

// cloudDue throttles cloud publication to gui_publish_rate; a rate <= 0
// publishes on every cycle.
func (l *Localizer) cloudDue(t time.Time) bool {
	if l.cfg.GuiPublishRate <= 0 {
		return true
	}
	period := time.Duration(float64(time.Second) / l.cfg.GuiPublishRate)
	return l.lastCloudTime.IsZero() || t.Sub(l.lastCloudTime) >= period
}

// republishTransform re-broadcasts the last valid correction with a new
// expiry so downstream consumers keep a live frame chain.
func (l *Localizer) republishTransform(t time.Time) {
	if !l.haveTransform || !l.cfg.TFBroadcast {
		return
	}
	l.lastTransform.Expiry = t.Add(time.Duration(l.cfg.TransformTolerance * float64(time.Second)))
	l.pub.PublishTransform(l.lastTransform)
}

// maybeSavePose persists the estimate at most every save_pose period.
func (l *Localizer) maybeSavePose(t time.Time, pose amcl.Pose, cov *mat.SymDense) {
	if l.store == nil || l.cfg.SavePoseRate <= 0 {
		return
	}
	period := time.Duration(float64(time.Second) / l.cfg.SavePoseRate)
	if !l.lastSaveTime.IsZero() && t.Sub(l.lastSaveTime) < period {
		return
	}
	if err := l.store.SavePose(pose, cov); err != nil {
		log.Printf("failed to save pose: %v", err)
		return
	}
	l.lastSaveTime = t
}

// GlobalLocalization scatters the cloud uniformly over the map's free
// space.
func (l *Localizer) GlobalLocalization() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.filter == nil {
		return fmt.Errorf("no map")
	}
	if err := l.filter.InitUniform(); err != nil {
		return err
	}

	l.laserGate.force = true
	l.cameraGate.force = true

	return nil
}

// NoMotionUpdate arms both gates so the next observation of each sensor
// triggers a full cycle regardless of accumulated motion.
func (l *Localizer) NoMotionUpdate() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.laserGate.force = true
	l.cameraGate.force = true
}

// SetInitialPose re-seeds the filter with a Gaussian cloud around the
// given pose. NaN fields are rejected individually, keeping the current
// estimate's value. Without a map the pose is kept pending and applied
// by SetMap.
func (l *Localizer) SetInitialPose(mean amcl.Pose, cov *mat.SymDense) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	fallback := amcl.Pose{}
	fallbackCov := mat.NewSymDense(3, nil)
	if l.filter != nil {
		fallback = l.filter.Mean()
		fallbackCov.CopySym(l.filter.Cov())
	}
	mean, cov = sanitizePose(mean, cov, fallback, fallbackCov)

	if l.filter == nil {
		l.pendingPose = &initialPose{mean: mean, cov: cov}
		return nil
	}

	return l.applyInitialPose(mean, cov)
}

func (l *Localizer) applyInitialPose(mean amcl.Pose, cov *mat.SymDense) error {
	if err := l.filter.InitGaussian(mean, cov); err != nil {
		return err
	}

	l.laserGate.force = true
	l.cameraGate.force = true
	l.filterOdomInit = false

	return nil
}

// LaserCheck warns when no scan has arrived within the configured
// staleness interval. It returns the elapsed time since the last scan.
func (l *Localizer) LaserCheck(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lastScanTime.IsZero() {
		return 0
	}
	elapsed := now.Sub(l.lastScanTime)
	if l.cfg.LaserCheckInterval > 0 && elapsed.Seconds() > l.cfg.LaserCheckInterval {
		log.Printf("no laser scan received for %.1f seconds, verify the scan topic", elapsed.Seconds())
	}
	return elapsed
}

// PoseError compares the current estimate against a ground-truth pose.
type PoseError struct {
	DX        float64
	DY        float64
	Euclidean float64
	DYaw      float64
}

// ErrorAgainst computes the estimate's deviation from a known true pose.
func (l *Localizer) ErrorAgainst(truth amcl.Pose) (PoseError, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.filter == nil {
		return PoseError{}, false
	}
	best, ok := l.filter.BestHypothesis()
	if !ok {
		return PoseError{}, false
	}

	dx := best.Mean.X - truth.X
	dy := best.Mean.Y - truth.Y
	return PoseError{
		DX:        dx,
		DY:        dy,
		Euclidean: math.Hypot(dx, dy),
		DYaw:      amcl.AngleDiff(best.Mean.Yaw, truth.Yaw),
	}, true
}

// Estimate returns the current best hypothesis.
func (l *Localizer) Estimate() (amcl.Pose, *mat.SymDense, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.filter == nil {
		return amcl.Pose{}, nil, false
	}
	best, ok := l.filter.BestHypothesis()
	if !ok {
		return amcl.Pose{}, nil, false
	}
	return best.Mean, best.Cov, true
}

// NumParticles returns the current sample count.
func (l *Localizer) NumParticles() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.filter == nil {
		return 0
	}
	return l.filter.Len()
}

// Close persists the final estimate before shutdown.
func (l *Localizer) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.store == nil || l.filter == nil {
		return nil
	}
	best, ok := l.filter.BestHypothesis()
	if !ok {
		return nil
	}
	return l.store.SavePose(best.Mean, best.Cov)
}
