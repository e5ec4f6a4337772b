// Package marker implements the visual fiducial observation model. Every
// map-registered marker carries four 3D corner points; a detection is
// scored by reprojecting those corners through the particle's pose and
// the detecting camera's extrinsics into image space and comparing
// against the detected pixel corners.
package marker

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/dorisbot/amcl/pf"
)

// Pose6 is a 3D rigid transform given as a translation and fixed-axis
// roll/pitch/yaw angles.
type Pose6 struct {
	X     float64 `yaml:"x"`
	Y     float64 `yaml:"y"`
	Z     float64 `yaml:"z"`
	Roll  float64 `yaml:"roll"`
	Pitch float64 `yaml:"pitch"`
	Yaw   float64 `yaml:"yaw"`
}

func (p Pose6) rotate(v r3.Vec) r3.Vec {
	v = r3.NewRotation(p.Roll, r3.Vec{X: 1}).Rotate(v)
	v = r3.NewRotation(p.Pitch, r3.Vec{Y: 1}).Rotate(v)
	return r3.NewRotation(p.Yaw, r3.Vec{Z: 1}).Rotate(v)
}

// Apply maps a point from the transform's local frame into its parent
// frame.
func (p Pose6) Apply(v r3.Vec) r3.Vec {
	return r3.Add(p.rotate(v), r3.Vec{X: p.X, Y: p.Y, Z: p.Z})
}

// invert maps a parent-frame point into the transform's local frame.
func (p Pose6) invert(v r3.Vec) r3.Vec {
	v = r3.Sub(v, r3.Vec{X: p.X, Y: p.Y, Z: p.Z})
	v = r3.NewRotation(-p.Yaw, r3.Vec{Z: 1}).Rotate(v)
	v = r3.NewRotation(-p.Pitch, r3.Vec{Y: 1}).Rotate(v)
	return r3.NewRotation(-p.Roll, r3.Vec{X: 1}).Rotate(v)
}

// Fiducial is a map-registered visual marker: an ID, its context, and
// four world-frame corner points in top-left, bottom-left, bottom-right,
// top-right order as seen from the marker's front face.
type Fiducial struct {
	ID       uint32
	MapID    int32
	SectorID int32
	Corners  [4]r3.Vec
}

// NewFiducial synthesizes the corner points of a planar marker from its
// center pose and physical size. The marker frame has X to the right and
// Y down when looking at the front face.
func NewFiducial(id uint32, mapID, sectorID int32, center Pose6, width, height float64) Fiducial {
	hw, hh := width/2, height/2
	offsets := [4]r3.Vec{
		{X: -hw, Y: -hh}, // top-left
		{X: -hw, Y: hh},  // bottom-left
		{X: hw, Y: hh},   // bottom-right
		{X: hw, Y: -hh},  // top-right
	}

	f := Fiducial{ID: id, MapID: mapID, SectorID: sectorID}
	for i, o := range offsets {
		f.Corners[i] = center.Apply(o)
	}
	return f
}

// Detection is one observed marker: the matching fiducial ID, the index
// of the camera that saw it and the four detected pixel corners in the
// same order as Fiducial.Corners.
type Detection struct {
	ID      uint32
	Camera  int
	Corners [4][2]float64
}

// Rig is a calibrated multi-camera setup: the pose of every camera's
// optical frame in the robot base frame plus the shared image size. The
// optical frame has X right, Y down and Z forward; projection uses a
// pinhole with focal length equal to half the image width.
type Rig struct {
	cameras []Pose6
	width   float64
	height  float64
}

// NewRig creates a camera rig.
func NewRig(width, height int, cameras []Pose6) (*Rig, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid image dimensions: %d x %d", width, height)
	}
	if len(cameras) == 0 {
		return nil, fmt.Errorf("no cameras")
	}

	return &Rig{
		cameras: append([]Pose6(nil), cameras...),
		width:   float64(width),
		height:  float64(height),
	}, nil
}

// NumCameras returns the number of cameras in the rig.
func (r *Rig) NumCameras() int { return len(r.cameras) }

// Project maps a base-frame point through camera cam onto the image
// plane. It returns false when the point lies on or behind the camera.
func (r *Rig) Project(cam int, p r3.Vec) (u, v float64, ok bool) {
	cp := r.cameras[cam].invert(p)
	if cp.Z <= 0 {
		return 0, 0, false
	}

	f := r.width / 2
	u = r.width/2 + f*cp.X/cp.Z
	v = r.height/2 + f*cp.Y/cp.Z

	return u, v, true
}

func (r *Rig) inImage(u, v float64) bool {
	return u >= 0 && u <= r.width && v >= 0 && v <= r.height
}

func (r *Rig) diagonal() float64 {
	return math.Hypot(r.width, r.height)
}

// Config holds the marker model parameters.
type Config struct {
	ZHit     float64 `yaml:"marker_z_hit"`
	ZRand    float64 `yaml:"marker_z_rand"`
	SigmaHit float64 `yaml:"marker_sigma_hit"`
	// Landa is the decay rate of the exponential fall-off used when a
	// reprojected corner leaves the image bounds.
	Landa float64 `yaml:"marker_landa"`
	// Coefficient is the exponent applied to the per-particle factor on
	// every marker update, weighting camera against laser evidence; 0 is
	// taken as 1.
	Coefficient float64 `yaml:"marker_coeff"`
}

// Model scores marker detection sets against the visual map.
type Model struct {
	cfg       Config
	rig       *Rig
	fiducials map[uint32]Fiducial
}

// New creates a marker model for the given visual map and camera rig.
func New(cfg Config, rig *Rig, fiducials []Fiducial) (*Model, error) {
	if rig == nil {
		return nil, fmt.Errorf("no camera rig")
	}
	if cfg.SigmaHit <= 0 {
		return nil, fmt.Errorf("invalid sigma_hit: %f", cfg.SigmaHit)
	}
	if cfg.Coefficient == 0 {
		cfg.Coefficient = 1
	}

	byID := make(map[uint32]Fiducial, len(fiducials))
	for _, f := range fiducials {
		byID[f.ID] = f
	}

	return &Model{cfg: cfg, rig: rig, fiducials: byID}, nil
}

// WithDetections binds a detection set and returns the sensor update to
// feed into the filter.
func (m *Model) WithDetections(dets []Detection) pf.SensorModel {
	return detectionUpdate{m: m, dets: dets}
}

type detectionUpdate struct {
	m    *Model
	dets []Detection
}

func (u detectionUpdate) Weigh(samples []pf.Sample) float64 {
	return u.m.weigh(u.dets, samples)
}

func (m *Model) weigh(dets []Detection, samples []pf.Sample) float64 {
	gaussNorm := 1.0 / (m.cfg.SigmaHit * math.Sqrt(2*math.Pi))
	denom := 2.0 * m.cfg.SigmaHit * m.cfg.SigmaHit
	randTerm := m.cfg.ZRand / m.rig.diagonal()

	total := 0.0
	for i := range samples {
		toBase := samples[i].Pose.Inverse()

		p := 1.0
		for _, det := range dets {
			fid, ok := m.fiducials[det.ID]
			if !ok || det.Camera < 0 || det.Camera >= len(m.rig.cameras) {
				continue
			}

			errSum := 0.0
			behind := false
			outOfImage := false
			for c, wc := range fid.Corners {
				bx, by := toBase.TransformPoint(wc.X, wc.Y)
				u, v, ok := m.rig.Project(det.Camera, r3.Vec{X: bx, Y: by, Z: wc.Z})
				if !ok {
					behind = true
					break
				}
				if !m.rig.inImage(u, v) {
					outOfImage = true
				}
				errSum += math.Hypot(u-det.Corners[c][0], v-det.Corners[c][1])
			}

			// behind-camera geometry is not informative
			if behind {
				continue
			}

			e := errSum / 4
			var pz float64
			if outOfImage {
				pz = m.cfg.ZHit*math.Exp(-m.cfg.Landa*e) + randTerm
			} else {
				pz = m.cfg.ZHit*gaussNorm*math.Exp(-e*e/denom) + randTerm
			}
			p *= pz
		}

		samples[i].Weight *= math.Pow(p, m.cfg.Coefficient)
		total += samples[i].Weight
	}

	return total
}
