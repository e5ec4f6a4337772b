// Package amcl provides the shared planar-pose types and angle arithmetic
// used by the adaptive Monte Carlo localization engine. The filter itself
// lives in the pf package, the sensor models under sensor/ and the update
// driver in localizer.
package amcl

import "math"

// Pose is a planar rigid transform: a position in meters and a heading in
// radians. Depending on context it denotes either a robot pose in some
// frame or the transform between two frames.
type Pose struct {
	X   float64
	Y   float64
	Yaw float64
}

// NewPose returns a Pose with the yaw normalized to (-pi, pi].
func NewPose(x, y, yaw float64) Pose {
	return Pose{X: x, Y: y, Yaw: NormalizeAngle(yaw)}
}

// NormalizeAngle wraps a into (-pi, pi].
func NormalizeAngle(a float64) float64 {
	return math.Atan2(math.Sin(a), math.Cos(a))
}

// AngleDiff returns the smallest signed difference a-b in (-pi, pi].
// AngleDiff(a, b) == -AngleDiff(b, a) up to floating point noise.
func AngleDiff(a, b float64) float64 {
	a = NormalizeAngle(a)
	b = NormalizeAngle(b)

	d1 := a - b
	d2 := 2*math.Pi - math.Abs(d1)
	if d1 > 0 {
		d2 = -d2
	}

	if math.Abs(d1) < math.Abs(d2) {
		return d1
	}
	return d2
}

// Compose treats p and q as rigid transforms and returns p*q, i.e. q
// expressed through p's frame.
func (p Pose) Compose(q Pose) Pose {
	s, c := math.Sincos(p.Yaw)

	return Pose{
		X:   p.X + q.X*c - q.Y*s,
		Y:   p.Y + q.X*s + q.Y*c,
		Yaw: NormalizeAngle(p.Yaw + q.Yaw),
	}
}

// Inverse returns the transform q such that p*q is the identity.
func (p Pose) Inverse() Pose {
	s, c := math.Sincos(p.Yaw)

	return Pose{
		X:   -(p.X*c + p.Y*s),
		Y:   -(-p.X*s + p.Y*c),
		Yaw: NormalizeAngle(-p.Yaw),
	}
}

// TransformPoint maps the point (x, y) through the transform p.
func (p Pose) TransformPoint(x, y float64) (float64, float64) {
	s, c := math.Sincos(p.Yaw)

	return p.X + x*c - y*s, p.Y + x*s + y*c
}
