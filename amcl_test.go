package amcl

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeAngle(t *testing.T) {
	assert := assert.New(t)

	assert.InDelta(0.0, NormalizeAngle(2*math.Pi), 1e-12)
	assert.InDelta(math.Pi, NormalizeAngle(math.Pi), 1e-12)
	assert.InDelta(-math.Pi/2, NormalizeAngle(3*math.Pi/2), 1e-12)

	for a := -10.0; a < 10.0; a += 0.37 {
		n := NormalizeAngle(a)
		assert.True(n > -math.Pi-1e-12 && n <= math.Pi+1e-12)
		assert.InDelta(math.Sin(a), math.Sin(n), 1e-12)
		assert.InDelta(math.Cos(a), math.Cos(n), 1e-12)
	}
}

func TestAngleDiff(t *testing.T) {
	assert := assert.New(t)

	assert.InDelta(0.1, AngleDiff(0.2, 0.1), 1e-12)
	// shortest way across the pi boundary
	assert.InDelta(0.2, AngleDiff(-math.Pi+0.1, math.Pi-0.1), 1e-12)

	for a := -8.0; a < 8.0; a += 0.53 {
		for b := -8.0; b < 8.0; b += 0.61 {
			d := AngleDiff(a, b)
			assert.True(d > -math.Pi-1e-12 && d <= math.Pi+1e-12)
			assert.InDelta(-d, AngleDiff(b, a), 1e-9)
			// adding the diff back recovers a (mod 2pi)
			assert.InDelta(0.0, AngleDiff(b+d, a), 1e-9)
		}
	}
}

func TestComposeInverse(t *testing.T) {
	assert := assert.New(t)

	p := NewPose(1.2, -0.7, 0.9)
	q := NewPose(0.4, 2.1, -1.3)

	pq := p.Compose(q)
	back := p.Inverse().Compose(pq)
	assert.InDelta(q.X, back.X, 1e-12)
	assert.InDelta(q.Y, back.Y, 1e-12)
	assert.InDelta(0.0, AngleDiff(q.Yaw, back.Yaw), 1e-12)

	ident := p.Compose(p.Inverse())
	assert.InDelta(0.0, ident.X, 1e-12)
	assert.InDelta(0.0, ident.Y, 1e-12)
	assert.InDelta(0.0, ident.Yaw, 1e-12)
}

func TestTransformPoint(t *testing.T) {
	assert := assert.New(t)

	p := NewPose(1.0, 2.0, math.Pi/2)
	x, y := p.TransformPoint(1.0, 0.0)
	assert.InDelta(1.0, x, 1e-12)
	assert.InDelta(3.0, y, 1e-12)
}
