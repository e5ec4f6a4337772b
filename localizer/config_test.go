package localizer

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/dorisbot/amcl/motion"
	"github.com/dorisbot/amcl/sensor/marker"
)

const sampleYAML = `
min_particles: 200
max_particles: 3000
kld_err: 0.02
odom_model_type: omni-corrected
odom_alpha1: 0.1
laser_model_type: likelihood_field_prob
laser_max_beams: 60
do_beamskip: true
marker_sigma_hit: 8.0
update_min_d: 0.3
resample_interval: 3
laser_pose: {x: 0.2, y: 0.0, yaw: 0.1}
global_frame_id: world
initial_pose_x: 1.5
initial_pose_y: -2.0
image_width: 1280
image_height: 720
camera_positions:
  - {x: 0.1, roll: -1.5707963, yaw: -1.5707963}
marker_positions:
  - id: 7
    map_id: 1
    sector_id: 2
    center: {x: 3.0, z: 0.5, yaw: 1.5707963, roll: -1.5707963}
    width: 0.2
    height: 0.2
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "amcl.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	assert := assert.New(t)

	cfg, err := LoadConfig(writeConfig(t, sampleYAML))
	assert.NoError(err)

	want := DefaultConfig()
	want.Filter.MinParticles = 200
	want.Filter.MaxParticles = 3000
	want.Filter.KLDErr = 0.02
	want.Motion.Type = motion.TypeOmniCorrected
	want.Motion.Alpha1 = 0.1
	want.Laser.Type = "likelihood_field_prob"
	want.Laser.MaxBeams = 60
	want.Laser.DoBeamSkip = true
	want.Marker.SigmaHit = 8.0
	want.UpdateMinD = 0.3
	want.ResampleInterval = 3
	want.Laser0Pose = LaserPose{X: 0.2, Yaw: 0.1}
	want.GlobalFrame = "world"
	want.InitialPoseX = 1.5
	want.InitialPoseY = -2.0
	want.ImageWidth = 1280
	want.ImageHeight = 720
	want.NumCameras = 1
	want.Cameras = []marker.Pose6{{X: 0.1, Roll: -1.5707963, Yaw: -1.5707963}}
	want.Markers = []MarkerSpec{{
		ID: 7, MapID: 1, SectorID: 2,
		Center: marker.Pose6{X: 3.0, Z: 0.5, Yaw: 1.5707963, Roll: -1.5707963},
		Width:  0.2, Height: 0.2,
	}}

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	assert := assert.New(t)

	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(err)
}

func TestNormalizeParticleBounds(t *testing.T) {
	assert := assert.New(t)

	cfg := DefaultConfig()
	cfg.Filter.MinParticles = 800
	cfg.Filter.MaxParticles = 500

	got, err := cfg.Normalize()
	assert.NoError(err)
	assert.Equal(800, got.Filter.MinParticles)
	assert.Equal(800, got.Filter.MaxParticles)

	cfg = DefaultConfig()
	cfg.Filter.MinParticles = 0
	_, err = cfg.Normalize()
	assert.Error(err)
}

func TestNormalizeRejectsBadValues(t *testing.T) {
	assert := assert.New(t)

	cfg := DefaultConfig()
	cfg.UpdateMinD = -0.1
	_, err := cfg.Normalize()
	assert.Error(err)

	cfg = DefaultConfig()
	cfg.TransformTolerance = -1
	_, err = cfg.Normalize()
	assert.Error(err)

	cfg = DefaultConfig()
	cfg.LikelihoodMaxDist = 0
	_, err = cfg.Normalize()
	assert.Error(err)

	cfg = DefaultConfig()
	cfg.ResampleInterval = 0
	got, err := cfg.Normalize()
	assert.NoError(err)
	assert.Equal(1, got.ResampleInterval)
}

func TestNormalizeCameraCount(t *testing.T) {
	assert := assert.New(t)

	cfg := DefaultConfig()
	cfg.Cameras = []marker.Pose6{{}, {}}
	got, err := cfg.Normalize()
	assert.NoError(err)
	assert.Equal(2, got.NumCameras)

	cfg.NumCameras = 3
	_, err = cfg.Normalize()
	assert.Error(err)
}

func TestFiducials(t *testing.T) {
	assert := assert.New(t)

	cfg := DefaultConfig()
	cfg.Markers = []MarkerSpec{
		{ID: 1, Center: marker.Pose6{X: 1.0}, Width: 0.4, Height: 0.2},
		{ID: 2, Center: marker.Pose6{Y: 2.0}, Width: 0.2, Height: 0.2},
	}

	fids := cfg.Fiducials()
	assert.Len(fids, 2)
	assert.Equal(uint32(1), fids[0].ID)
	assert.Equal(uint32(2), fids[1].ID)
	assert.InDelta(1.0-0.2, fids[0].Corners[0].X, 1e-12)
}

func TestDefaultConfigNormalizes(t *testing.T) {
	assert := assert.New(t)

	_, err := DefaultConfig().Normalize()
	assert.NoError(err)
	assert.InDelta(math.Pi/6, DefaultConfig().UpdateMinA, 1e-12)
}
