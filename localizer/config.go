package localizer

import (
	"fmt"
	"log"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dorisbot/amcl/motion"
	"github.com/dorisbot/amcl/pf"
	"github.com/dorisbot/amcl/sensor/laser"
	"github.com/dorisbot/amcl/sensor/marker"
)

// MarkerSpec describes one fiducial of the visual map: its identity, the
// pose of its center and its physical size. Corners are synthesized in
// top-left, bottom-left, bottom-right, top-right order.
type MarkerSpec struct {
	ID       uint32       `yaml:"id"`
	MapID    int32        `yaml:"map_id"`
	SectorID int32        `yaml:"sector_id"`
	Center   marker.Pose6 `yaml:"center"`
	Width    float64      `yaml:"width"`
	Height   float64      `yaml:"height"`
}

// LaserPose is the mounting pose of the laser in the robot base frame.
type LaserPose struct {
	X   float64 `yaml:"x"`
	Y   float64 `yaml:"y"`
	Yaw float64 `yaml:"yaw"`
}

// Config collects every recognized option of the localization engine.
// LoadConfig fills the options a YAML file leaves out with DefaultConfig
// values; Normalize repairs and validates a Config but does not fill in
// defaults.
type Config struct {
	Filter pf.Config     `yaml:",inline"`
	Motion motion.Config `yaml:",inline"`
	Laser  laser.Config  `yaml:",inline"`
	Marker marker.Config `yaml:",inline"`

	// motion thresholds gating sensor updates
	UpdateMinD float64 `yaml:"update_min_d"`
	UpdateMinA float64 `yaml:"update_min_a"`
	// camera updates resample every ResampleInterval-th cycle
	ResampleInterval int `yaml:"resample_interval"`

	LikelihoodMaxDist float64   `yaml:"laser_likelihood_max_dist"`
	Laser0Pose        LaserPose `yaml:"laser_pose"`

	TransformTolerance float64 `yaml:"transform_tolerance"`
	TFBroadcast        bool    `yaml:"tf_broadcast"`
	GlobalFrame        string  `yaml:"global_frame_id"`
	OdomFrame          string  `yaml:"odom_frame_id"`
	BaseFrame          string  `yaml:"base_frame_id"`

	// pose persistence rate in Hz; 0 disables periodic saving
	SavePoseRate float64 `yaml:"save_pose_rate"`
	// seconds without a scan before the staleness watchdog warns
	LaserCheckInterval float64 `yaml:"laser_check_interval"`
	GuiPublishRate     float64 `yaml:"gui_publish_rate"`

	InitialPoseX float64 `yaml:"initial_pose_x"`
	InitialPoseY float64 `yaml:"initial_pose_y"`
	InitialPoseA float64 `yaml:"initial_pose_a"`
	InitialCovXX float64 `yaml:"initial_cov_xx"`
	InitialCovYY float64 `yaml:"initial_cov_yy"`
	InitialCovAA float64 `yaml:"initial_cov_aa"`

	// visual map and camera rig
	ImageWidth  int            `yaml:"image_width"`
	ImageHeight int            `yaml:"image_height"`
	NumCameras  int            `yaml:"num_cam"`
	Simulation  bool           `yaml:"simulation"`
	Cameras     []marker.Pose6 `yaml:"camera_positions"`
	Markers     []MarkerSpec   `yaml:"marker_positions"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		Filter: pf.Config{
			MinParticles: 100,
			MaxParticles: 5000,
			KLDErr:       0.01,
			KLDZ:         0.99,
			AlphaSlow:    0.001,
			AlphaFast:    0.1,
		},
		Motion: motion.Config{
			Type:   motion.TypeDiff,
			Alpha1: 0.2,
			Alpha2: 0.2,
			Alpha3: 0.2,
			Alpha4: 0.2,
			Alpha5: 0.2,
		},
		Laser: laser.Config{
			Type:                   laser.TypeLikelihoodField,
			ZHit:                   0.95,
			ZRand:                  0.05,
			SigmaHit:               0.2,
			MaxBeams:               30,
			MinRange:               -1,
			MaxRange:               -1,
			Coefficient:            0.5,
			BeamSkipDistance:       0.5,
			BeamSkipThreshold:      0.3,
			BeamSkipErrorThreshold: 0.9,
		},
		Marker: marker.Config{
			ZHit:        0.95,
			ZRand:       0.05,
			SigmaHit:    5.0,
			Landa:       0.1,
			Coefficient: 0.5,
		},
		UpdateMinD:         0.2,
		UpdateMinA:         math.Pi / 6,
		ResampleInterval:   2,
		LikelihoodMaxDist:  2.0,
		TransformTolerance: 0.1,
		TFBroadcast:        true,
		GlobalFrame:        "map",
		OdomFrame:          "odom",
		BaseFrame:          "base_link",
		SavePoseRate:       0.5,
		LaserCheckInterval: 15.0,
		GuiPublishRate:     -1,
		InitialCovXX:       0.5 * 0.5,
		InitialCovYY:       0.5 * 0.5,
		InitialCovAA:       (math.Pi / 12) * (math.Pi / 12),
		ImageWidth:         640,
		ImageHeight:        480,
	}
}

// LoadConfig reads a YAML configuration file on top of the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg.Normalize()
}

// Normalize repairs inconsistent settings and validates the rest.
func (c Config) Normalize() (Config, error) {
	if c.Filter.MinParticles > c.Filter.MaxParticles {
		log.Printf("min_particles %d greater than max_particles %d, forcing them equal",
			c.Filter.MinParticles, c.Filter.MaxParticles)
		c.Filter.MaxParticles = c.Filter.MinParticles
	}
	if c.Filter.MinParticles <= 0 {
		return c, fmt.Errorf("invalid min_particles: %d", c.Filter.MinParticles)
	}

	if c.ResampleInterval <= 0 {
		c.ResampleInterval = 1
	}
	if c.UpdateMinD < 0 || c.UpdateMinA < 0 {
		return c, fmt.Errorf("negative update thresholds: %f, %f", c.UpdateMinD, c.UpdateMinA)
	}
	if c.TransformTolerance < 0 {
		return c, fmt.Errorf("negative transform_tolerance: %f", c.TransformTolerance)
	}
	if c.LikelihoodMaxDist <= 0 {
		return c, fmt.Errorf("invalid laser_likelihood_max_dist: %f", c.LikelihoodMaxDist)
	}

	if c.NumCameras == 0 {
		c.NumCameras = len(c.Cameras)
	}
	if c.NumCameras != len(c.Cameras) {
		return c, fmt.Errorf("num_cam is %d but %d camera_positions given", c.NumCameras, len(c.Cameras))
	}

	return c, nil
}

// Fiducials synthesizes the visual map from the marker specs.
func (c Config) Fiducials() []marker.Fiducial {
	fids := make([]marker.Fiducial, 0, len(c.Markers))
	for _, s := range c.Markers {
		fids = append(fids, marker.NewFiducial(s.ID, s.MapID, s.SectorID, s.Center, s.Width, s.Height))
	}
	return fids
}
