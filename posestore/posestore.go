// Package posestore persists the last pose estimate in a SQLite-backed
// key/value table so the robot resumes from where it shut down.
package posestore

import (
	"database/sql"
	"fmt"
	"strconv"

	"gonum.org/v1/gonum/mat"
	_ "modernc.org/sqlite"

	"github.com/dorisbot/amcl"
)

// Parameter keys of the persisted pose.
const (
	keyPoseX  = "initial_pose_x"
	keyPoseY  = "initial_pose_y"
	keyPoseA  = "initial_pose_a"
	keyCovXX  = "initial_cov_xx"
	keyCovYY  = "initial_cov_yy"
	keyCovAA  = "initial_cov_aa"
	tableName = "parameters"
)

// Store is a pose persistence handle backed by a SQLite file.
type Store struct {
	db *sql.DB
}

// Open creates or opens the store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pose store: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS ` + tableName + ` (
			key TEXT PRIMARY KEY,
			value TEXT,
			timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create parameter table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) setParam(key string, value float64) error {
	_, err := s.db.Exec(
		"INSERT INTO "+tableName+" (key, value, timestamp) VALUES (?, ?, CURRENT_TIMESTAMP) "+
			"ON CONFLICT(key) DO UPDATE SET value = excluded.value, timestamp = excluded.timestamp",
		key, strconv.FormatFloat(value, 'g', -1, 64))
	return err
}

func (s *Store) getParam(key string) (float64, error) {
	var raw string
	err := s.db.QueryRow("SELECT value FROM "+tableName+" WHERE key = ?", key).Scan(&raw)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(raw, 64)
}

// SavePose writes the pose and the diagonal of its covariance.
func (s *Store) SavePose(pose amcl.Pose, cov *mat.SymDense) error {
	params := map[string]float64{
		keyPoseX: pose.X,
		keyPoseY: pose.Y,
		keyPoseA: pose.Yaw,
		keyCovXX: cov.At(0, 0),
		keyCovYY: cov.At(1, 1),
		keyCovAA: cov.At(2, 2),
	}
	for k, v := range params {
		if err := s.setParam(k, v); err != nil {
			return fmt.Errorf("failed to save %s: %w", k, err)
		}
	}
	return nil
}

// LoadPose reads the persisted pose back. It fails when any field is
// missing, leaving the caller on its configured defaults.
func (s *Store) LoadPose() (amcl.Pose, *mat.SymDense, error) {
	var vals [6]float64
	for i, k := range []string{keyPoseX, keyPoseY, keyPoseA, keyCovXX, keyCovYY, keyCovAA} {
		v, err := s.getParam(k)
		if err != nil {
			return amcl.Pose{}, nil, fmt.Errorf("failed to load %s: %w", k, err)
		}
		vals[i] = v
	}

	pose := amcl.NewPose(vals[0], vals[1], vals[2])
	cov := mat.NewSymDense(3, nil)
	cov.SetSym(0, 0, vals[3])
	cov.SetSym(1, 1, vals[4])
	cov.SetSym(2, 2, vals[5])

	return pose, cov, nil
}
