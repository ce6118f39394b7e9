package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/uwb.locator/internal/calibration"
	"github.com/banshee-data/uwb.locator/internal/geometry"
)

// RecordCalibrationRun stores a completed calibration.
func (db *DB) RecordCalibrationRun(run calibration.Run) error {
	measurements, err := json.Marshal(run.Measurements)
	if err != nil {
		return fmt.Errorf("failed to encode measurements: %w", err)
	}
	p := run.Plane
	_, err = db.Exec(
		`INSERT INTO calibration_runs (
			run_id, completed_at_ns,
			origin_x, origin_y, origin_z,
			vec_x_x, vec_x_y, vec_x_z,
			vec_y_x, vec_y_y, vec_y_z,
			width_m, height_m, point_count, measurements_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.CompletedAt.UnixNano(),
		p.Origin.X, p.Origin.Y, p.Origin.Z,
		p.VecX.X, p.VecX.Y, p.VecX.Z,
		p.VecY.X, p.VecY.Y, p.VecY.Z,
		p.Width(), p.Height(), len(run.Measurements), string(measurements),
	)
	if err != nil {
		return fmt.Errorf("failed to insert calibration run %s: %w", run.ID, err)
	}
	return nil
}

// CalibrationRuns returns up to limit runs, newest first. A non-positive
// limit returns every run.
func (db *DB) CalibrationRuns(limit int) ([]calibration.Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(
		`SELECT run_id, completed_at_ns,
			origin_x, origin_y, origin_z,
			vec_x_x, vec_x_y, vec_x_z,
			vec_y_x, vec_y_y, vec_y_z,
			measurements_json
		FROM calibration_runs
		ORDER BY completed_at_ns DESC, run_id
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []calibration.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CalibrationRun returns one run by id.
func (db *DB) CalibrationRun(id string) (calibration.Run, error) {
	row := db.QueryRow(
		`SELECT run_id, completed_at_ns,
			origin_x, origin_y, origin_z,
			vec_x_x, vec_x_y, vec_x_z,
			vec_y_x, vec_y_y, vec_y_z,
			measurements_json
		FROM calibration_runs WHERE run_id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return calibration.Run{}, fmt.Errorf("calibration run %s not found: %w", id, err)
	}
	return run, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (calibration.Run, error) {
	var (
		run          calibration.Run
		completedNs  int64
		o, x, y      r3.Vec
		measurements string
	)
	if err := s.Scan(
		&run.ID, &completedNs,
		&o.X, &o.Y, &o.Z,
		&x.X, &x.Y, &x.Z,
		&y.X, &y.Y, &y.Z,
		&measurements,
	); err != nil {
		return calibration.Run{}, err
	}
	run.CompletedAt = time.Unix(0, completedNs)
	run.Plane = geometry.Plane{Origin: o, VecX: x, VecY: y}
	if err := json.Unmarshal([]byte(measurements), &run.Measurements); err != nil {
		return calibration.Run{}, fmt.Errorf("failed to decode measurements for run %s: %w", run.ID, err)
	}
	return run, nil
}

// AnchorChange is one entry in the anchor edit log.
type AnchorChange struct {
	ID        int64              `json:"id"`
	ChangedAt time.Time          `json:"changed_at"`
	Anchors   geometry.AnchorSet `json:"anchors"`
}

// RecordAnchorChange appends the anchor set now in effect to the edit log.
func (db *DB) RecordAnchorChange(anchors geometry.AnchorSet, at time.Time) error {
	data, err := json.Marshal(anchors)
	if err != nil {
		return fmt.Errorf("failed to encode anchors: %w", err)
	}
	if _, err := db.Exec(
		`INSERT INTO anchor_changes (changed_at_ns, anchors_json) VALUES (?, ?)`,
		at.UnixNano(), string(data),
	); err != nil {
		return fmt.Errorf("failed to insert anchor change: %w", err)
	}
	return nil
}

// AnchorChanges returns up to limit entries, newest first.
func (db *DB) AnchorChanges(limit int) ([]AnchorChange, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(
		`SELECT change_id, changed_at_ns, anchors_json FROM anchor_changes
		ORDER BY change_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AnchorChange
	for rows.Next() {
		var (
			c    AnchorChange
			ns   int64
			data string
		)
		if err := rows.Scan(&c.ID, &ns, &data); err != nil {
			return nil, err
		}
		c.ChangedAt = time.Unix(0, ns)
		if err := json.Unmarshal([]byte(data), &c.Anchors); err != nil {
			return nil, fmt.Errorf("failed to decode anchor change %d: %w", c.ID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
