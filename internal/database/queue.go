package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fieldsync/internal/model"
)

// Queue operations

// Enqueue inserts item unless the same entity is already queued.
func (s *SQLiteDatabase) Enqueue(ctx context.Context, item *model.QueueItem) (bool, error) {
	return enqueue(ctx, s.db, item)
}

func enqueue(ctx context.Context, e execer, item *model.QueueItem) (bool, error) {
	res, err := e.ExecContext(ctx, `
		INSERT INTO sync_queue (id, kind, ref_id, priority, retries, created_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, ref_id) DO NOTHING`,
		item.ID, string(item.Kind), item.RefID, item.Priority, item.Retries, item.CreatedAt.UTC(), item.LastError)
	if err != nil {
		return false, fmt.Errorf("inserting queue item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return n == 1, nil
}

// ListQueueItems returns every queued item ordered by priority then age.
func (s *SQLiteDatabase) ListQueueItems(ctx context.Context) ([]*model.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, ref_id, priority, retries, created_at, last_error
		FROM sync_queue ORDER BY priority, created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing queue: %w", err)
	}
	defer rows.Close()

	var items []*model.QueueItem
	for rows.Next() {
		var (
			it   model.QueueItem
			kind string
		)
		if err := rows.Scan(&it.ID, &kind, &it.RefID, &it.Priority, &it.Retries, &it.CreatedAt, &it.LastError); err != nil {
			return nil, fmt.Errorf("scanning queue item: %w", err)
		}
		it.Kind = model.QueueKind(kind)
		items = append(items, &it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing queue: %w", err)
	}
	return items, nil
}

func (s *SQLiteDatabase) DeleteQueueItem(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting queue item: %w", err)
	}
	return nil
}

// RecordQueueFailure increments the retry counter and returns the new value.
func (s *SQLiteDatabase) RecordQueueFailure(ctx context.Context, id string, lastErr string) (int, error) {
	var retries int
	err := s.db.QueryRowContext(ctx, `
		UPDATE sync_queue SET retries = retries + 1, last_error = ?
		WHERE id = ? RETURNING retries`, lastErr, id).Scan(&retries)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("queue item %s not found", id)
		}
		return 0, fmt.Errorf("recording queue failure: %w", err)
	}
	return retries, nil
}

func (s *SQLiteDatabase) ResetFailedQueueItems(ctx context.Context, maxRetries int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET retries = 0, last_error = '' WHERE retries >= ?`, maxRetries)
	if err != nil {
		return 0, fmt.Errorf("resetting failed items: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteDatabase) DeleteFailedQueueItems(ctx context.Context, maxRetries int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE retries >= ?`, maxRetries)
	if err != nil {
		return 0, fmt.Errorf("deleting failed items: %w", err)
	}
	return res.RowsAffected()
}

// Local entities

// CreateInspection stores ins and its queue item atomically.
func (s *SQLiteDatabase) CreateInspection(ctx context.Context, ins *model.Inspection, item *model.QueueItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var vehicleID, serverID sql.NullInt64
	if ins.VehicleID != 0 {
		vehicleID = sql.NullInt64{Int64: ins.VehicleID, Valid: true}
	}
	if ins.ServerID != 0 {
		serverID = sql.NullInt64{Int64: ins.ServerID, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO inspections (
			id, vehicle_id, equip_no, inspector_name, inspection_date, inspection_type, status, notes,
			odometer_reading, tire_condition, brake_condition, lights_working, engine_condition,
			body_condition, interior_condition, star_rating, gps_latitude, gps_longitude,
			created_at, updated_at, pending_sync, server_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ins.ID, vehicleID, ins.EquipNo, ins.InspectorName, ins.InspectionDate.UTC(), ins.InspectionType,
		ins.Status, ins.Notes, ins.OdometerReading, ins.TireCondition, ins.BrakeCondition, ins.LightsWorking,
		ins.EngineCondition, ins.BodyCondition, ins.InteriorCondition, ins.StarRating,
		ins.GPSLatitude, ins.GPSLongitude, ins.CreatedAt.UTC(), ins.UpdatedAt.UTC(), ins.PendingSync, serverID)
	if err != nil {
		return fmt.Errorf("inserting inspection: %w", err)
	}

	if ins.PendingSync {
		if _, err := enqueue(ctx, tx, item); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// CreatePhoto stores photo and its queue item atomically.
func (s *SQLiteDatabase) CreatePhoto(ctx context.Context, photo *model.Photo, item *model.QueueItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO photos (id, inspection_id, category, mime, data, created_at, pending_sync)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		photo.ID, photo.InspectionID, photo.Category, photo.MIME, photo.Data, photo.CreatedAt.UTC(), photo.PendingSync)
	if err != nil {
		return fmt.Errorf("inserting photo: %w", err)
	}

	if photo.PendingSync {
		if _, err := enqueue(ctx, tx, item); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) GetInspection(ctx context.Context, id string) (*model.Inspection, error) {
	var (
		ins                 model.Inspection
		vehicleID, serverID sql.NullInt64
		lat, lng            sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, vehicle_id, equip_no, inspector_name, inspection_date, inspection_type, status, notes,
			odometer_reading, tire_condition, brake_condition, lights_working, engine_condition,
			body_condition, interior_condition, star_rating, gps_latitude, gps_longitude,
			created_at, updated_at, pending_sync, server_id
		FROM inspections WHERE id = ?`, id).
		Scan(&ins.ID, &vehicleID, &ins.EquipNo, &ins.InspectorName, &ins.InspectionDate, &ins.InspectionType,
			&ins.Status, &ins.Notes, &ins.OdometerReading, &ins.TireCondition, &ins.BrakeCondition,
			&ins.LightsWorking, &ins.EngineCondition, &ins.BodyCondition, &ins.InteriorCondition,
			&ins.StarRating, &lat, &lng, &ins.CreatedAt, &ins.UpdatedAt, &ins.PendingSync, &serverID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("getting inspection: %w", err)
	}
	ins.VehicleID = vehicleID.Int64
	ins.ServerID = serverID.Int64
	ins.GPSLatitude = lat.Float64
	ins.GPSLongitude = lng.Float64
	return &ins, nil
}

func (s *SQLiteDatabase) GetPhoto(ctx context.Context, id string) (*model.Photo, error) {
	var p model.Photo
	err := s.db.QueryRowContext(ctx, `
		SELECT id, inspection_id, category, mime, data, created_at, pending_sync
		FROM photos WHERE id = ?`, id).
		Scan(&p.ID, &p.InspectionID, &p.Category, &p.MIME, &p.Data, &p.CreatedAt, &p.PendingSync)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("getting photo: %w", err)
	}
	return &p, nil
}

// MarkInspectionSynced clears the pending flag and removes the queue item in one transaction.
func (s *SQLiteDatabase) MarkInspectionSynced(ctx context.Context, id string, serverID int64, queueItemID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var sid sql.NullInt64
	if serverID != 0 {
		sid = sql.NullInt64{Int64: serverID, Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE inspections SET pending_sync = 0, server_id = COALESCE(?, server_id) WHERE id = ?`, sid, id); err != nil {
		return fmt.Errorf("updating inspection: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, queueItemID); err != nil {
		return fmt.Errorf("deleting queue item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// MarkPhotoSynced clears the pending flag and removes the queue item in one transaction.
func (s *SQLiteDatabase) MarkPhotoSynced(ctx context.Context, id string, queueItemID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE photos SET pending_sync = 0 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("updating photo: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, queueItemID); err != nil {
		return fmt.Errorf("deleting queue item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
