package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"fieldsync/internal/fieldsync"
	"fieldsync/internal/model"
)

const (
	vehicleColumns      = `id, equip_no, description, company, manufacturer, unit_model, commissioning_date, year, commissioning_status, expired_date`
	permitHolderColumns = `id, name, id_number, company, department, expired_date, status`
)

// ReplaceSnapshot swaps both reference tables and their metadata in one transaction.
// Readers see either the old snapshot or the new one. Records without a key are skipped.
func (s *SQLiteDatabase) ReplaceSnapshot(ctx context.Context, snap *model.ReferenceSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ref_vehicles`); err != nil {
		return fmt.Errorf("clearing vehicles: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ref_permit_holders`); err != nil {
		return fmt.Errorf("clearing permit holders: %w", err)
	}

	vstmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO ref_vehicles (`+vehicleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing vehicle insert: %w", err)
	}
	defer vstmt.Close()
	for _, v := range snap.Vehicles {
		equipNo := strings.TrimSpace(v.EquipNo)
		if equipNo == "" {
			continue
		}
		if _, err := vstmt.ExecContext(ctx, v.ID, equipNo, v.Description, v.Company, v.Manufacturer,
			v.UnitModel, v.CommissioningDate, v.Year, v.CommissioningStatus, v.ExpiredDate); err != nil {
			return fmt.Errorf("inserting vehicle %s: %w", equipNo, err)
		}
	}

	pstmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO ref_permit_holders (`+permitHolderColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing permit holder insert: %w", err)
	}
	defer pstmt.Close()
	for _, p := range snap.PermitHolders {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			continue
		}
		if _, err := pstmt.ExecContext(ctx, p.ID, name, p.IDNumber, p.Company, p.Department, p.ExpiredDate, p.Status); err != nil {
			return fmt.Errorf("inserting permit holder %s: %w", name, err)
		}
	}

	meta := map[string]string{
		fieldsync.MetaLastSync:     snap.Meta.LastSyncAt.UTC().Format(time.RFC3339Nano),
		fieldsync.MetaDataVersion:  snap.Meta.DataVersion,
		fieldsync.MetaTotalRecords: strconv.Itoa(snap.Meta.TotalRecords),
	}
	for k, v := range meta {
		if err := setMetadata(ctx, tx, k, v); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ClearSnapshot removes all reference rows and snapshot metadata.
func (s *SQLiteDatabase) ClearSnapshot(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM ref_vehicles`,
		`DELETE FROM ref_permit_holders`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("clearing reference data: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM sync_metadata WHERE key IN (?, ?, ?)`,
		fieldsync.MetaLastSync, fieldsync.MetaDataVersion, fieldsync.MetaTotalRecords)
	if err != nil {
		return fmt.Errorf("clearing snapshot metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// SnapshotMeta returns nil if no snapshot has been stored.
func (s *SQLiteDatabase) SnapshotMeta(ctx context.Context) (*model.SnapshotMeta, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM sync_metadata WHERE key IN (?, ?, ?)`,
		fieldsync.MetaLastSync, fieldsync.MetaDataVersion, fieldsync.MetaTotalRecords)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot metadata: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string, 3)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scanning metadata: %w", err)
		}
		values[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading snapshot metadata: %w", err)
	}

	lastSync, ok := values[fieldsync.MetaLastSync]
	if !ok {
		return nil, nil
	}
	return snapshotMetaFromValues(lastSync, values[fieldsync.MetaDataVersion], values[fieldsync.MetaTotalRecords])
}

// ReferenceCounts counts both tables in one statement.
func (s *SQLiteDatabase) ReferenceCounts(ctx context.Context) (int, int, error) {
	var vehicles, holders int
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM ref_vehicles), (SELECT COUNT(*) FROM ref_permit_holders)`).
		Scan(&vehicles, &holders)
	if err != nil {
		return 0, 0, fmt.Errorf("counting reference records: %w", err)
	}
	return vehicles, holders, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVehicle(r rowScanner) (*model.Vehicle, error) {
	var v model.Vehicle
	err := r.Scan(&v.ID, &v.EquipNo, &v.Description, &v.Company, &v.Manufacturer, &v.UnitModel,
		&v.CommissioningDate, &v.Year, &v.CommissioningStatus, &v.ExpiredDate)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func scanPermitHolder(r rowScanner) (*model.PermitHolder, error) {
	var p model.PermitHolder
	if err := r.Scan(&p.ID, &p.Name, &p.IDNumber, &p.Company, &p.Department, &p.ExpiredDate, &p.Status); err != nil {
		return nil, err
	}
	return &p, nil
}

// FindVehicleByEquipNo matches the equipment number exactly, ignoring case and surrounding space.
func (s *SQLiteDatabase) FindVehicleByEquipNo(ctx context.Context, equipNo string) (*model.Vehicle, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+vehicleColumns+` FROM ref_vehicles WHERE equip_no = ?`, strings.TrimSpace(equipNo))
	v, err := scanVehicle(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding vehicle: %w", err)
	}
	return v, nil
}

func (s *SQLiteDatabase) FindPermitHolderByName(ctx context.Context, name string) (*model.PermitHolder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+permitHolderColumns+` FROM ref_permit_holders WHERE name = ?`, strings.TrimSpace(name))
	p, err := scanPermitHolder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding permit holder: %w", err)
	}
	return p, nil
}

// ListVehicles returns all vehicles ordered by equipment number.
func (s *SQLiteDatabase) ListVehicles(ctx context.Context) ([]*model.Vehicle, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+vehicleColumns+` FROM ref_vehicles ORDER BY equip_no`)
	if err != nil {
		return nil, fmt.Errorf("listing vehicles: %w", err)
	}
	defer rows.Close()

	var out []*model.Vehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning vehicle: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListPermitHolders returns all permit holders ordered by name.
func (s *SQLiteDatabase) ListPermitHolders(ctx context.Context) ([]*model.PermitHolder, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+permitHolderColumns+` FROM ref_permit_holders ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing permit holders: %w", err)
	}
	defer rows.Close()

	var out []*model.PermitHolder
	for rows.Next() {
		p, err := scanPermitHolder(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning permit holder: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// FindVehicleByID forces the id index. It returns fieldsync.ErrIndexMissing when the
// index has not been created.
func (s *SQLiteDatabase) FindVehicleByID(ctx context.Context, id int64) (*model.Vehicle, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+vehicleColumns+`
		FROM ref_vehicles INDEXED BY idx_ref_vehicles_id WHERE id = ? ORDER BY equip_no LIMIT 1`, id)
	v, err := scanVehicle(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		if isMissingIndex(err) {
			return nil, fieldsync.ErrIndexMissing
		}
		return nil, fmt.Errorf("finding vehicle by id: %w", err)
	}
	return v, nil
}

func (s *SQLiteDatabase) FindPermitHolderByID(ctx context.Context, id int64) (*model.PermitHolder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+permitHolderColumns+`
		FROM ref_permit_holders INDEXED BY idx_ref_permit_holders_id WHERE id = ? ORDER BY name LIMIT 1`, id)
	p, err := scanPermitHolder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		if isMissingIndex(err) {
			return nil, fieldsync.ErrIndexMissing
		}
		return nil, fmt.Errorf("finding permit holder by id: %w", err)
	}
	return p, nil
}

func isMissingIndex(err error) bool {
	return strings.Contains(err.Error(), "no such index")
}
