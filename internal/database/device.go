package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/voicebridge/voicebridge/internal/database/models"
)

// deviceRepo implements DeviceRepository.
type deviceRepo struct {
	db *DB
}

// NewDeviceRepository creates a new DeviceRepository.
func NewDeviceRepository(db *DB) DeviceRepository {
	return &deviceRepo{db: db}
}

const deviceColumns = `extension, name, sip_auth_id, sip_password, voice,
	 language, greeting, thinking_phrase, personality, created_at, updated_at`

// Create inserts a new device.
func (r *deviceRepo) Create(ctx context.Context, d *models.Device) error {
	ts := now()
	_, err := r.db.ExecContext(ctx, r.db.rebind(
		`INSERT INTO devices (`+deviceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		d.Extension, d.Name, d.SIPAuthID, d.SIPPassword, d.Voice,
		d.Language, d.Greeting, d.ThinkingPhrase, d.Personality, ts, ts,
	)
	if err != nil {
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

// GetByExtension returns a device by its extension number.
func (r *deviceRepo) GetByExtension(ctx context.Context, extension string) (*models.Device, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, r.db.rebind(
		`SELECT `+deviceColumns+` FROM devices WHERE extension = ?`), extension,
	))
}

// GetByName returns a device by display name, matched case-insensitively.
func (r *deviceRepo) GetByName(ctx context.Context, name string) (*models.Device, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, r.db.rebind(
		`SELECT `+deviceColumns+` FROM devices WHERE lower(name) = ?`),
		strings.ToLower(name),
	))
}

// List returns all devices ordered by extension number.
func (r *deviceRepo) List(ctx context.Context) ([]models.Device, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices ORDER BY extension`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devs []models.Device
	for rows.Next() {
		d, err := scanDevice(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning device row: %w", err)
		}
		devs = append(devs, *d)
	}
	return devs, rows.Err()
}

// Update modifies an existing device, keyed by extension.
func (r *deviceRepo) Update(ctx context.Context, d *models.Device) error {
	_, err := r.db.ExecContext(ctx, r.db.rebind(
		`UPDATE devices SET name = ?, sip_auth_id = ?, sip_password = ?,
		 voice = ?, language = ?, greeting = ?, thinking_phrase = ?,
		 personality = ?, updated_at = ?
		 WHERE extension = ?`),
		d.Name, d.SIPAuthID, d.SIPPassword, d.Voice, d.Language,
		d.Greeting, d.ThinkingPhrase, d.Personality, now(), d.Extension,
	)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}
	return nil
}

// Delete removes a device by extension.
func (r *deviceRepo) Delete(ctx context.Context, extension string) error {
	_, err := r.db.ExecContext(ctx, r.db.rebind(`DELETE FROM devices WHERE extension = ?`), extension)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	return nil
}

// Count returns the number of stored devices.
func (r *deviceRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting devices: %w", err)
	}
	return n, nil
}

func (r *deviceRepo) scanOne(row *sql.Row) (*models.Device, error) {
	d, err := scanDevice(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning device: %w", err)
	}
	return d, nil
}

// scanDevice reads one device row. Timestamps are stored as RFC3339 text so
// the same schema works on both drivers; they are parsed here.
func scanDevice(scan func(dest ...any) error) (*models.Device, error) {
	var d models.Device
	var created, updated string
	err := scan(&d.Extension, &d.Name, &d.SIPAuthID, &d.SIPPassword, &d.Voice,
		&d.Language, &d.Greeting, &d.ThinkingPhrase, &d.Personality,
		&created, &updated)
	if err != nil {
		return nil, err
	}
	d.CreatedAt, _ = time.Parse(time.RFC3339, created)
	d.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &d, nil
}
