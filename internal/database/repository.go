package database

import (
	"context"

	"github.com/voicebridge/voicebridge/internal/database/models"
)

// DeviceRepository manages stored devices. Lookups return (nil, nil) when
// no row matches; callers decide whether a miss is an error.
type DeviceRepository interface {
	Create(ctx context.Context, d *models.Device) error
	GetByExtension(ctx context.Context, extension string) (*models.Device, error)
	GetByName(ctx context.Context, name string) (*models.Device, error)
	List(ctx context.Context) ([]models.Device, error)
	Update(ctx context.Context, d *models.Device) error
	Delete(ctx context.Context, extension string) error
	Count(ctx context.Context) (int64, error)
}

// CallLogRepository manages terminal call records.
type CallLogRepository interface {
	Create(ctx context.Context, rec *models.CallRecord) error
	GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error)
	ListRecent(ctx context.Context, limit int) ([]models.CallRecord, error)
	DeleteOlderThan(ctx context.Context, cutoff string) (int64, error)
}
