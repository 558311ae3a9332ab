package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/masroore/dicomscp/internal/database"
	"github.com/masroore/dicomscp/internal/models"
	"gorm.io/gorm"
)

// PrintRepository handles print job database operations
type PrintRepository struct{}

// NewPrintRepository creates a new print repository
func NewPrintRepository() *PrintRepository {
	return &PrintRepository{}
}

// CreatePrintJob records a new print job for a film session.
func (r *PrintRepository) CreatePrintJob(ctx context.Context, job *models.PrintJob) error {
	if err := database.DB.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("failed to create print job: %w", err)
	}
	return nil
}

// GetPrintJobByFilmSession retrieves the job backing a film session UID.
// Returns nil when no job exists.
func (r *PrintRepository) GetPrintJobByFilmSession(ctx context.Context, filmSessionUID string) (*models.PrintJob, error) {
	var job models.PrintJob
	err := database.DB.WithContext(ctx).
		Where("film_session_uid = ?", filmSessionUID).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get print job: %w", err)
	}
	return &job, nil
}

// UpdatePrintJob saves the current state of a print job.
func (r *PrintRepository) UpdatePrintJob(ctx context.Context, job *models.PrintJob) error {
	if err := database.DB.WithContext(ctx).Save(job).Error; err != nil {
		return fmt.Errorf("failed to update print job: %w", err)
	}
	return nil
}

// UpdatePrintJobStatus moves a job to a new lifecycle status.
func (r *PrintRepository) UpdatePrintJobStatus(ctx context.Context, filmSessionUID string, status models.PrintJobStatus, lastError string) error {
	updates := map[string]interface{}{
		"status":     status,
		"last_error": lastError,
	}
	if err := database.DB.WithContext(ctx).
		Model(&models.PrintJob{}).
		Where("film_session_uid = ?", filmSessionUID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update print job status: %w", err)
	}
	return nil
}
