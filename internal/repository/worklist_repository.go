package repository

import (
	"context"
	"fmt"

	"github.com/masroore/dicomscp/internal/database"
	"github.com/masroore/dicomscp/internal/models"
)

// WorklistRepository handles modality worklist database operations
type WorklistRepository struct{}

// NewWorklistRepository creates a new worklist repository
func NewWorklistRepository() *WorklistRepository {
	return &WorklistRepository{}
}

// GetWorklistItems retrieves scheduled items matching the query keys.
func (r *WorklistRepository) GetWorklistItems(ctx context.Context, q models.WorklistQuery) ([]models.WorklistItem, error) {
	db := database.DB.WithContext(ctx).
		Model(&models.WorklistItem{}).
		Where("status = ?", "SCHEDULED")

	if q.Modality != "" {
		db = db.Where("modality = ?", q.Modality)
	}
	if q.ScheduledStationAE != "" {
		db = db.Where("scheduled_station_ae = ?", q.ScheduledStationAE)
	}
	if q.PatientID != "" {
		db = db.Where("patient_id = ?", q.PatientID)
	}
	if q.PatientName != "" {
		db = db.Where("patient_name ILIKE ?", wildcardToSQL(q.PatientName))
	}
	if q.AccessionNumber != "" {
		db = db.Where("accession_number = ?", q.AccessionNumber)
	}
	if !q.StartDateFrom.IsZero() {
		db = db.Where("scheduled_datetime >= ?", q.StartDateFrom)
	}
	if !q.StartDateTo.IsZero() {
		db = db.Where("scheduled_datetime < ?", q.StartDateTo)
	}

	var items []models.WorklistItem
	if err := db.Order("scheduled_datetime ASC").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("failed to query worklist items: %w", err)
	}
	return items, nil
}
