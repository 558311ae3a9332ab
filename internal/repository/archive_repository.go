package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/masroore/dicomscp/internal/database"
	"github.com/masroore/dicomscp/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ArchiveRepository handles study/series/instance index operations
type ArchiveRepository struct{}

// NewArchiveRepository creates a new archive repository
func NewArchiveRepository() *ArchiveRepository {
	return &ArchiveRepository{}
}

// GetStudies retrieves studies matching the query keys. Empty keys match all.
func (r *ArchiveRepository) GetStudies(ctx context.Context, q models.StudyQuery) ([]models.Study, error) {
	db := database.DB.WithContext(ctx).Model(&models.Study{})

	if q.PatientID != "" {
		db = db.Where("patient_id = ?", q.PatientID)
	}
	if q.PatientName != "" {
		db = db.Where("patient_name ILIKE ?", wildcardToSQL(q.PatientName))
	}
	if q.AccessionNumber != "" {
		db = db.Where("accession_number = ?", q.AccessionNumber)
	}
	if q.StudyDateFrom != "" {
		db = db.Where("study_date >= ?", q.StudyDateFrom)
	}
	if q.StudyDateTo != "" {
		db = db.Where("study_date <= ?", q.StudyDateTo)
	}
	if len(q.StudyUIDs) > 0 {
		db = db.Where("study_instance_uid IN ?", q.StudyUIDs)
	}
	if q.Modality != "" {
		db = db.Where("modalities_in_study LIKE ?", "%"+q.Modality+"%")
	}

	var studies []models.Study
	if err := db.Order("study_date DESC, study_time DESC").Find(&studies).Error; err != nil {
		return nil, fmt.Errorf("failed to query studies: %w", err)
	}
	return studies, nil
}

// GetSeriesByStudyUID retrieves all series of a study.
func (r *ArchiveRepository) GetSeriesByStudyUID(ctx context.Context, studyUID string) ([]models.Series, error) {
	var series []models.Series
	if err := database.DB.WithContext(ctx).
		Where("study_instance_uid = ?", studyUID).
		Order("series_number ASC").
		Find(&series).Error; err != nil {
		return nil, fmt.Errorf("failed to query series: %w", err)
	}
	return series, nil
}

// GetInstancesByStudyUID retrieves all instances of a study.
func (r *ArchiveRepository) GetInstancesByStudyUID(ctx context.Context, studyUID string) ([]models.Instance, error) {
	var instances []models.Instance
	if err := database.DB.WithContext(ctx).
		Where("study_instance_uid = ?", studyUID).
		Find(&instances).Error; err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	return instances, nil
}

// GetInstancesBySeriesUID retrieves all instances of a series.
func (r *ArchiveRepository) GetInstancesBySeriesUID(ctx context.Context, seriesUID string) ([]models.Instance, error) {
	var instances []models.Instance
	if err := database.DB.WithContext(ctx).
		Where("series_instance_uid = ?", seriesUID).
		Order("instance_number ASC").
		Find(&instances).Error; err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	return instances, nil
}

// GetInstance retrieves one instance by SOP instance UID. Returns nil when the
// instance is not indexed.
func (r *ArchiveRepository) GetInstance(ctx context.Context, sopInstanceUID string) (*models.Instance, error) {
	var instance models.Instance
	err := database.DB.WithContext(ctx).
		Where("sop_instance_uid = ?", sopInstanceUID).
		First(&instance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return &instance, nil
}

// IndexInstance records a received instance and keeps the study and series
// rows current, all in one transaction. The denormalized series/instance
// counters are recomputed after the insert.
func (r *ArchiveRepository) IndexInstance(ctx context.Context, study *models.Study, series *models.Series, instance *models.Instance) error {
	return database.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "study_instance_uid"}},
			DoUpdates: clause.AssignmentColumns([]string{"modalities_in_study", "updated_at"}),
		}).Create(study).Error; err != nil {
			return fmt.Errorf("failed to upsert study: %w", err)
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "series_instance_uid"}},
			DoUpdates: clause.AssignmentColumns([]string{"updated_at"}),
		}).Create(series).Error; err != nil {
			return fmt.Errorf("failed to upsert series: %w", err)
		}
		if err := tx.Create(instance).Error; err != nil {
			return fmt.Errorf("failed to create instance: %w", err)
		}

		var seriesInstances, studySeries, studyInstances int64
		if err := tx.Model(&models.Instance{}).
			Where("series_instance_uid = ?", series.SeriesInstanceUID).
			Count(&seriesInstances).Error; err != nil {
			return fmt.Errorf("failed to count series instances: %w", err)
		}
		if err := tx.Model(&models.Series{}).
			Where("study_instance_uid = ?", study.StudyInstanceUID).
			Count(&studySeries).Error; err != nil {
			return fmt.Errorf("failed to count study series: %w", err)
		}
		if err := tx.Model(&models.Instance{}).
			Where("study_instance_uid = ?", study.StudyInstanceUID).
			Count(&studyInstances).Error; err != nil {
			return fmt.Errorf("failed to count study instances: %w", err)
		}

		if err := tx.Model(&models.Series{}).
			Where("series_instance_uid = ?", series.SeriesInstanceUID).
			Update("number_of_instances", seriesInstances).Error; err != nil {
			return fmt.Errorf("failed to update series counters: %w", err)
		}
		if err := tx.Model(&models.Study{}).
			Where("study_instance_uid = ?", study.StudyInstanceUID).
			Updates(map[string]interface{}{
				"number_of_series":    studySeries,
				"number_of_instances": studyInstances,
			}).Error; err != nil {
			return fmt.Errorf("failed to update study counters: %w", err)
		}
		return nil
	})
}

// wildcardToSQL converts DICOM wildcard matching ('*' and '?') to SQL LIKE.
func wildcardToSQL(pattern string) string {
	out := make([]rune, 0, len(pattern)+2)
	for _, r := range pattern {
		switch r {
		case '*':
			out = append(out, '%')
		case '?':
			out = append(out, '_')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}
