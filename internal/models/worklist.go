package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// WorklistItem represents one scheduled procedure step served over MWL
type WorklistItem struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`

	PatientID        string `gorm:"type:varchar(64);not null;index" json:"patient_id"`
	PatientName      string `gorm:"type:varchar(255);not null" json:"patient_name"`
	PatientBirthDate string `gorm:"type:varchar(8)" json:"patient_birth_date"`
	PatientSex       string `gorm:"type:varchar(16)" json:"patient_sex"`

	AccessionNumber        string `gorm:"type:varchar(16);index" json:"accession_number"`
	RequestedProcedureID   string `gorm:"type:varchar(16)" json:"requested_procedure_id"`
	RequestedProcedureDesc string `gorm:"type:varchar(255)" json:"requested_procedure_desc"`

	Modality            string    `gorm:"type:varchar(16);not null;index" json:"modality"`
	ScheduledStationAE  string    `gorm:"type:varchar(16)" json:"scheduled_station_ae"`
	ScheduledDateTime   time.Time `gorm:"index" json:"scheduled_datetime"`
	ScheduledStepID     string    `gorm:"type:varchar(16)" json:"scheduled_step_id"`
	ScheduledStepDesc   string    `gorm:"type:varchar(255)" json:"scheduled_step_desc"`
	PerformingPhysician string    `gorm:"type:varchar(255)" json:"performing_physician"`

	Status string `gorm:"type:varchar(20);default:'SCHEDULED';index" json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName overrides the table name
func (WorklistItem) TableName() string {
	return "worklist_items"
}

// BeforeCreate hook
func (w *WorklistItem) BeforeCreate(tx *gorm.DB) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	return nil
}

// WorklistQuery carries MWL matching keys after date-range derivation.
type WorklistQuery struct {
	Modality           string
	ScheduledStationAE string
	PatientID          string
	PatientName        string
	AccessionNumber    string
	StartDateFrom      time.Time
	StartDateTo        time.Time
}
