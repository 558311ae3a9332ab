package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PrintJobStatus tracks a print job through its lifecycle
type PrintJobStatus string

const (
	PrintJobCreated       PrintJobStatus = "CREATED"
	PrintJobImageReceived PrintJobStatus = "IMAGE_RECEIVED"
	PrintJobCompleted     PrintJobStatus = "COMPLETED"
	PrintJobFailed        PrintJobStatus = "FAILED"
)

// PrintJob represents one film session handled by the print SCP
type PrintJob struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`

	FilmSessionUID string `gorm:"type:varchar(64);not null;uniqueIndex" json:"film_session_uid"`
	FilmBoxUID     string `gorm:"type:varchar(64)" json:"film_box_uid"`
	CallingAETitle string `gorm:"type:varchar(16)" json:"calling_ae_title"`

	NumberOfCopies  string `gorm:"type:varchar(8)" json:"number_of_copies"`
	PrintPriority   string `gorm:"type:varchar(16)" json:"print_priority"`
	MediumType      string `gorm:"type:varchar(32)" json:"medium_type"`
	FilmDestination string `gorm:"type:varchar(32)" json:"film_destination"`
	FilmSizeID      string `gorm:"type:varchar(32)" json:"film_size_id"`

	ImageCount int            `json:"image_count"`
	FilePath   string         `gorm:"type:varchar(1024)" json:"file_path"`
	Status     PrintJobStatus `gorm:"type:varchar(20);default:'CREATED';index" json:"status"`
	LastError  string         `gorm:"type:text" json:"last_error,omitempty"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName overrides the table name
func (PrintJob) TableName() string {
	return "print_jobs"
}

// BeforeCreate hook
func (p *PrintJob) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}
