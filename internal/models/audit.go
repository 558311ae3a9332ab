package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuditLog represents one audited DIMSE operation
type AuditLog struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	Operation      string    `gorm:"type:varchar(32);not null;index" json:"operation"` // C-STORE, C-FIND, ...
	SOPClassUID    string    `gorm:"type:varchar(64);index" json:"sop_class_uid"`
	SOPInstanceUID string    `gorm:"type:varchar(64);index" json:"sop_instance_uid"`
	CallingAETitle string    `gorm:"type:varchar(16);index" json:"calling_ae_title"`
	CalledAETitle  string    `gorm:"type:varchar(16)" json:"called_ae_title"`
	RemoteAddress  string    `gorm:"type:varchar(45)" json:"remote_address"`
	Status         string    `gorm:"type:varchar(20);index" json:"status"` // success, failure
	DimseStatus    int       `json:"dimse_status"`
	ErrorMessage   string    `gorm:"type:text" json:"error_message,omitempty"`
	Duration       int64     `json:"duration_ms"` // milliseconds
	CreatedAt      time.Time `gorm:"index" json:"timestamp"`
}

// TableName overrides the table name
func (AuditLog) TableName() string {
	return "audit_logs"
}

// BeforeCreate hook
func (a *AuditLog) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
