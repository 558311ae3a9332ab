package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RemoteNode represents a configured remote DICOM application entity
type RemoteNode struct {
	ID      uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	Name    string    `gorm:"type:varchar(64);not null;uniqueIndex" json:"name"`
	AETitle string    `gorm:"type:varchar(16);not null" json:"ae_title"`
	Host    string    `gorm:"type:varchar(255);not null" json:"host"`
	Port    int       `gorm:"not null" json:"port"`

	// SupportsPrint marks nodes that accept print management associations.
	SupportsPrint bool `gorm:"default:false" json:"supports_print"`
	IsDefault     bool `gorm:"default:false" json:"is_default"`
	IsActive      bool `gorm:"default:true" json:"is_active"`

	LastEchoAt    *time.Time `json:"last_echo_at,omitempty"`
	LastEchoOK    bool       `json:"last_echo_ok"`
	LastEchoError string     `gorm:"type:text" json:"last_echo_error,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName overrides the table name
func (RemoteNode) TableName() string {
	return "remote_nodes"
}

// BeforeCreate hook
func (n *RemoteNode) BeforeCreate(tx *gorm.DB) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	return nil
}

// Address returns the node's host:port dial string.
func (n *RemoteNode) Address() (string, int) {
	return n.Host, n.Port
}
