package models

import (
	"time"

	"gorm.io/gorm"
)

// Study represents one indexed DICOM study
type Study struct {
	StudyInstanceUID   string `gorm:"type:varchar(64);primaryKey" json:"study_instance_uid"`
	PatientID          string `gorm:"type:varchar(64);index" json:"patient_id"`
	PatientName        string `gorm:"type:varchar(255)" json:"patient_name"`
	PatientBirthDate   string `gorm:"type:varchar(8)" json:"patient_birth_date"`
	PatientSex         string `gorm:"type:varchar(16)" json:"patient_sex"`
	StudyDate          string `gorm:"type:varchar(8);index" json:"study_date"`
	StudyTime          string `gorm:"type:varchar(16)" json:"study_time"`
	StudyDescription   string `gorm:"type:varchar(255)" json:"study_description"`
	StudyID            string `gorm:"type:varchar(16)" json:"study_id"`
	AccessionNumber    string `gorm:"type:varchar(16);index" json:"accession_number"`
	ReferringPhysician string `gorm:"type:varchar(255)" json:"referring_physician"`
	InstitutionName    string `gorm:"type:varchar(255)" json:"institution_name"`
	ModalitiesInStudy  string `gorm:"type:varchar(255)" json:"modalities_in_study"`
	NumberOfSeries     int    `json:"number_of_series"`
	NumberOfInstances  int    `json:"number_of_instances"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName overrides the table name
func (Study) TableName() string {
	return "studies"
}

// Series represents one indexed DICOM series
type Series struct {
	SeriesInstanceUID string `gorm:"type:varchar(64);primaryKey" json:"series_instance_uid"`
	StudyInstanceUID  string `gorm:"type:varchar(64);not null;index" json:"study_instance_uid"`
	SeriesNumber      string `gorm:"type:varchar(16)" json:"series_number"`
	Modality          string `gorm:"type:varchar(16);index" json:"modality"`
	SeriesDescription string `gorm:"type:varchar(255)" json:"series_description"`
	BodyPartExamined  string `gorm:"type:varchar(64)" json:"body_part_examined"`
	NumberOfInstances int    `json:"number_of_instances"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName overrides the table name
func (Series) TableName() string {
	return "series"
}

// Instance represents one stored SOP instance and its location on disk
type Instance struct {
	SOPInstanceUID    string `gorm:"type:varchar(64);primaryKey" json:"sop_instance_uid"`
	SOPClassUID       string `gorm:"type:varchar(64);not null;index" json:"sop_class_uid"`
	StudyInstanceUID  string `gorm:"type:varchar(64);not null;index" json:"study_instance_uid"`
	SeriesInstanceUID string `gorm:"type:varchar(64);not null;index" json:"series_instance_uid"`
	InstanceNumber    string `gorm:"type:varchar(16)" json:"instance_number"`
	TransferSyntaxUID string `gorm:"type:varchar(64)" json:"transfer_syntax_uid"`
	FilePath          string `gorm:"type:varchar(1024);not null" json:"file_path"`
	FileSize          int64  `json:"file_size"`
	Rows              int    `json:"rows"`
	Columns           int    `json:"columns"`
	BitsAllocated     int    `json:"bits_allocated"`

	SourceAETitle string `gorm:"type:varchar(16)" json:"source_ae_title"`

	CreatedAt time.Time      `gorm:"index" json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName overrides the table name
func (Instance) TableName() string {
	return "instances"
}

// StudyQuery carries C-FIND study-level matching keys.
type StudyQuery struct {
	PatientID       string
	PatientName     string
	AccessionNumber string
	StudyDateFrom   string
	StudyDateTo     string
	StudyUIDs       []string
	Modality        string
}
