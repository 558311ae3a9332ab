package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/masroore/dicomscp/internal/config"
	"github.com/masroore/dicomscp/internal/metrics"
	"github.com/masroore/dicomscp/internal/models"
	"github.com/masroore/dicomscp/internal/scp"
	"github.com/masroore/dicomscp/pkg/dimse"
	"github.com/masroore/dicomscp/pkg/logger"
	"github.com/rs/zerolog"
)

// ArchiveIndex is the slice of the archive repository the storage service
// needs.
type ArchiveIndex interface {
	GetInstance(ctx context.Context, sopInstanceUID string) (*models.Instance, error)
	IndexInstance(ctx context.Context, study *models.Study, series *models.Series, instance *models.Instance) error
}

// AuditSink records completed operations.
type AuditSink interface {
	Create(ctx context.Context, log *models.AuditLog) error
}

// Transcoder re-encodes an image dataset between transfer syntaxes.
type Transcoder interface {
	Transcode(payload []byte, fromTS, toTS string) ([]byte, error)
}

// StorageService persists inbound C-STORE datasets to disk and indexes them.
type StorageService struct {
	cfg   config.StorageConfig
	index ArchiveIndex
	audit AuditSink
	log   zerolog.Logger

	// sem bounds concurrent stores across all associations.
	sem       chan struct{}
	locks     *uidLocks
	transcode Transcoder
}

// NewStorageService builds the storage service. maxConcurrent <= 0 defaults
// to twice the CPU count.
func NewStorageService(cfg config.StorageConfig, index ArchiveIndex, audit AuditSink) *StorageService {
	maxConcurrent := cfg.MaxConcurrentStores
	if maxConcurrent <= 0 {
		maxConcurrent = 2 * runtime.NumCPU()
	}
	return &StorageService{
		cfg:   cfg,
		index: index,
		audit: audit,
		log:   logger.Service("c-store"),
		sem:   make(chan struct{}, maxConcurrent),
		locks: newUIDLocks(),
	}
}

// SetTranscoder installs the recompression hook used when a preferred
// transfer syntax is configured. Without one, instances keep their negotiated
// syntax.
func (s *StorageService) SetTranscoder(t Transcoder) {
	s.transcode = t
}

// Store handles one C-STORE request and returns its DIMSE status.
func (s *StorageService) Store(ctx context.Context, req *scp.StoreRequest) uint16 {
	start := time.Now()
	status := s.store(ctx, req)
	metrics.OperationDuration.WithLabelValues("c-store").Observe(time.Since(start).Seconds())

	outcome := metrics.OutcomeSuccess
	auditStatus := "success"
	if dimse.IsFailureStatus(status) {
		outcome = metrics.OutcomeFailure
		auditStatus = "failure"
	} else if status == dimse.StatusDuplicateSOPInstance {
		outcome = metrics.OutcomeWarning
	}
	metrics.OperationsTotal.WithLabelValues("c-store", outcome).Inc()

	if s.audit != nil {
		_ = s.audit.Create(ctx, &models.AuditLog{
			Operation:      "C-STORE",
			SOPClassUID:    req.SOPClassUID,
			SOPInstanceUID: req.SOPInstanceUID,
			CallingAETitle: req.Peer.CallingAETitle,
			CalledAETitle:  req.Peer.CalledAETitle,
			RemoteAddress:  req.Peer.RemoteAddress,
			Status:         auditStatus,
			DimseStatus:    int(status),
			Duration:       time.Since(start).Milliseconds(),
		})
	}
	return status
}

func (s *StorageService) store(ctx context.Context, req *scp.StoreRequest) uint16 {
	ds, err := dimse.DecodeDataSet(req.Payload, req.TransferSyntax)
	if err != nil {
		s.log.Warn().Err(err).Str("sop_instance_uid", req.SOPInstanceUID).Msg("undecodable dataset")
		return dimse.StatusInvalidAttributeValue
	}

	sopClassUID := ds.String(dimse.TagSOPClassUID)
	sopInstanceUID := ds.String(dimse.TagSOPInstanceUID)
	studyUID := ds.String(dimse.TagStudyInstanceUID)
	seriesUID := ds.String(dimse.TagSeriesInstanceUID)
	patientID := ds.String(dimse.TagPatientID)

	if sopInstanceUID == "" || sopClassUID == "" || studyUID == "" || seriesUID == "" || patientID == "" {
		s.log.Warn().Str("sop_instance_uid", req.SOPInstanceUID).Msg("dataset missing required attributes")
		return dimse.StatusInvalidAttributeValue
	}
	if req.SOPInstanceUID != "" && req.SOPInstanceUID != sopInstanceUID {
		s.log.Warn().
			Str("command_uid", req.SOPInstanceUID).
			Str("dataset_uid", sopInstanceUID).
			Msg("SOP instance UID mismatch between command and dataset")
		return dimse.StatusInvalidAttributeValue
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return dimse.StatusProcessingFailure
	}
	defer func() { <-s.sem }()

	release := s.locks.acquire(sopInstanceUID)
	defer release()

	existing, err := s.index.GetInstance(ctx, sopInstanceUID)
	if err != nil {
		s.log.Error().Err(err).Msg("duplicate check failed")
		return dimse.StatusProcessingFailure
	}
	if existing != nil {
		s.log.Info().Str("sop_instance_uid", sopInstanceUID).Msg("duplicate SOP instance")
		return dimse.StatusDuplicateSOPInstance
	}

	payload, transferSyntax := req.Payload, req.TransferSyntax
	if s.transcode != nil && s.cfg.PreferredTransferSyntax != "" &&
		s.cfg.PreferredTransferSyntax != transferSyntax && dimse.IsImageStorageClass(sopClassUID) {
		out, err := s.transcode.Transcode(payload, transferSyntax, s.cfg.PreferredTransferSyntax)
		if err != nil {
			// Keep the original syntax rather than failing the store.
			s.log.Warn().Err(err).Str("sop_instance_uid", sopInstanceUID).Msg("transcode failed, storing original syntax")
		} else {
			payload, transferSyntax = out, s.cfg.PreferredTransferSyntax
		}
	}

	finalPath := filepath.Join(s.cfg.Path, studyUID, seriesUID, sopInstanceUID+".dcm")
	size, err := s.writeInstance(payload, sopClassUID, sopInstanceUID, transferSyntax, finalPath)
	if err != nil {
		s.log.Error().Err(err).Str("sop_instance_uid", sopInstanceUID).Msg("failed to write instance")
		return dimse.StatusProcessingFailure
	}

	instance := &models.Instance{
		SOPInstanceUID:    sopInstanceUID,
		SOPClassUID:       sopClassUID,
		StudyInstanceUID:  studyUID,
		SeriesInstanceUID: seriesUID,
		InstanceNumber:    ds.String(dimse.TagInstanceNumber),
		TransferSyntaxUID: transferSyntax,
		FilePath:          finalPath,
		FileSize:          size,
		Rows:              atoiOrZero(ds.String(dimse.TagRows)),
		Columns:           atoiOrZero(ds.String(dimse.TagColumns)),
		BitsAllocated:     atoiOrZero(ds.String(dimse.TagBitsAllocated)),
		SourceAETitle:     req.Peer.CallingAETitle,
	}
	study := &models.Study{
		StudyInstanceUID:   studyUID,
		PatientID:          patientID,
		PatientName:        ds.String(dimse.TagPatientName),
		PatientBirthDate:   ds.String(dimse.TagPatientBirthDate),
		PatientSex:         ds.String(dimse.TagPatientSex),
		StudyDate:          ds.String(dimse.TagStudyDate),
		StudyTime:          ds.String(dimse.TagStudyTime),
		StudyDescription:   ds.String(dimse.TagStudyDescription),
		StudyID:            ds.String(dimse.TagStudyID),
		AccessionNumber:    ds.String(dimse.TagAccessionNumber),
		ReferringPhysician: ds.String(dimse.TagReferringPhysicianName),
		InstitutionName:    ds.String(dimse.TagInstitutionName),
		ModalitiesInStudy:  ds.String(dimse.TagModality),
	}
	series := &models.Series{
		SeriesInstanceUID: seriesUID,
		StudyInstanceUID:  studyUID,
		SeriesNumber:      ds.String(dimse.TagSeriesNumber),
		Modality:          ds.String(dimse.TagModality),
		SeriesDescription: ds.String(dimse.TagSeriesDescription),
		BodyPartExamined:  ds.String(dimse.TagBodyPartExamined),
	}

	if err := s.index.IndexInstance(ctx, study, series, instance); err != nil {
		os.Remove(finalPath)
		s.log.Error().Err(err).Str("sop_instance_uid", sopInstanceUID).Msg("failed to index instance")
		return dimse.StatusProcessingFailure
	}

	metrics.StoredBytes.Add(float64(size))
	s.log.Info().
		Str("sop_instance_uid", sopInstanceUID).
		Str("study_uid", studyUID).
		Int64("bytes", size).
		Msg("instance stored")
	return dimse.StatusSuccess
}

// writeInstance writes the part 10 file via a temp file and an atomic rename.
// The temp file never survives an error.
func (s *StorageService) writeInstance(payload []byte, sopClassUID, sopInstanceUID, transferSyntax, finalPath string) (int64, error) {
	if err := os.MkdirAll(s.cfg.TempPath, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create temp dir: %w", err)
	}
	tempPath := filepath.Join(s.cfg.TempPath, uuid.NewString()+".tmp")

	data := dimse.EncodePart10(dimse.FileMeta{
		SOPClassUID:    sopClassUID,
		SOPInstanceUID: sopInstanceUID,
		TransferSyntax: transferSyntax,
	}, payload)

	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("failed to create instance dir: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("failed to move instance into place: %w", err)
	}
	return int64(len(data)), nil
}

func atoiOrZero(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// uidLocks serializes work per SOP instance UID. Entries are reference
// counted and removed once idle.
type uidLocks struct {
	mu      sync.Mutex
	entries map[string]*uidLockEntry
}

type uidLockEntry struct {
	mu   sync.Mutex
	refs int
}

func newUIDLocks() *uidLocks {
	return &uidLocks{entries: make(map[string]*uidLockEntry)}
}

// acquire locks uid and returns the release function.
func (l *uidLocks) acquire(uid string) func() {
	l.mu.Lock()
	entry, ok := l.entries[uid]
	if !ok {
		entry = &uidLockEntry{}
		l.entries[uid] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, uid)
		}
		l.mu.Unlock()
	}
}
