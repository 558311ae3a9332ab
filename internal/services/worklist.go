package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/masroore/dicomscp/internal/config"
	"github.com/masroore/dicomscp/internal/metrics"
	"github.com/masroore/dicomscp/internal/models"
	"github.com/masroore/dicomscp/internal/scp"
	"github.com/masroore/dicomscp/internal/transliterate"
	"github.com/masroore/dicomscp/pkg/dimse"
	"github.com/masroore/dicomscp/pkg/logger"
	"github.com/rs/zerolog"
)

// WorklistIndex is the slice of the worklist repository the MWL service
// needs.
type WorklistIndex interface {
	GetWorklistItems(ctx context.Context, q models.WorklistQuery) ([]models.WorklistItem, error)
}

// Charsets the worklist SCP can answer with natively. Anything else gets
// transliterated names.
const (
	charsetGB18030 = "GB18030"
	charsetUTF8    = "ISO_IR 192"
)

// WorklistService serves modality worklist C-FIND.
type WorklistService struct {
	cfg   config.DICOMConfig
	index WorklistIndex
	log   zerolog.Logger

	// now is replaceable for tests.
	now func() time.Time
}

// NewWorklistService builds the worklist service.
func NewWorklistService(cfg config.DICOMConfig, index WorklistIndex) *WorklistService {
	return &WorklistService{
		cfg:   cfg,
		index: index,
		log:   logger.Service("worklist"),
		now:   time.Now,
	}
}

// Find handles one MWL C-FIND. A single malformed item is skipped; the query
// fails only when every matching item fails to convert.
func (s *WorklistService) Find(ctx context.Context, req *scp.FindRequest, emit func(*dimse.DataSet) error) uint16 {
	start := time.Now()
	defer func() {
		metrics.OperationDuration.WithLabelValues("mwl-find").Observe(time.Since(start).Seconds())
	}()

	query := s.buildQuery(req.Identifier)
	items, err := s.index.GetWorklistItems(ctx, query)
	if err != nil {
		s.log.Error().Err(err).Msg("worklist query failed")
		metrics.OperationsTotal.WithLabelValues("mwl-find", metrics.OutcomeFailure).Inc()
		return dimse.StatusProcessingFailure
	}

	charset := s.responseCharset(req.Identifier)
	emitted, failed := 0, 0
	for _, item := range items {
		if req.Cancelled != nil && req.Cancelled() {
			metrics.OperationsTotal.WithLabelValues("mwl-find", metrics.OutcomeCancel).Inc()
			return dimse.StatusCancel
		}
		match, err := s.buildItem(req.Identifier, &item, charset)
		if err != nil {
			failed++
			s.log.Warn().Err(err).Str("accession_number", item.AccessionNumber).Msg("skipping worklist item")
			continue
		}
		if err := emit(match); err != nil {
			metrics.OperationsTotal.WithLabelValues("mwl-find", metrics.OutcomeFailure).Inc()
			return dimse.StatusProcessingFailure
		}
		emitted++
	}

	if failed > 0 && emitted == 0 {
		metrics.OperationsTotal.WithLabelValues("mwl-find", metrics.OutcomeFailure).Inc()
		return dimse.StatusProcessingFailure
	}
	s.log.Info().Int("matches", emitted).Int("skipped", failed).Msg("worklist find completed")
	metrics.OperationsTotal.WithLabelValues("mwl-find", metrics.OutcomeSuccess).Inc()
	return dimse.StatusSuccess
}

// buildQuery derives repository matching keys from the MWL identifier. The
// scheduled procedure step keys live inside the SPS sequence item.
func (s *WorklistService) buildQuery(identifier *dimse.DataSet) models.WorklistQuery {
	q := models.WorklistQuery{
		PatientID:       identifier.String(dimse.TagPatientID),
		PatientName:     identifier.String(dimse.TagPatientName),
		AccessionNumber: identifier.String(dimse.TagAccessionNumber),
	}

	var startDateKey string
	if items := identifier.Sequence(dimse.TagSchedProcStepSequence); len(items) > 0 {
		sps := items[0]
		q.Modality = sps.String(dimse.TagModality)
		q.ScheduledStationAE = sps.String(dimse.TagSchedStationAETitle)
		startDateKey = sps.String(dimse.TagSchedProcStepStartDate)
	}
	if q.Modality == "" {
		q.Modality = identifier.String(dimse.TagModality)
	}

	q.StartDateFrom, q.StartDateTo = s.deriveDateRange(startDateKey)
	return q
}

// deriveDateRange turns the SPS start date key into an absolute window. An
// absent key means thirty days either side of today. A key carrying at least
// one valid 8-digit date runs from the earliest such date up to the query
// time; a key with no valid date collapses to today.
func (s *WorklistService) deriveDateRange(key string) (time.Time, time.Time) {
	today := s.now().Truncate(24 * time.Hour)
	if key == "" {
		return today.AddDate(0, 0, -30), today.AddDate(0, 0, 31)
	}

	var earliest time.Time
	parts := strings.FieldsFunc(key, func(r rune) bool { return r == '-' || r == '\\' })
	for _, part := range parts {
		t, err := time.Parse("20060102", strings.TrimSpace(part))
		if err != nil {
			continue
		}
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
	}
	if earliest.IsZero() {
		return today, today.AddDate(0, 0, 1)
	}
	return earliest, s.now()
}

// responseCharset picks the charset of outgoing names. The SCU's offered
// charsets win when they can carry ideographs; otherwise names are
// transliterated and the response stays in the default repertoire.
func (s *WorklistService) responseCharset(identifier *dimse.DataSet) string {
	for _, cs := range identifier.Strings(dimse.TagSpecificCharacterSet) {
		switch cs {
		case charsetGB18030, charsetUTF8:
			return cs
		}
	}
	return ""
}

func (s *WorklistService) buildItem(identifier *dimse.DataSet, item *models.WorklistItem, charset string) (*dimse.DataSet, error) {
	if item.PatientID == "" || item.PatientName == "" {
		return nil, fmt.Errorf("worklist item missing patient identity")
	}
	scheduled := item.ScheduledDateTime
	if scheduled.IsZero() {
		scheduled = s.now()
	}

	patientName := item.PatientName
	if charset == "" {
		patientName = transliterate.PersonName(patientName)
	}

	out := dimse.NewDataSet()
	if charset != "" {
		out.PutString(dimse.TagSpecificCharacterSet, charset)
	} else {
		out.PutString(dimse.TagSpecificCharacterSet, "ISO_IR 100")
	}
	birthDate := normalizeDate(item.PatientBirthDate)
	out.PutString(dimse.TagPatientName, patientName)
	out.PutString(dimse.TagPatientID, item.PatientID)
	out.PutString(dimse.TagPatientBirthDate, birthDate)
	out.PutString(dimse.TagPatientSex, csValue(item.PatientSex))
	if age := deriveAge(birthDate, s.now()); age != "" {
		out.PutString(dimse.TagPatientAge, age)
	}
	out.PutString(dimse.TagAccessionNumber, item.AccessionNumber)
	out.PutString(dimse.TagRequestedProcedureID, item.RequestedProcedureID)
	out.PutString(dimse.TagRequestedProcedureDesc, item.RequestedProcedureDesc)

	sps := dimse.NewDataSet()
	sps.PutString(dimse.TagModality, csValue(item.Modality))
	sps.PutString(dimse.TagSchedStationAETitle, item.ScheduledStationAE)
	sps.PutString(dimse.TagSchedProcStepStartDate, scheduled.Format("20060102"))
	sps.PutString(dimse.TagSchedProcStepStartTime, scheduled.Format("150405"))
	sps.PutString(dimse.TagSchedProcStepID, item.ScheduledStepID)
	sps.PutString(dimse.TagSchedProcStepDesc, item.ScheduledStepDesc)
	if item.PerformingPhysician != "" {
		physician := item.PerformingPhysician
		if charset == "" {
			physician = transliterate.PersonName(physician)
		}
		sps.PutString(dimse.TagPerformingPhysician, physician)
	}
	out.PutSequence(dimse.TagSchedProcStepSequence, []*dimse.DataSet{sps})

	// Echo any requested top-level keys the item does not populate.
	for _, tag := range identifier.SortedTags() {
		if tag == dimse.TagSchedProcStepSequence || out.Has(tag) {
			continue
		}
		out.PutString(tag, identifier.String(tag))
	}
	return out, nil
}

// csValue restricts a CS value to its legal repertoire: uppercase letters,
// digits, space and underscore.
func csValue(v string) string {
	v = strings.ToUpper(strings.TrimSpace(v))
	var b strings.Builder
	for _, r := range v {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == ' ', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// normalizeDate reduces a loose date value to strict 8-digit form, or empty
// when it cannot.
func normalizeDate(v string) string {
	var b strings.Builder
	for _, r := range v {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() != 8 {
		return ""
	}
	return b.String()
}

// deriveAge formats a DICOM AS age from a birth date, e.g. "042Y".
func deriveAge(birthDate string, now time.Time) string {
	if len(birthDate) != 8 {
		return ""
	}
	born, err := time.Parse("20060102", birthDate)
	if err != nil {
		return ""
	}
	years := now.Year() - born.Year()
	if now.YearDay() < born.YearDay() {
		years--
	}
	if years < 0 || years > 200 {
		return ""
	}
	return fmt.Sprintf("%03dY", years)
}
