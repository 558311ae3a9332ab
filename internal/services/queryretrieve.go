package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/masroore/dicomscp/internal/config"
	"github.com/masroore/dicomscp/internal/metrics"
	"github.com/masroore/dicomscp/internal/models"
	"github.com/masroore/dicomscp/internal/scp"
	"github.com/masroore/dicomscp/pkg/dimse"
	"github.com/masroore/dicomscp/pkg/logger"
	"github.com/rs/zerolog"
)

// QueryIndex is the slice of the archive repository the query/retrieve
// services need.
type QueryIndex interface {
	GetStudies(ctx context.Context, q models.StudyQuery) ([]models.Study, error)
	GetSeriesByStudyUID(ctx context.Context, studyUID string) ([]models.Series, error)
	GetInstancesByStudyUID(ctx context.Context, studyUID string) ([]models.Instance, error)
	GetInstancesBySeriesUID(ctx context.Context, seriesUID string) ([]models.Instance, error)
	GetInstance(ctx context.Context, sopInstanceUID string) (*models.Instance, error)
}

// DestinationResolver maps a C-MOVE destination AE title to a network
// address.
type DestinationResolver interface {
	Resolve(ctx context.Context, aeTitle string) (host string, port int, ok bool)
}

// InstanceReader loads the encoded dataset of a stored instance.
type InstanceReader func(path string) (dimse.FileMeta, []byte, error)

// QueryRetrieveService implements C-FIND, C-MOVE and C-GET over the archive
// index.
type QueryRetrieveService struct {
	cfg      config.DICOMConfig
	index    QueryIndex
	resolver DestinationResolver
	read     InstanceReader
	log      zerolog.Logger
}

// NewQueryRetrieveService builds the query/retrieve service. read defaults to
// reading part 10 files from disk.
func NewQueryRetrieveService(cfg config.DICOMConfig, index QueryIndex, resolver DestinationResolver, read InstanceReader) *QueryRetrieveService {
	if read == nil {
		read = dimse.ReadPart10File
	}
	return &QueryRetrieveService{
		cfg:      cfg,
		index:    index,
		resolver: resolver,
		read:     read,
		log:      logger.Service("query-retrieve"),
	}
}

// Find handles archive C-FIND at study, series and image level. Patient level
// is not served.
func (s *QueryRetrieveService) Find(ctx context.Context, req *scp.FindRequest, emit func(*dimse.DataSet) error) uint16 {
	start := time.Now()
	defer func() {
		metrics.OperationDuration.WithLabelValues("c-find").Observe(time.Since(start).Seconds())
	}()

	level := strings.ToUpper(req.Identifier.String(dimse.TagQueryRetrieveLevel))
	var (
		matches []*dimse.DataSet
		err     error
	)
	switch level {
	case "STUDY":
		matches, err = s.findStudies(ctx, req)
	case "SERIES":
		matches, err = s.findSeries(ctx, req)
	case "IMAGE", "INSTANCE":
		matches, err = s.findInstances(ctx, req)
	default:
		s.log.Warn().Str("level", level).Msg("unsupported query retrieve level")
		metrics.OperationsTotal.WithLabelValues("c-find", metrics.OutcomeRejected).Inc()
		return dimse.StatusIdentifierMismatch
	}
	if err != nil {
		s.log.Error().Err(err).Str("level", level).Msg("find failed")
		metrics.OperationsTotal.WithLabelValues("c-find", metrics.OutcomeFailure).Inc()
		return dimse.StatusProcessingFailure
	}

	for _, match := range matches {
		if req.Cancelled != nil && req.Cancelled() {
			metrics.OperationsTotal.WithLabelValues("c-find", metrics.OutcomeCancel).Inc()
			return dimse.StatusCancel
		}
		if err := emit(match); err != nil {
			metrics.OperationsTotal.WithLabelValues("c-find", metrics.OutcomeFailure).Inc()
			return dimse.StatusProcessingFailure
		}
	}

	s.log.Info().Str("level", level).Int("matches", len(matches)).Msg("find completed")
	metrics.OperationsTotal.WithLabelValues("c-find", metrics.OutcomeSuccess).Inc()
	return dimse.StatusSuccess
}

func (s *QueryRetrieveService) findStudies(ctx context.Context, req *scp.FindRequest) ([]*dimse.DataSet, error) {
	id := req.Identifier
	q := models.StudyQuery{
		PatientID:       id.String(dimse.TagPatientID),
		PatientName:     id.String(dimse.TagPatientName),
		AccessionNumber: id.String(dimse.TagAccessionNumber),
		Modality:        id.String(dimse.TagModality),
	}
	q.StudyDateFrom, q.StudyDateTo = parseDateRange(id.String(dimse.TagStudyDate))
	if uid := id.String(dimse.TagStudyInstanceUID); uid != "" {
		q.StudyUIDs = id.Strings(dimse.TagStudyInstanceUID)
	}

	studies, err := s.index.GetStudies(ctx, q)
	if err != nil {
		return nil, err
	}

	out := make([]*dimse.DataSet, 0, len(studies))
	for _, st := range studies {
		out = append(out, buildResponse(id, s.cfg.AETitle, map[dimse.Tag]string{
			dimse.TagStudyInstanceUID:       st.StudyInstanceUID,
			dimse.TagPatientID:              st.PatientID,
			dimse.TagPatientName:            st.PatientName,
			dimse.TagPatientBirthDate:       st.PatientBirthDate,
			dimse.TagPatientSex:             st.PatientSex,
			dimse.TagStudyDate:              st.StudyDate,
			dimse.TagStudyTime:              st.StudyTime,
			dimse.TagStudyDescription:       st.StudyDescription,
			dimse.TagStudyID:                st.StudyID,
			dimse.TagAccessionNumber:        st.AccessionNumber,
			dimse.TagReferringPhysicianName: st.ReferringPhysician,
			dimse.TagModality:               st.ModalitiesInStudy,
			dimse.TagNumberOfStudySeries:    strconv.Itoa(st.NumberOfSeries),
			dimse.TagNumberOfStudyInstances: strconv.Itoa(st.NumberOfInstances),
		}))
	}
	return out, nil
}

func (s *QueryRetrieveService) findSeries(ctx context.Context, req *scp.FindRequest) ([]*dimse.DataSet, error) {
	id := req.Identifier
	studyUID := id.String(dimse.TagStudyInstanceUID)
	if studyUID == "" {
		return nil, fmt.Errorf("series level query requires a study instance UID")
	}

	series, err := s.index.GetSeriesByStudyUID(ctx, studyUID)
	if err != nil {
		return nil, err
	}

	modality := id.String(dimse.TagModality)
	out := make([]*dimse.DataSet, 0, len(series))
	for _, se := range series {
		if modality != "" && se.Modality != modality {
			continue
		}
		out = append(out, buildResponse(id, s.cfg.AETitle, map[dimse.Tag]string{
			dimse.TagStudyInstanceUID:        se.StudyInstanceUID,
			dimse.TagSeriesInstanceUID:       se.SeriesInstanceUID,
			dimse.TagSeriesNumber:            se.SeriesNumber,
			dimse.TagModality:                se.Modality,
			dimse.TagSeriesDescription:       se.SeriesDescription,
			dimse.TagBodyPartExamined:        se.BodyPartExamined,
			dimse.TagNumberOfSeriesInstances: strconv.Itoa(se.NumberOfInstances),
		}))
	}
	return out, nil
}

func (s *QueryRetrieveService) findInstances(ctx context.Context, req *scp.FindRequest) ([]*dimse.DataSet, error) {
	id := req.Identifier
	var (
		instances []models.Instance
		err       error
	)
	if seriesUID := id.String(dimse.TagSeriesInstanceUID); seriesUID != "" {
		instances, err = s.index.GetInstancesBySeriesUID(ctx, seriesUID)
	} else if studyUID := id.String(dimse.TagStudyInstanceUID); studyUID != "" {
		instances, err = s.index.GetInstancesByStudyUID(ctx, studyUID)
	} else {
		return nil, fmt.Errorf("image level query requires a study or series instance UID")
	}
	if err != nil {
		return nil, err
	}

	out := make([]*dimse.DataSet, 0, len(instances))
	for _, in := range instances {
		out = append(out, buildResponse(id, s.cfg.AETitle, map[dimse.Tag]string{
			dimse.TagStudyInstanceUID:  in.StudyInstanceUID,
			dimse.TagSeriesInstanceUID: in.SeriesInstanceUID,
			dimse.TagSOPInstanceUID:    in.SOPInstanceUID,
			dimse.TagSOPClassUID:       in.SOPClassUID,
			dimse.TagInstanceNumber:    in.InstanceNumber,
			dimse.TagRows:              strconv.Itoa(in.Rows),
			dimse.TagColumns:           strconv.Itoa(in.Columns),
			dimse.TagBitsAllocated:     strconv.Itoa(in.BitsAllocated),
		}))
	}
	return out, nil
}

// buildResponse echoes every requested tag, filling in known values. Tags the
// request did not ask for are added only when they identify the match.
func buildResponse(identifier *dimse.DataSet, retrieveAE string, values map[dimse.Tag]string) *dimse.DataSet {
	out := dimse.NewDataSet()
	for _, tag := range identifier.SortedTags() {
		if v, ok := values[tag]; ok {
			out.PutString(tag, v)
			continue
		}
		// Copy the request value through so the SCU sees its own keys.
		out.PutString(tag, identifier.String(tag))
	}
	for _, tag := range []dimse.Tag{dimse.TagStudyInstanceUID, dimse.TagSeriesInstanceUID, dimse.TagSOPInstanceUID} {
		if v, ok := values[tag]; ok && !out.Has(tag) {
			out.PutString(tag, v)
		}
	}
	out.PutString(dimse.TagQueryRetrieveLevel, identifier.String(dimse.TagQueryRetrieveLevel))
	out.PutString(dimse.TagRetrieveAETitle, retrieveAE)
	switch cs := identifier.String(dimse.TagSpecificCharacterSet); cs {
	case "":
	case "ISO_IR 100", "ISO_IR 192", "GB18030":
		out.PutString(dimse.TagSpecificCharacterSet, cs)
	default:
		// Unknown repertoire: answer in UTF-8.
		out.PutString(dimse.TagSpecificCharacterSet, "ISO_IR 192")
	}
	return out
}

// parseDateRange splits a DICOM DA range key into (from, to). Empty bounds
// stay empty.
func parseDateRange(value string) (string, string) {
	if value == "" {
		return "", ""
	}
	if idx := strings.IndexByte(value, '-'); idx != -1 {
		return strings.TrimSpace(value[:idx]), strings.TrimSpace(value[idx+1:])
	}
	return value, value
}

// collectInstances resolves the retrieve identifier into the instance list.
func (s *QueryRetrieveService) collectInstances(ctx context.Context, identifier *dimse.DataSet) ([]models.Instance, error) {
	level := strings.ToUpper(identifier.String(dimse.TagQueryRetrieveLevel))
	switch level {
	case "STUDY":
		var all []models.Instance
		for _, studyUID := range identifier.Strings(dimse.TagStudyInstanceUID) {
			instances, err := s.index.GetInstancesByStudyUID(ctx, studyUID)
			if err != nil {
				return nil, err
			}
			all = append(all, instances...)
		}
		if len(all) == 0 && identifier.String(dimse.TagStudyInstanceUID) == "" {
			return nil, fmt.Errorf("study level retrieve requires a study instance UID")
		}
		return all, nil
	case "SERIES":
		var all []models.Instance
		for _, seriesUID := range identifier.Strings(dimse.TagSeriesInstanceUID) {
			instances, err := s.index.GetInstancesBySeriesUID(ctx, seriesUID)
			if err != nil {
				return nil, err
			}
			all = append(all, instances...)
		}
		return all, nil
	case "IMAGE", "INSTANCE":
		var all []models.Instance
		for _, sopUID := range identifier.Strings(dimse.TagSOPInstanceUID) {
			instance, err := s.index.GetInstance(ctx, sopUID)
			if err != nil {
				return nil, err
			}
			if instance != nil {
				all = append(all, *instance)
			}
		}
		return all, nil
	default:
		return nil, fmt.Errorf("unsupported retrieve level %q", level)
	}
}

// Move handles C-MOVE by pushing matched instances to the destination AE over
// an outbound association.
func (s *QueryRetrieveService) Move(ctx context.Context, req *scp.RetrieveRequest, progress scp.ProgressFunc) scp.RetrieveResult {
	start := time.Now()
	defer func() {
		metrics.OperationDuration.WithLabelValues("c-move").Observe(time.Since(start).Seconds())
	}()

	host, port, ok := s.resolver.Resolve(ctx, req.Destination)
	if !ok {
		s.log.Warn().Str("destination", req.Destination).Msg("unknown move destination")
		metrics.OperationsTotal.WithLabelValues("c-move", metrics.OutcomeRejected).Inc()
		return scp.RetrieveResult{Status: dimse.StatusMoveDestinationUnknown}
	}

	instances, err := s.collectInstances(ctx, req.Identifier)
	if err != nil {
		s.log.Error().Err(err).Msg("move identifier resolution failed")
		metrics.OperationsTotal.WithLabelValues("c-move", metrics.OutcomeFailure).Inc()
		return scp.RetrieveResult{Status: dimse.StatusIdentifierMismatch}
	}

	sender := &moveSender{
		service:     s,
		host:        host,
		port:        port,
		destination: req.Destination,
		originAE:    req.Peer.CallingAETitle,
		originMsgID: req.MessageID,
	}
	defer sender.close()

	result := s.runSubOperations(ctx, req, instances, sender.store, progress)
	metrics.OperationsTotal.WithLabelValues("c-move", outcomeFor(result.Status)).Inc()
	return result
}

// Get handles C-GET; sub-operations run back over the requesting association.
func (s *QueryRetrieveService) Get(ctx context.Context, req *scp.RetrieveRequest, store scp.SubStoreFunc, progress scp.ProgressFunc) scp.RetrieveResult {
	start := time.Now()
	defer func() {
		metrics.OperationDuration.WithLabelValues("c-get").Observe(time.Since(start).Seconds())
	}()

	instances, err := s.collectInstances(ctx, req.Identifier)
	if err != nil {
		s.log.Error().Err(err).Msg("get identifier resolution failed")
		metrics.OperationsTotal.WithLabelValues("c-get", metrics.OutcomeFailure).Inc()
		return scp.RetrieveResult{Status: dimse.StatusIdentifierMismatch}
	}

	result := s.runSubOperations(ctx, req, instances, store, progress)
	metrics.OperationsTotal.WithLabelValues("c-get", outcomeFor(result.Status)).Inc()
	return result
}

// runSubOperations drives the sub-operation loop shared by C-MOVE and C-GET,
// emitting one pending response per completed sub-operation.
func (s *QueryRetrieveService) runSubOperations(ctx context.Context, req *scp.RetrieveRequest, instances []models.Instance, store scp.SubStoreFunc, progress scp.ProgressFunc) scp.RetrieveResult {
	total := uint16(len(instances))
	var result scp.RetrieveResult
	cancelled := false

	for i, instance := range instances {
		if req.Cancelled != nil && req.Cancelled() {
			cancelled = true
			break
		}
		if ctx.Err() != nil {
			break
		}

		status, err := s.sendInstance(instance, store)
		switch {
		case err != nil || dimse.IsFailureStatus(status):
			result.Failed++
			result.FailedSOPInstanceUIDs = append(result.FailedSOPInstanceUIDs, instance.SOPInstanceUID)
			if err != nil {
				s.log.Warn().Err(err).Str("sop_instance_uid", instance.SOPInstanceUID).Msg("sub-operation failed")
			} else {
				s.log.Warn().Uint16("status", status).Str("sop_instance_uid", instance.SOPInstanceUID).Msg("sub-operation rejected")
			}
			metrics.SubOperationsTotal.WithLabelValues("c-store", metrics.OutcomeFailure).Inc()
		case dimse.IsWarningStatus(status) || status == dimse.StatusDuplicateSOPInstance:
			result.Warnings++
			metrics.SubOperationsTotal.WithLabelValues("c-store", metrics.OutcomeWarning).Inc()
		default:
			result.Completed++
			metrics.SubOperationsTotal.WithLabelValues("c-store", metrics.OutcomeSuccess).Inc()
		}

		remaining := total - uint16(i) - 1
		if progress != nil {
			progress(remaining, result.Completed, result.Failed, result.Warnings)
		}
	}

	switch {
	case cancelled:
		result.Status = dimse.StatusCancel
	case result.Failed == 0:
		result.Status = dimse.StatusSuccess
	case result.Completed == 0:
		result.Status = dimse.StatusProcessingFailure
	default:
		// Partial failure: some instances went through, some did not.
		result.Status = dimse.StatusCancel
	}
	s.log.Info().
		Uint16("completed", result.Completed).
		Uint16("failed", result.Failed).
		Uint16("warnings", result.Warnings).
		Uint16("total", total).
		Msg("retrieve finished")
	return result
}

func (s *QueryRetrieveService) sendInstance(instance models.Instance, store scp.SubStoreFunc) (uint16, error) {
	meta, payload, err := s.read(instance.FilePath)
	if err != nil {
		return 0, fmt.Errorf("failed to read instance: %w", err)
	}
	return store(meta.SOPClassUID, meta.SOPInstanceUID, meta.TransferSyntax, payload)
}

func outcomeFor(status uint16) string {
	switch {
	case status == dimse.StatusSuccess:
		return metrics.OutcomeSuccess
	case status == dimse.StatusCancel:
		return metrics.OutcomeCancel
	default:
		return metrics.OutcomeFailure
	}
}

// moveSender manages the outbound association of one C-MOVE. The association
// opens on first use and is reused; one reconnect is attempted when a
// sub-operation hits a transport error.
type moveSender struct {
	service     *QueryRetrieveService
	host        string
	port        int
	destination string
	originAE    string
	originMsgID uint16

	assoc       *dimse.Association
	contexts    map[string]byte // sop class -> context ID
	reconnected bool
}

func (m *moveSender) store(sopClassUID, sopInstanceUID, transferSyntax string, payload []byte) (uint16, error) {
	status, err := m.trySend(sopClassUID, sopInstanceUID, transferSyntax, payload)
	if err == nil || m.reconnected {
		return status, err
	}
	// One reconnect, then the sub-operation either works or fails for good.
	m.reconnected = true
	m.closeAssoc()
	return m.trySend(sopClassUID, sopInstanceUID, transferSyntax, payload)
}

func (m *moveSender) trySend(sopClassUID, sopInstanceUID, transferSyntax string, payload []byte) (uint16, error) {
	if err := m.connect(sopClassUID, transferSyntax); err != nil {
		return 0, err
	}
	pc, err := m.assoc.ContextFor(sopClassUID)
	if err != nil {
		return 0, err
	}
	if pc.TransferSyntax != transferSyntax {
		return 0, fmt.Errorf("destination negotiated %s, instance stored as %s", pc.TransferSyntax, transferSyntax)
	}

	err = m.assoc.SendRaw(pc, &dimse.Message{
		CommandField:            dimse.CStoreRQ,
		MessageID:               m.assoc.NextMessageID(),
		AffectedSOPClassUID:     sopClassUID,
		AffectedSOPInstanceUID:  sopInstanceUID,
		CommandDataSetType:      dimse.DataSetPresent,
		MoveOriginatorAETitle:   m.originAE,
		MoveOriginatorMessageID: m.originMsgID,
	}, payload)
	if err != nil {
		return 0, err
	}
	rsp, _, err := m.assoc.Receive()
	if err != nil {
		return 0, err
	}
	return rsp.Status, nil
}

// connect opens the outbound association, proposing the storage class with
// both its stored syntax and the baseline set.
func (m *moveSender) connect(sopClassUID, transferSyntax string) error {
	if m.assoc != nil {
		if _, ok := m.contexts[sopClassUID]; ok {
			return nil
		}
		// The class was not negotiated up front; reopen with it included.
		m.closeAssoc()
	}

	if m.contexts == nil {
		m.contexts = make(map[string]byte)
	}
	m.contexts[sopClassUID] = 1

	var contexts []*dimse.PresentationContext
	id := byte(1)
	for class := range m.contexts {
		syntaxes := []string{transferSyntax}
		for _, ts := range dimse.BaselineTransferSyntaxes {
			if ts != transferSyntax {
				syntaxes = append(syntaxes, ts)
			}
		}
		contexts = append(contexts, dimse.ProposeContext(id, class, syntaxes...))
		m.contexts[class] = id
		id += 2
	}

	timeout := m.service.cfg.SubOperationTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	assoc, err := dimse.Connect(ctx, dimse.AssociationConfig{
		Host:           m.host,
		Port:           m.port,
		CallingAETitle: m.service.cfg.AETitle,
		CalledAETitle:  m.destination,
		MaxPDULength:   m.service.cfg.MaxPDULength,
		ConnectTimeout: timeout,
		ReadTimeout:    timeout,
		WriteTimeout:   timeout,
		Contexts:       contexts,
	})
	if err != nil {
		return fmt.Errorf("failed to open association to %s: %w", m.destination, err)
	}
	m.assoc = assoc
	return nil
}

func (m *moveSender) closeAssoc() {
	if m.assoc != nil {
		m.assoc.Abort()
		m.assoc = nil
	}
}

func (m *moveSender) close() {
	if m.assoc != nil {
		m.assoc.Release()
		m.assoc = nil
	}
}
