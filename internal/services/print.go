package services

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
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

// PrintIndex is the slice of the print repository the print SCP needs.
type PrintIndex interface {
	CreatePrintJob(ctx context.Context, job *models.PrintJob) error
	GetPrintJobByFilmSession(ctx context.Context, filmSessionUID string) (*models.PrintJob, error)
	UpdatePrintJob(ctx context.Context, job *models.PrintJob) error
	UpdatePrintJobStatus(ctx context.Context, filmSessionUID string, status models.PrintJobStatus, lastError string) error
}

// filmState tracks one film session's negotiated hierarchy in memory.
type filmState struct {
	sessionUID string
	filmBoxUID string
	imageBoxes []string
	pageCount  int
}

// PrintService implements the basic print management SOP classes: film
// session and film box N-CREATE, image box N-SET, print N-ACTION.
type PrintService struct {
	cfg   config.StorageConfig
	index PrintIndex
	log   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*filmState // film session UID -> state
	byBox    map[string]string     // film box / image box UID -> session UID
}

// NewPrintService builds the print service. Received film pages land under
// <storage path>/prints.
func NewPrintService(cfg config.StorageConfig, index PrintIndex) *PrintService {
	return &PrintService{
		cfg:      cfg,
		index:    index,
		log:      logger.Service("print"),
		sessions: make(map[string]*filmState),
		byBox:    make(map[string]string),
	}
}

// Handle dispatches one print DIMSE-N operation.
func (s *PrintService) Handle(ctx context.Context, req *scp.PrintRequest) scp.PrintResponse {
	start := time.Now()
	rsp := s.handle(ctx, req)
	metrics.OperationDuration.WithLabelValues("print").Observe(time.Since(start).Seconds())
	outcome := metrics.OutcomeSuccess
	if dimse.IsFailureStatus(rsp.Status) {
		outcome = metrics.OutcomeFailure
	}
	metrics.OperationsTotal.WithLabelValues("print", outcome).Inc()
	return rsp
}

func (s *PrintService) handle(ctx context.Context, req *scp.PrintRequest) scp.PrintResponse {
	switch req.Command.CommandField {
	case dimse.NCreateRQ:
		switch req.Command.AffectedSOPClassUID {
		case dimse.BasicFilmSession:
			return s.createFilmSession(ctx, req)
		case dimse.BasicFilmBox:
			return s.createFilmBox(ctx, req)
		}
		s.log.Warn().Str("sop_class", req.Command.AffectedSOPClassUID).Msg("N-CREATE on unsupported class")
		return scp.PrintResponse{Status: dimse.StatusProcessingFailure}
	case dimse.NSetRQ:
		switch req.Command.RequestedSOPClassUID {
		case dimse.BasicGrayscaleImageBox, dimse.BasicColorImageBox:
			return s.setImageBox(ctx, req)
		}
		return scp.PrintResponse{Status: dimse.StatusNoSuchObjectInstance}
	case dimse.NActionRQ:
		return s.printAction(ctx, req)
	case dimse.NDeleteRQ:
		return s.deleteInstance(ctx, req)
	case dimse.NGetRQ:
		return s.getPrinter(req)
	}
	return scp.PrintResponse{Status: dimse.StatusProcessingFailure}
}

func (s *PrintService) createFilmSession(ctx context.Context, req *scp.PrintRequest) scp.PrintResponse {
	sessionUID := req.Command.AffectedSOPInstanceUID
	if sessionUID == "" {
		sessionUID = newUID()
	}

	job := &models.PrintJob{
		FilmSessionUID: sessionUID,
		CallingAETitle: req.Peer.CallingAETitle,
		Status:         models.PrintJobCreated,
	}
	if req.Attributes != nil {
		job.NumberOfCopies = req.Attributes.String(dimse.TagNumberOfCopies)
		job.PrintPriority = req.Attributes.String(dimse.TagPrintPriority)
		job.MediumType = req.Attributes.String(dimse.TagMediumType)
		job.FilmDestination = req.Attributes.String(dimse.TagFilmDestination)
	}
	if err := s.index.CreatePrintJob(ctx, job); err != nil {
		s.log.Error().Err(err).Msg("failed to create print job")
		return scp.PrintResponse{Status: dimse.StatusProcessingFailure}
	}

	s.mu.Lock()
	s.sessions[sessionUID] = &filmState{sessionUID: sessionUID}
	s.mu.Unlock()

	s.log.Info().Str("film_session_uid", sessionUID).Msg("film session created")
	return scp.PrintResponse{Status: dimse.StatusSuccess, SOPInstanceUID: sessionUID}
}

func (s *PrintService) createFilmBox(ctx context.Context, req *scp.PrintRequest) scp.PrintResponse {
	// The film box references its parent session in the request attributes.
	sessionUID := ""
	if req.Attributes != nil {
		if items := req.Attributes.Sequence(dimse.TagReferencedFilmBoxSeq); len(items) > 0 {
			sessionUID = items[0].String(dimse.TagReferencedSOPInstanceUID)
		}
	}

	s.mu.Lock()
	state := s.lookupLocked(sessionUID)
	if state == nil {
		// Tolerate printers that skip the reference; attach to the sole
		// open session when unambiguous.
		if len(s.sessions) == 1 {
			for _, st := range s.sessions {
				state = st
			}
		}
	}
	if state == nil {
		s.mu.Unlock()
		s.log.Warn().Str("session_uid", sessionUID).Msg("film box for unknown session")
		return scp.PrintResponse{Status: dimse.StatusNoSuchObjectInstance}
	}

	filmBoxUID := req.Command.AffectedSOPInstanceUID
	if filmBoxUID == "" {
		filmBoxUID = newUID()
	}
	imageBoxUID := newUID()
	state.filmBoxUID = filmBoxUID
	state.imageBoxes = append(state.imageBoxes, imageBoxUID)
	s.byBox[filmBoxUID] = state.sessionUID
	s.byBox[imageBoxUID] = state.sessionUID
	s.mu.Unlock()

	if job, err := s.index.GetPrintJobByFilmSession(ctx, state.sessionUID); err == nil && job != nil {
		job.FilmBoxUID = filmBoxUID
		if req.Attributes != nil {
			job.FilmSizeID = req.Attributes.String(dimse.TagFilmSizeID)
		}
		_ = s.index.UpdatePrintJob(ctx, job)
	}

	// Answer with the created image box references.
	ref := dimse.NewDataSet()
	ref.PutString(dimse.TagReferencedSOPClassUID, dimse.BasicGrayscaleImageBox)
	ref.PutString(dimse.TagReferencedSOPInstanceUID, imageBoxUID)
	attrs := dimse.NewDataSet()
	attrs.PutSequence(dimse.TagReferencedImageBoxSeq, []*dimse.DataSet{ref})

	s.log.Info().Str("film_box_uid", filmBoxUID).Str("film_session_uid", state.sessionUID).Msg("film box created")
	return scp.PrintResponse{Status: dimse.StatusSuccess, SOPInstanceUID: filmBoxUID, Attributes: attrs}
}

func (s *PrintService) setImageBox(ctx context.Context, req *scp.PrintRequest) scp.PrintResponse {
	boxUID := req.Command.RequestedSOPInstanceUID

	s.mu.Lock()
	sessionUID, ok := s.byBox[boxUID]
	var state *filmState
	if ok {
		state = s.sessions[sessionUID]
	} else if len(s.sessions) == 1 {
		for _, st := range s.sessions {
			state = st
			sessionUID = st.sessionUID
		}
	}
	if state == nil {
		s.mu.Unlock()
		return scp.PrintResponse{Status: dimse.StatusNoSuchObjectInstance}
	}
	state.pageCount++
	page := state.pageCount
	s.mu.Unlock()

	if req.Attributes == nil {
		return scp.PrintResponse{Status: dimse.StatusInvalidAttributeValue}
	}

	pagePath, err := s.savePage(req)
	if err != nil {
		s.log.Error().Err(err).Str("film_session_uid", sessionUID).Msg("failed to persist film page")
		_ = s.index.UpdatePrintJobStatus(ctx, sessionUID, models.PrintJobFailed, err.Error())
		return scp.PrintResponse{Status: dimse.StatusProcessingFailure}
	}

	if job, err := s.index.GetPrintJobByFilmSession(ctx, sessionUID); err == nil && job != nil {
		job.ImageCount = page
		job.FilePath = pagePath
		job.Status = models.PrintJobImageReceived
		_ = s.index.UpdatePrintJob(ctx, job)
	}

	s.log.Info().Str("film_session_uid", sessionUID).Int("page", page).Msg("film page received")
	return scp.PrintResponse{Status: dimse.StatusSuccess, SOPInstanceUID: boxUID}
}

// savePage writes the received page as a secondary-capture style part 10 file
// under <storage>/prints/<sop instance uid>.dcm and returns the path.
func (s *PrintService) savePage(req *scp.PrintRequest) (string, error) {
	items := req.Attributes.Sequence(dimse.TagBasicGrayscaleImageSeq)
	if len(items) == 0 {
		items = req.Attributes.Sequence(dimse.TagBasicColorImageSeq)
	}
	if len(items) == 0 {
		return "", fmt.Errorf("image box set carries no image sequence")
	}
	image := items[0]
	if len(image.Bytes(dimse.TagPixelData)) == 0 {
		return "", fmt.Errorf("image box set carries no pixel data")
	}

	sopInstanceUID := newUID()
	image.PutString(dimse.TagSOPClassUID, dimse.SecondaryCaptureImageStorage)
	image.PutString(dimse.TagSOPInstanceUID, sopInstanceUID)

	dir := filepath.Join(s.cfg.Path, "prints")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create prints dir: %w", err)
	}
	path := filepath.Join(dir, sopInstanceUID+".dcm")

	payload := dimse.EncodeDataSet(image, dimse.ExplicitVRLittleEndian)
	data := dimse.EncodePart10(dimse.FileMeta{
		SOPClassUID:    dimse.SecondaryCaptureImageStorage,
		SOPInstanceUID: sopInstanceUID,
		TransferSyntax: dimse.ExplicitVRLittleEndian,
	}, payload)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write film page: %w", err)
	}
	return path, nil
}

func (s *PrintService) printAction(ctx context.Context, req *scp.PrintRequest) scp.PrintResponse {
	target := req.Command.RequestedSOPInstanceUID

	s.mu.Lock()
	sessionUID, ok := s.byBox[target]
	if !ok {
		if _, direct := s.sessions[target]; direct {
			sessionUID = target
			ok = true
		}
	}
	var received bool
	if ok {
		if state := s.sessions[sessionUID]; state != nil {
			received = state.pageCount > 0
		}
	}
	s.mu.Unlock()

	if !ok {
		return scp.PrintResponse{Status: dimse.StatusNoSuchObjectInstance}
	}
	if !received {
		s.log.Warn().Str("film_session_uid", sessionUID).Msg("print requested before any film page arrived")
		_ = s.index.UpdatePrintJobStatus(ctx, sessionUID, models.PrintJobFailed, "no film pages received")
		return scp.PrintResponse{Status: dimse.StatusProcessingFailure}
	}

	if err := s.index.UpdatePrintJobStatus(ctx, sessionUID, models.PrintJobCompleted, ""); err != nil {
		s.log.Error().Err(err).Msg("failed to complete print job")
		return scp.PrintResponse{Status: dimse.StatusProcessingFailure}
	}
	s.log.Info().Str("film_session_uid", sessionUID).Msg("print job completed")
	return scp.PrintResponse{Status: dimse.StatusSuccess}
}

func (s *PrintService) deleteInstance(ctx context.Context, req *scp.PrintRequest) scp.PrintResponse {
	target := req.Command.RequestedSOPInstanceUID

	s.mu.Lock()
	if sessionUID, ok := s.byBox[target]; ok {
		delete(s.byBox, target)
		if state := s.sessions[sessionUID]; state != nil && state.filmBoxUID == target {
			state.filmBoxUID = ""
		}
	} else if state, ok := s.sessions[target]; ok {
		delete(s.sessions, target)
		for _, box := range state.imageBoxes {
			delete(s.byBox, box)
		}
		delete(s.byBox, state.filmBoxUID)
	}
	s.mu.Unlock()

	return scp.PrintResponse{Status: dimse.StatusSuccess}
}

func (s *PrintService) getPrinter(req *scp.PrintRequest) scp.PrintResponse {
	attrs := dimse.NewDataSet()
	attrs.PutString(dimse.TagPrinterStatus, "NORMAL")
	attrs.PutString(dimse.TagPrinterStatusInfo, "NORMAL")
	attrs.PutString(dimse.TagPrinterName, "DICOMSCP")
	return scp.PrintResponse{Status: dimse.StatusSuccess, SOPInstanceUID: req.Command.RequestedSOPInstanceUID, Attributes: attrs}
}

func (s *PrintService) lookupLocked(sessionUID string) *filmState {
	if sessionUID == "" {
		return nil
	}
	return s.sessions[sessionUID]
}

// newUID derives a UID in the 2.25 UUID arc.
func newUID() string {
	id := uuid.New()
	var n big.Int
	n.SetBytes(id[:])
	return "2.25." + n.String()
}
