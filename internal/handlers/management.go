package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/masroore/dicomscp/internal/models"
	"github.com/masroore/dicomscp/internal/repository"
	"github.com/masroore/dicomscp/internal/scu"
	"github.com/rs/zerolog/log"
)

type ManagementHandler struct {
	nodes   *repository.NodeRepository
	archive *repository.ArchiveRepository
	audit   *repository.AuditRepository
	client  *scu.Client
}

func NewManagementHandler(nodes *repository.NodeRepository, archive *repository.ArchiveRepository, audit *repository.AuditRepository, client *scu.Client) *ManagementHandler {
	return &ManagementHandler{
		nodes:   nodes,
		archive: archive,
		audit:   audit,
		client:  client,
	}
}

// CreateNode registers a new remote node
func (h *ManagementHandler) CreateNode(w http.ResponseWriter, r *http.Request) {
	var node models.RemoteNode
	if err := json.NewDecoder(r.Body).Decode(&node); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if node.Name == "" || node.AETitle == "" || node.Host == "" || node.Port <= 0 {
		http.Error(w, "name, ae_title, host and port are required", http.StatusBadRequest)
		return
	}
	node.IsActive = true

	if err := h.nodes.Create(r.Context(), &node); err != nil {
		log.Error().Err(err).Msg("Failed to create remote node")
		http.Error(w, "Failed to create remote node", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(node)
}

// ListNodes retrieves all registered remote nodes
func (h *ManagementHandler) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.nodes.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list remote nodes")
		http.Error(w, "Failed to list remote nodes", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(nodes)
}

type echoResponse struct {
	Node        string `json:"node"`
	IsConnected bool   `json:"is_connected"`
	Error       string `json:"error,omitempty"`
}

// EchoNode runs a C-ECHO connection test against a registered node
func (h *ManagementHandler) EchoNode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")

	node, err := h.nodes.GetByName(ctx, name)
	if err != nil {
		log.Error().Err(err).Str("node", name).Msg("Failed to look up node")
		http.Error(w, "Failed to look up node", http.StatusInternalServerError)
		return
	}
	if node == nil {
		http.Error(w, "Unknown node", http.StatusNotFound)
		return
	}

	response := echoResponse{Node: name, IsConnected: true}
	echoErr := h.client.Echo(ctx, scu.Target{AETitle: node.AETitle, Host: node.Host, Port: node.Port})
	if echoErr != nil {
		log.Warn().Err(echoErr).Str("node", name).Msg("Connection test failed")
		response.IsConnected = false
		response.Error = echoErr.Error()
	}
	if err := h.nodes.UpdateEchoStatus(ctx, name, echoErr == nil, response.Error); err != nil {
		log.Error().Err(err).Str("node", name).Msg("Failed to record echo status")
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// SearchStudies queries the local archive index
func (h *ManagementHandler) SearchStudies(w http.ResponseWriter, r *http.Request) {
	q := models.StudyQuery{
		PatientID:       r.URL.Query().Get("patient_id"),
		PatientName:     r.URL.Query().Get("patient_name"),
		AccessionNumber: r.URL.Query().Get("accession_number"),
		Modality:        r.URL.Query().Get("modality"),
		StudyDateFrom:   r.URL.Query().Get("study_date_from"),
		StudyDateTo:     r.URL.Query().Get("study_date_to"),
	}

	studies, err := h.archive.GetStudies(r.Context(), q)
	if err != nil {
		log.Error().Err(err).Msg("Failed to search studies")
		http.Error(w, "Failed to search studies", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(studies)
}

// GetStudySeries retrieves the series of one study
func (h *ManagementHandler) GetStudySeries(w http.ResponseWriter, r *http.Request) {
	studyUID := chi.URLParam(r, "studyUID")
	series, err := h.archive.GetSeriesByStudyUID(r.Context(), studyUID)
	if err != nil {
		log.Error().Err(err).Str("study_uid", studyUID).Msg("Failed to get series")
		http.Error(w, "Failed to get series", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(series)
}

type forwardRequest struct {
	Node  string   `json:"node"`
	Files []string `json:"files"`
}

// ForwardFiles sends stored DICOM files to a registered node over C-STORE
func (h *ManagementHandler) ForwardFiles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req forwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Node == "" || len(req.Files) == 0 {
		http.Error(w, "node and files are required", http.StatusBadRequest)
		return
	}

	node, err := h.nodes.GetByName(ctx, req.Node)
	if err != nil || node == nil {
		http.Error(w, "Unknown node", http.StatusNotFound)
		return
	}

	result, err := h.client.StoreFiles(ctx, scu.Target{AETitle: node.AETitle, Host: node.Host, Port: node.Port}, req.Files)
	if err != nil {
		log.Error().Err(err).Str("node", req.Node).Msg("Store batch failed")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(result)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// GetAuditLog retrieves recent DIMSE audit entries
func (h *ManagementHandler) GetAuditLog(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	entries, err := h.audit.GetRecent(r.Context(), limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get audit log")
		http.Error(w, "Failed to get audit log", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}
