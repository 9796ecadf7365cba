package server

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veriup/veriup/internal/domain/trust"
	"github.com/veriup/veriup/internal/logger"
	"github.com/veriup/veriup/internal/repository"
	"github.com/veriup/veriup/internal/rollout"
	"github.com/veriup/veriup/internal/translog"
)

// Service serves the read-only update API: the current generation of signed
// metadata and target bytes, plus health intake, rollout status and
// transparency log proofs.
type Service struct {
	// store reads target blobs.
	store *repository.Store
	// log is the transparency log.
	log *translog.Log
	// rollouts owns rollout records and health aggregation.
	rollouts *rollout.Manager
	// stages is the configured exposure ladder for new rollouts.
	stages []rollout.Stage
	// current is the atomically swapped served generation.
	current atomicGeneration
	// metrics are the Prometheus collectors.
	metrics *Metrics
}

// New assembles the service. Call Reload or WatchStore to start serving a
// generation.
func New(store *repository.Store, log *translog.Log, rollouts *rollout.Manager, stages []rollout.Stage, reg prometheus.Registerer) *Service {
	return &Service{
		store:    store,
		log:      log,
		rollouts: rollouts,
		stages:   stages,
		metrics:  NewMetrics(reg),
	}
}

// Handler builds the HTTP routes.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)

	r.Get("/metadata/{role}", s.metrics.instrument("metadata", s.handleMetadata))
	r.Get("/metadata/root/{version}", s.metrics.instrument("root_version", s.handleRootVersion))
	r.Get("/targets/{hash}", s.metrics.instrument("targets", s.handleTarget))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/health", s.metrics.instrument("health", s.handleHealth))
		r.Post("/events/rollback-attempt", s.metrics.instrument("rollback_attempt", s.handleRollbackAttempt))
		r.Get("/eligibility", s.metrics.instrument("eligibility", s.handleEligibility))
		r.Get("/rollouts/{update_id}", s.metrics.instrument("rollout", s.handleRollout))
		r.Get("/log/root", s.metrics.instrument("log_root", s.handleLogRoot))
		r.Get("/log/entries/{index}", s.metrics.instrument("log_entry", s.handleLogEntry))
		r.Get("/log/entries/{index}/proof", s.metrics.instrument("log_proof", s.handleLogProof))
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

// handleMetadata serves the current signed document for a role.
// Unknown roles and unpublished generations are explicit not-found errors.
func (s *Service) handleMetadata(w http.ResponseWriter, r *http.Request) {
	role := trust.Role(chi.URLParam(r, "role"))
	if !role.Valid() {
		http.Error(w, "unknown role", http.StatusNotFound)

		return
	}

	gen := s.currentGeneration()
	if gen == nil {
		http.Error(w, "nothing published", http.StatusNotFound)

		return
	}

	data, ok := gen.Documents[role]
	if !ok {
		http.Error(w, "role not published", http.StatusNotFound)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// handleRootVersion serves a historical root document by version, so devices
// pinned to an old root can walk the rotation chain one version at a time.
func (s *Service) handleRootVersion(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || version < 1 {
		http.Error(w, "invalid version", http.StatusBadRequest)

		return
	}

	doc, err := s.store.Document(trust.RoleRoot, version)
	if err != nil {
		http.Error(w, "version not found", http.StatusNotFound)

		return
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(doc); err != nil {
		logger.ErrorKV(r.Context(), "Failed to encode root document", "error", err)
	}
}

// handleTarget serves content-addressed target bytes, but only hashes
// reachable from the served generation: nothing past the generation
// boundary ever leaves the server.
func (s *Service) handleTarget(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")

	gen := s.currentGeneration()
	if gen == nil {
		http.Error(w, "nothing published", http.StatusNotFound)

		return
	}

	if _, ok := gen.TargetHashes[hash]; !ok {
		http.Error(w, "unknown target", http.StatusNotFound)

		return
	}

	data, err := s.store.Target(hash)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "unknown target", http.StatusNotFound)

			return
		}

		logger.ErrorKV(r.Context(), "Target read failed", "hash", hash, "error", err)
		http.Error(w, "target read failed", http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

// handleHealth ingests one device health sample.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	var sample rollout.Sample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		http.Error(w, "invalid health sample", http.StatusBadRequest)

		return
	}

	if sample.DeviceID == "" || sample.Check == "" {
		http.Error(w, "device_id and check_name are required", http.StatusBadRequest)

		return
	}

	s.rollouts.ReportHealth(sample)
	w.WriteHeader(http.StatusAccepted)
}

// rollbackAttemptReport is a device's report of a version regression it
// refused. Recorded in the transparency log as a security event.
type rollbackAttemptReport struct {
	// DeviceID identifies the reporting device.
	DeviceID string `json:"device_id"`
	// Role is the metadata role that regressed.
	Role trust.Role `json:"role"`
	// SeenVersion is the regressed version the device was offered.
	SeenVersion int `json:"seen_version"`
	// AcceptedVersion is the version the device had already accepted.
	AcceptedVersion int `json:"accepted_version"`
}

// handleRollbackAttempt records a reported rollback attempt.
func (s *Service) handleRollbackAttempt(w http.ResponseWriter, r *http.Request) {
	var report rollbackAttemptReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		http.Error(w, "invalid report", http.StatusBadRequest)

		return
	}

	entry, err := s.log.Append(r.Context(), translog.EntrySecurityEvent, report)
	if err != nil {
		logger.ErrorKV(r.Context(), "Failed to log rollback attempt", "error", err)
		http.Error(w, "log append failed", http.StatusInternalServerError)

		return
	}

	s.metrics.logSize.Set(float64(s.log.Size()))

	writeJSON(w, map[string]uint64{"log_index": entry.Index})
}

// eligibilityResponse answers a device's cohort query for a target.
type eligibilityResponse struct {
	// Eligible reports whether the device may install the target now.
	Eligible bool `json:"eligible"`
	// UpdateID is the gating rollout, empty when the target is ungated.
	UpdateID string `json:"update_id,omitempty"`
}

// handleEligibility answers whether a device is in the active cohort.
func (s *Service) handleEligibility(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	target := r.URL.Query().Get("target")

	if deviceID == "" || target == "" {
		http.Error(w, "device_id and target are required", http.StatusBadRequest)

		return
	}

	eligible, updateID := s.rollouts.EligibleFor(deviceID, target)

	writeJSON(w, eligibilityResponse{Eligible: eligible, UpdateID: updateID})
}

// handleRollout returns the rollout record for an update id.
func (s *Service) handleRollout(w http.ResponseWriter, r *http.Request) {
	record, err := s.rollouts.Get(chi.URLParam(r, "update_id"))
	if err != nil {
		http.Error(w, "rollout not found", http.StatusNotFound)

		return
	}

	writeJSON(w, record)
}

// logRootResponse carries a tree head.
type logRootResponse struct {
	// Size is the tree size the root was computed at.
	Size uint64 `json:"size"`
	// RootHash is the hex-encoded Merkle root.
	RootHash string `json:"root_hash"`
}

// handleLogRoot returns the Merkle root at the requested (or current) size.
func (s *Service) handleLogRoot(w http.ResponseWriter, r *http.Request) {
	size := s.log.Size()

	if raw := r.URL.Query().Get("size"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid size", http.StatusBadRequest)

			return
		}

		size = parsed
	}

	root, err := s.log.RootHash(size)
	if err != nil {
		http.Error(w, "size exceeds log", http.StatusNotFound)

		return
	}

	writeJSON(w, logRootResponse{Size: size, RootHash: hex.EncodeToString(root[:])})
}

// handleLogEntry returns one log entry by index.
func (s *Service) handleLogEntry(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 64)
	if err != nil {
		http.Error(w, "invalid index", http.StatusBadRequest)

		return
	}

	entry, err := s.log.Entry(index)
	if err != nil {
		http.Error(w, "entry not found", http.StatusNotFound)

		return
	}

	writeJSON(w, entry)
}

// logProofResponse carries an inclusion proof.
type logProofResponse struct {
	// Index is the proven leaf index.
	Index uint64 `json:"index"`
	// Size is the tree size the proof targets.
	Size uint64 `json:"size"`
	// Proof is the hex-encoded sibling path, leaf to root.
	Proof []string `json:"proof"`
}

// handleLogProof returns the inclusion proof for an entry at a tree size.
func (s *Service) handleLogProof(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 64)
	if err != nil {
		http.Error(w, "invalid index", http.StatusBadRequest)

		return
	}

	size := s.log.Size()

	if raw := r.URL.Query().Get("size"); raw != "" {
		size, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid size", http.StatusBadRequest)

			return
		}
	}

	proof, err := s.log.InclusionProof(index, size)
	if err != nil {
		http.Error(w, "proof unavailable", http.StatusNotFound)

		return
	}

	encoded := make([]string, 0, len(proof))
	for _, sibling := range proof {
		encoded = append(encoded, hex.EncodeToString(sibling[:]))
	}

	writeJSON(w, logProofResponse{Index: index, Size: size, Proof: encoded})
}

// writeJSON serializes a response body with the JSON content type.
func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
	}
}
