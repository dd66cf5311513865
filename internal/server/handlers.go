package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/service/memories"
	"github.com/ashita-ai/kioku/internal/service/txn"
	"github.com/ashita-ai/kioku/internal/storage"
)

type createMemoryRequest struct {
	Content     string `json:"content"`
	Owner       string `json:"owner"`
	Tier        string `json:"tier,omitempty"`
	Criticality string `json:"criticality,omitempty"`
	MemoryType  string `json:"memory_type,omitempty"`
}

func (s *Server) handleCreateMemory(w http.ResponseWriter, r *http.Request) {
	var req createMemoryRequest
	if !s.decode(w, r, &req) {
		return
	}
	m, err := s.memories.Create(r.Context(), memories.CreateRequest{
		Content:     req.Content,
		OwnerID:     req.Owner,
		Tier:        model.Tier(req.Tier),
		Criticality: model.Criticality(req.Criticality),
		Type:        model.MemoryType(req.MemoryType),
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeServiceError(w, err)
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"memory_id": m.ID})
}

type patchMemoryRequest struct {
	Tier        *string `json:"tier,omitempty"`
	Criticality *string `json:"criticality,omitempty"`
}

func (s *Server) handlePatchMemory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req patchMemoryRequest
	if !s.decode(w, r, &req) {
		return
	}
	var tier *model.Tier
	if req.Tier != nil {
		t := model.Tier(*req.Tier)
		tier = &t
	}
	var crit *model.Criticality
	if req.Criticality != nil {
		c := model.Criticality(*req.Criticality)
		crit = &c
	}
	if err := s.memories.Patch(r.Context(), id, tier, crit); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSoftDeleteMemory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := s.memories.SoftDelete(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type singleShotRequest struct {
	QueryText    string      `json:"query_text"`
	ResponseText string      `json:"response_text"`
	MemoryIDs    []uuid.UUID `json:"memory_ids"`
	AgentID      string      `json:"agent_id"`
	Method       string      `json:"method,omitempty"`
	ModelID      string      `json:"model_id,omitempty"`
}

func (s *Server) handleSingleShot(w http.ResponseWriter, r *http.Request) {
	var req singleShotRequest
	if !s.decode(w, r, &req) {
		return
	}
	in, scores, err := s.txn.SingleShot(r.Context(), txn.SingleShotRequest{
		QueryText:    req.QueryText,
		ResponseText: req.ResponseText,
		MemoryIDs:    req.MemoryIDs,
		AgentID:      req.AgentID,
		Method:       model.ScoreType(req.Method),
		ModelID:      req.ModelID,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"interaction_id": in.ID,
		"method":         in.Method,
		"scores":         scores,
	})
}

type initiateRequest struct {
	QueryText string      `json:"query_text"`
	MemoryIDs []uuid.UUID `json:"memory_ids"`
	AgentID   string      `json:"agent_id"`
	Method    string      `json:"method,omitempty"`
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if !s.decode(w, r, &req) {
		return
	}
	in, err := s.txn.Initiate(r.Context(), req.QueryText, req.MemoryIDs, req.AgentID, model.ScoreType(req.Method))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"transaction_id": in.ID,
		"status":         in.Status,
	})
}

type completeRequest struct {
	ResponseText string `json:"response_text"`
	ModelID      string `json:"model_id,omitempty"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req completeRequest
	if !s.decode(w, r, &req) {
		return
	}
	scores, err := s.txn.Complete(r.Context(), id, req.ResponseText, req.ModelID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"scores": scores})
}

func (s *Server) handleAttributeStatements(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathUUID(w, r, "id")
	if !ok {
		return
	}
	edges, err := s.txn.AttributeStatements(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"statement_edges": edges})
}

func (s *Server) handleScoresByTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathUUID(w, r, "id")
	if !ok {
		return
	}
	scores, err := s.reader.GetScoresByInteraction(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"scores": scores})
}

func (s *Server) handleScoresByMemory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathUUID(w, r, "id")
	if !ok {
		return
	}
	scores, err := s.reader.GetScoresByMemory(r.Context(), id, 100)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	resp := map[string]any{"scores": scores}
	profile, err := s.reader.GetProfile(r.Context(), id)
	switch {
	case err == nil:
		resp["profile"] = map[string]any{
			"memory_id": profile.MemoryID,
			"count":     profile.Count,
			"mean":      profile.Mean,
			"variance":  profile.Variance(),
		}
	case errors.Is(err, storage.ErrNotFound):
		// No attribution yet; scores alone.
	default:
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFootprint(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	f, hash, err := s.compliance.Footprint(r.Context(), user)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"user_id":          user,
		"interactions":     len(f.InteractionIDs),
		"memories":         len(f.MemoryIDs),
		"summaries":        len(f.SummaryIDs),
		"embeddings":       len(f.EmbeddingIDs),
		"certificate_hash": hash,
	})
}

func (s *Server) handleComplianceDelete(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	cert, err := s.compliance.RequestDeletion(r.Context(), user)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"certificate_id":   cert.ID,
		"certificate_hash": cert.Hash,
		"grace_period_end": cert.GracePeriodEnd,
		"verified":         cert.Verified,
	})
}

func (s *Server) handleCertificates(w http.ResponseWriter, r *http.Request) {
	certs, err := s.compliance.Certificates(r.Context(), r.PathValue("user"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"certificates": certs})
}

type contradictionRequest struct {
	MemoryAID   uuid.UUID `json:"memory_a_id"`
	MemoryBID   uuid.UUID `json:"memory_b_id"`
	Probability float64   `json:"probability"`
}

// handleUpsertContradiction ingests a pairwise contradiction probability from
// an external detector. The portfolio engine folds it into contradiction
// risk.
func (s *Server) handleUpsertContradiction(w http.ResponseWriter, r *http.Request) {
	var req contradictionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Probability < 0 || req.Probability > 1 {
		s.writeError(w, http.StatusBadRequest, "probability must be in [0, 1]")
		return
	}
	if req.MemoryAID == req.MemoryBID {
		s.writeError(w, http.StatusBadRequest, "a memory cannot contradict itself")
		return
	}
	if err := s.reader.UpsertContradiction(r.Context(), model.Contradiction{
		MemoryAID:   req.MemoryAID,
		MemoryBID:   req.MemoryBID,
		Probability: req.Probability,
	}); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAgentInteractions(w http.ResponseWriter, r *http.Request) {
	ins, err := s.reader.ListInteractionsByAgent(r.Context(), r.PathValue("id"), 100)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"interactions": ins})
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	o, err := s.portfolio.Overview(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, o)
}
