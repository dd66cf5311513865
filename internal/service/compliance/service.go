// Package compliance implements footprint certificates, the GDPR deletion
// cascade with its 30-day grace period, and the post-deletion verification
// pass (orphan edges, zeroed attribution, vector proximity).
package compliance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/provenance"
	"github.com/ashita-ai/kioku/internal/storage"
)

// Store is the slice of the storage layer compliance needs beyond the
// provenance traversals.
type Store interface {
	provenance.Store
	GetMemoriesByIDs(ctx context.Context, ids []uuid.UUID, includeDeleted bool) ([]model.Memory, error)
	AdvanceMemoryStatus(ctx context.Context, id uuid.UUID, to model.MemoryStatus) error
	ZeroAttributionForMemories(ctx context.Context, memoryIDs []uuid.UUID) (int64, error)
	InsertCertificate(ctx context.Context, c model.ComplianceCertificate) (model.ComplianceCertificate, error)
	GetCertificate(ctx context.Context, id uuid.UUID) (model.ComplianceCertificate, error)
	SetCertificateVerified(ctx context.Context, id uuid.UUID, verified bool) error
	CountOrphanDerivationEdges(ctx context.Context) (int64, error)
	CountNonzeroCurrentEdges(ctx context.Context, memoryIDs []uuid.UUID) (int64, error)
	HardDeleteExpired(ctx context.Context, grace time.Duration) ([]uuid.UUID, error)
	ListCertificatesByUser(ctx context.Context, userID string) ([]model.ComplianceCertificate, error)
}

// Mirror is the vector-index side of the deletion cascade. Optional; when
// nil, the proximity check is skipped.
type Mirror interface {
	DeleteByIDs(ctx context.Context, ids []uuid.UUID) error
	ContainsAny(ctx context.Context, ids []uuid.UUID) (bool, error)
}

// Service runs compliance operations.
type Service struct {
	store  Store
	graph  *provenance.Graph
	mirror Mirror
	grace  time.Duration
	logger *slog.Logger
}

// New creates a compliance service. mirror may be nil.
func New(store Store, mirror Mirror, grace time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if grace <= 0 {
		grace = 30 * 24 * time.Hour
	}
	return &Service{
		store:  store,
		graph:  provenance.New(store),
		mirror: mirror,
		grace:  grace,
		logger: logger,
	}
}

// Footprint computes F(u) and its reproducible certificate hash.
func (s *Service) Footprint(ctx context.Context, userID string) (model.Footprint, string, error) {
	f, err := s.graph.Footprint(ctx, userID)
	if err != nil {
		return model.Footprint{}, "", err
	}
	return f, provenance.CertificateHash(f), nil
}

// Influence computes I(u).
func (s *Service) Influence(ctx context.Context, userID string) ([]uuid.UUID, error) {
	return s.graph.Influence(ctx, userID)
}

// Certificates lists a user's certificates, newest first.
func (s *Service) Certificates(ctx context.Context, userID string) ([]model.ComplianceCertificate, error) {
	return s.store.ListCertificatesByUser(ctx, userID)
}

// Audit issues an audit certificate: the footprint snapshot and hash, no
// grace period, verified by recomputation on the spot.
func (s *Service) Audit(ctx context.Context, userID string) (model.ComplianceCertificate, error) {
	f, hash, err := s.Footprint(ctx, userID)
	if err != nil {
		return model.ComplianceCertificate{}, err
	}
	cert := model.ComplianceCertificate{
		ID:          model.NewID(),
		UserID:      userID,
		RequestType: model.RequestAudit,
		Footprint:   f,
		Hash:        hash,
		Verified:    hash == provenance.CertificateHash(f),
		CreatedAt:   time.Now().UTC(),
	}
	return s.store.InsertCertificate(ctx, cert)
}

// Export issues a data-export certificate over the current footprint.
func (s *Service) Export(ctx context.Context, userID string) (model.ComplianceCertificate, error) {
	f, hash, err := s.Footprint(ctx, userID)
	if err != nil {
		return model.ComplianceCertificate{}, err
	}
	cert := model.ComplianceCertificate{
		ID:          model.NewID(),
		UserID:      userID,
		RequestType: model.RequestDataExport,
		Footprint:   f,
		Hash:        hash,
		Verified:    true,
		CreatedAt:   time.Now().UTC(),
	}
	return s.store.InsertCertificate(ctx, cert)
}

// RequestDeletion runs the GDPR deletion cascade for a user: snapshot the
// footprint, move its memories to pending_deletion (30-day grace before the
// hard-delete sweep), zero their current attribution edges, purge the vector
// mirror, then run the verification pass and record the outcome on the
// certificate. Protected memories are excluded from the cascade and listed in
// the log.
func (s *Service) RequestDeletion(ctx context.Context, userID string) (model.ComplianceCertificate, error) {
	f, hash, err := s.Footprint(ctx, userID)
	if err != nil {
		return model.ComplianceCertificate{}, err
	}

	deletable, err := s.deletableMemories(ctx, f.MemoryIDs)
	if err != nil {
		return model.ComplianceCertificate{}, err
	}

	for _, id := range deletable {
		if err := s.store.AdvanceMemoryStatus(ctx, id, model.MemoryStatusPendingDeletion); err != nil {
			if errors.Is(err, storage.ErrInvalidStatusTransition) {
				continue // Already past pending_deletion.
			}
			return model.ComplianceCertificate{}, fmt.Errorf("compliance: advance %s: %w", id, err)
		}
	}

	if _, err := s.store.ZeroAttributionForMemories(ctx, deletable); err != nil {
		return model.ComplianceCertificate{}, fmt.Errorf("compliance: zero attribution: %w", err)
	}

	if s.mirror != nil {
		if err := s.mirror.DeleteByIDs(ctx, deletable); err != nil {
			return model.ComplianceCertificate{}, fmt.Errorf("compliance: purge mirror: %w", err)
		}
	}

	graceEnd := time.Now().UTC().Add(s.grace)
	cert := model.ComplianceCertificate{
		ID:             model.NewID(),
		UserID:         userID,
		RequestType:    model.RequestGDPRDeletion,
		Footprint:      f,
		Hash:           hash,
		GracePeriodEnd: &graceEnd,
		CreatedAt:      time.Now().UTC(),
	}
	cert, err = s.store.InsertCertificate(ctx, cert)
	if err != nil {
		return model.ComplianceCertificate{}, err
	}

	verified, err := s.verify(ctx, f, deletable)
	if err != nil {
		return model.ComplianceCertificate{}, err
	}
	if !verified {
		s.logger.Warn("compliance: deletion verification failed, certificate left unverified",
			"certificate_id", cert.ID, "user_id", userID)
	}
	if err := s.store.SetCertificateVerified(ctx, cert.ID, verified); err != nil {
		return model.ComplianceCertificate{}, err
	}
	cert.Verified = verified
	return cert, nil
}

// deletableMemories filters protected memories out of the cascade.
func (s *Service) deletableMemories(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	memories, err := s.store.GetMemoriesByIDs(ctx, ids, true)
	if err != nil {
		return nil, fmt.Errorf("compliance: load footprint memories: %w", err)
	}
	out := make([]uuid.UUID, 0, len(memories))
	for _, m := range memories {
		if m.Criticality == model.CriticalityProtected {
			s.logger.Info("compliance: protected memory excluded from deletion", "memory_id", m.ID)
			continue
		}
		out = append(out, m.ID)
	}
	return out, nil
}

// verify runs the deletion consistency checks: no orphan derivation edges,
// no non-zero current attribution from the deleted memories, footprint still
// closed, and the vector mirror no longer contains the deleted points.
func (s *Service) verify(ctx context.Context, f model.Footprint, deleted []uuid.UUID) (bool, error) {
	orphans, err := s.store.CountOrphanDerivationEdges(ctx)
	if err != nil {
		return false, fmt.Errorf("compliance: orphan check: %w", err)
	}
	if orphans > 0 {
		s.logger.Warn("compliance: verification found orphan derivation edges", "count", orphans)
		return false, nil
	}

	nonzero, err := s.store.CountNonzeroCurrentEdges(ctx, deleted)
	if err != nil {
		return false, fmt.Errorf("compliance: attribution-zero check: %w", err)
	}
	if nonzero > 0 {
		s.logger.Warn("compliance: verification found live attribution edges", "count", nonzero)
		return false, nil
	}

	violations, err := s.graph.ClosureViolations(ctx, f)
	if err != nil {
		return false, fmt.Errorf("compliance: closure check: %w", err)
	}
	if len(violations) > 0 {
		s.logger.Warn("compliance: verification found closure violations", "count", len(violations))
		return false, nil
	}

	if s.mirror != nil {
		present, err := s.mirror.ContainsAny(ctx, deleted)
		if err != nil {
			return false, fmt.Errorf("compliance: vector-proximity check: %w", err)
		}
		if present {
			s.logger.Warn("compliance: verification found deleted memories still in mirror")
			return false, nil
		}
	}
	return true, nil
}

// HardDeleteSweep promotes memories whose grace period has elapsed from
// pending_deletion to deleted and purges them from the mirror.
func (s *Service) HardDeleteSweep(ctx context.Context) (int, error) {
	ids, err := s.store.HardDeleteExpired(ctx, s.grace)
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 && s.mirror != nil {
		if err := s.mirror.DeleteByIDs(ctx, ids); err != nil {
			return len(ids), fmt.Errorf("compliance: purge mirror after sweep: %w", err)
		}
	}
	return len(ids), nil
}

// SweepLoop runs HardDeleteSweep on the given interval until the context ends.
func (s *Service) SweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.HardDeleteSweep(ctx)
			if err != nil {
				s.logger.Warn("compliance: hard-delete sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("compliance: hard-deleted expired memories", "count", n)
			}
		}
	}
}
