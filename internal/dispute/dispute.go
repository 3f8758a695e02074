// Package dispute implements dispute lifecycle and signed resolutions.
//
// A dispute freezes a funded escrow until the arbitration operator submits
// an Ed25519-signed resolution. The service never holds the signing key;
// it only verifies against the configured public key.
package dispute

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/xusdt/escrow-core/internal/audit"
	"github.com/xusdt/escrow-core/internal/escrow"
	"github.com/xusdt/escrow-core/internal/idgen"
	"github.com/xusdt/escrow-core/internal/metrics"
	"github.com/xusdt/escrow-core/internal/traces"
)

var (
	ErrDisputeNotFound   = errors.New("dispute not found")
	ErrDisputeExists     = errors.New("escrow already has an open dispute")
	ErrAlreadyResolved   = errors.New("dispute already resolved")
	ErrInvalidSignature  = errors.New("resolution signature invalid")
	ErrInvalidResolution = errors.New("invalid resolution")
	ErrMalformedEvidence = errors.New("malformed evidence hash")
	ErrUnauthorized      = errors.New("unauthorized")
)

// Resolution values. The non-pending values match the escrow outcome names
// so a resolution can be handed to escrow.Resolve unchanged.
const (
	ResolutionPending       = "pending"
	ResolutionBuyerFavored  = escrow.OutcomeBuyerFavored
	ResolutionSellerFavored = escrow.OutcomeSellerFavored
	ResolutionSplit         = escrow.OutcomeSplit
)

// payloadDomain separates resolution signatures from any other signing the
// operator key might do. Versioned so the payload layout can evolve.
const payloadDomain = "xusdt.dispute.v1"

const maxEvidenceHashes = 16

// Content hashes only. Raw evidence never reaches this service.
var evidenceHashRegex = regexp.MustCompile(`^[a-f0-9]{64}$`)

// TradeDispute is the arbitration record for one escrow. At most one per
// escrow; the resolution transitions away from pending exactly once.
type TradeDispute struct {
	ID             string     `json:"id"`
	EscrowID       string     `json:"escrowId"`
	InitiatorToken string     `json:"initiatorToken"`
	EvidenceHashes []string   `json:"evidenceHashes,omitempty"`
	Resolution     string     `json:"resolution"`
	SplitBps       int        `json:"splitBps,omitempty"` // Seller share in basis points
	AdminSig       string     `json:"adminSig,omitempty"`
	Nonce          string     `json:"nonce,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}

// Store persists dispute records.
type Store interface {
	Create(ctx context.Context, d *TradeDispute) error
	Get(ctx context.Context, id string) (*TradeDispute, error)
	GetByEscrow(ctx context.Context, escrowID string) (*TradeDispute, error)
	Update(ctx context.Context, d *TradeDispute) error
	ListByUser(ctx context.Context, userToken string, limit int) ([]*TradeDispute, error)
}

// Verifier checks resolution signatures against the operator public key.
type Verifier struct {
	pub ed25519.PublicKey
}

// NewVerifier parses a hex-encoded Ed25519 public key (0x prefix optional).
func NewVerifier(hexKey string) (*Verifier, error) {
	if len(hexKey) > 2 && hexKey[:2] == "0x" {
		hexKey = hexKey[2:]
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid verify key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid verify key: got %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return &Verifier{pub: ed25519.PublicKey(raw)}, nil
}

// Verify checks a hex signature over the canonical resolution payload.
func (v *Verifier) Verify(disputeID, escrowID, resolution string, splitBps int, nonce, sigHex string) bool {
	if len(sigHex) > 2 && sigHex[:2] == "0x" {
		sigHex = sigHex[2:]
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(v.pub, ResolutionPayload(disputeID, escrowID, resolution, splitBps, nonce), sig)
}

// ResolutionPayload builds the canonical byte string the operator signs.
// Each field is prefixed with its big-endian uint32 length so no field
// boundary is ambiguous.
func ResolutionPayload(disputeID, escrowID, resolution string, splitBps int, nonce string) []byte {
	fields := []string{
		payloadDomain,
		disputeID,
		escrowID,
		resolution,
		strconv.Itoa(splitBps),
		nonce,
	}
	var out []byte
	for _, f := range fields {
		out = binary.BigEndian.AppendUint32(out, uint32(len(f)))
		out = append(out, f...)
	}
	return out
}

// Service implements dispute business logic on top of the escrow service.
type Service struct {
	store    Store
	escrows  *escrow.Service
	verifier *Verifier
	audit    *audit.Recorder
	logger   *slog.Logger
}

// NewService creates a new dispute service.
func NewService(store Store, escrows *escrow.Service, verifier *Verifier, recorder *audit.Recorder, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		escrows:  escrows,
		verifier: verifier,
		audit:    recorder,
		logger:   logger,
	}
}

// Open freezes a funded escrow and creates the pending dispute record.
// Evidence is referenced by content hash only.
func (s *Service) Open(ctx context.Context, escrowID, requesterToken string, evidenceHashes []string) (*TradeDispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Open", traces.EscrowID(escrowID))
	defer span.End()

	if len(evidenceHashes) > maxEvidenceHashes {
		return nil, fmt.Errorf("%w: at most %d hashes", ErrMalformedEvidence, maxEvidenceHashes)
	}
	for _, h := range evidenceHashes {
		if !evidenceHashRegex.MatchString(h) {
			s.audit.Record(ctx, audit.KindMalformedEvidence, requesterToken, escrowID, "evidence hash is not 64 lowercase hex chars")
			return nil, fmt.Errorf("%w: %q", ErrMalformedEvidence, h)
		}
	}

	if existing, err := s.store.GetByEscrow(ctx, escrowID); err == nil && existing != nil {
		return nil, ErrDisputeExists
	} else if err != nil && !errors.Is(err, ErrDisputeNotFound) {
		return nil, err
	}

	// The escrow service enforces party membership and the funded state.
	if _, err := s.escrows.Dispute(ctx, escrowID, requesterToken); err != nil {
		if errors.Is(err, escrow.ErrUnauthorized) {
			s.audit.Record(ctx, audit.KindUnauthorizedCall, requesterToken, escrowID, "dispute open by non-party")
		}
		return nil, err
	}

	d := &TradeDispute{
		ID:             idgen.WithPrefix("dsp_"),
		EscrowID:       escrowID,
		InitiatorToken: requesterToken,
		EvidenceHashes: evidenceHashes,
		Resolution:     ResolutionPending,
		CreatedAt:      time.Now(),
	}
	if err := s.store.Create(ctx, d); err != nil {
		// The escrow is already frozen; the record must exist for the
		// operator to act on. Surface loudly.
		s.logger.Error("CRITICAL: escrow disputed but dispute record not persisted",
			"escrow", escrowID, "error", err)
		return nil, fmt.Errorf("failed to create dispute record: %w", err)
	}

	s.logger.Info("dispute opened", "dispute", d.ID, "escrow", escrowID)
	return d, nil
}

// SubmitResolution applies a signed operator decision. The signature is
// verified before any state changes; a dispute resolves exactly once.
func (s *Service) SubmitResolution(ctx context.Context, disputeID, resolution string, splitBps int, nonce, sigHex string) (*TradeDispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.SubmitResolution", traces.DisputeID(disputeID))
	defer span.End()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	switch resolution {
	case ResolutionBuyerFavored, ResolutionSellerFavored:
	case ResolutionSplit:
		if splitBps < 0 || splitBps > 10000 {
			return nil, fmt.Errorf("%w: splitBps must be 0..10000", ErrInvalidResolution)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidResolution, resolution)
	}

	if d.Resolution != ResolutionPending {
		s.audit.Record(ctx, audit.KindResolutionReplay, "", d.EscrowID,
			fmt.Sprintf("resolution replay for dispute %s", d.ID))
		return nil, ErrAlreadyResolved
	}

	if !s.verifier.Verify(d.ID, d.EscrowID, resolution, splitBps, nonce, sigHex) {
		s.audit.Record(ctx, audit.KindInvalidSignature, "", d.EscrowID,
			fmt.Sprintf("bad resolution signature for dispute %s", d.ID))
		return nil, ErrInvalidSignature
	}

	if _, err := s.escrows.Resolve(ctx, d.EscrowID, resolution, splitBps); err != nil {
		return nil, err
	}

	now := time.Now()
	d.Resolution = resolution
	if resolution == ResolutionSplit {
		d.SplitBps = splitBps
	}
	d.AdminSig = sigHex
	d.Nonce = nonce
	d.ResolvedAt = &now
	if err := s.store.Update(ctx, d); err != nil {
		// Funds already moved. The escrow record is terminal and correct;
		// only the dispute record is stale.
		s.logger.Error("CRITICAL: escrow resolved but dispute record not updated",
			"dispute", d.ID, "escrow", d.EscrowID, "error", err)
		return nil, fmt.Errorf("failed to update dispute record: %w", err)
	}

	metrics.DisputesResolvedTotal.WithLabelValues(resolution).Inc()
	s.logger.Info("dispute resolved",
		"dispute", d.ID, "escrow", d.EscrowID, "resolution", resolution, "splitBps", splitBps)
	return d, nil
}

// GetForUser returns a dispute if the caller initiated it or is a party
// to the underlying escrow.
func (s *Service) GetForUser(ctx context.Context, id, userToken string) (*TradeDispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.InitiatorToken == userToken {
		return d, nil
	}
	e, err := s.escrows.Get(ctx, d.EscrowID)
	if err != nil {
		return nil, err
	}
	if !e.IsParty(userToken) {
		return nil, ErrUnauthorized
	}
	return d, nil
}

// ListByUser returns the caller's disputes, newest first.
func (s *Service) ListByUser(ctx context.Context, userToken string, limit int) ([]*TradeDispute, error) {
	return s.store.ListByUser(ctx, userToken, limit)
}
