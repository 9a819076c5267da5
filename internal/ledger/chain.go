package ledger

import (
	"fmt"
	"time"

	"github.com/davidahmann/docflow/internal/crypto"
	"github.com/davidahmann/docflow/pkg/types"
)

// ChainHistory links rec to prevDigest and computes its digest. CreatedAt is
// truncated to microseconds so the digest survives a postgres round trip.
func ChainHistory(prevDigest string, rec types.ApprovalHistory) (types.ApprovalHistory, error) {
	rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Microsecond)
	rec.PrevDigest = prevDigest
	digest, err := HistoryDigest(rec)
	if err != nil {
		return types.ApprovalHistory{}, err
	}
	rec.Digest = digest
	return rec, nil
}

// HistoryDigest hashes every field of rec except Digest.
func HistoryDigest(rec types.ApprovalHistory) (string, error) {
	body := map[string]any{
		"id":              rec.ID,
		"document_id":     rec.DocumentID,
		"line_id":         rec.LineID,
		"step_id":         rec.StepID,
		"action":          string(rec.Action),
		"actor_id":        rec.ActorID,
		"delegated_to_id": rec.DelegatedToID,
		"comment":         rec.Comment,
		"ip_address":      rec.IPAddress,
		"user_agent":      rec.UserAgent,
		"created_at":      rec.CreatedAt,
		"prev_digest":     rec.PrevDigest,
	}
	return crypto.DigestValue(body)
}

// VerifyHistoryChain checks that records (oldest first, one document) form an
// unbroken chain and that no record was altered after it was written.
func VerifyHistoryChain(records []types.ApprovalHistory) error {
	prev := ""
	for i, rec := range records {
		if rec.PrevDigest != prev {
			return fmt.Errorf("history %s (#%d): prev digest mismatch", rec.ID, i)
		}
		digest, err := HistoryDigest(rec)
		if err != nil {
			return fmt.Errorf("history %s (#%d): %w", rec.ID, i, err)
		}
		if digest != rec.Digest {
			return fmt.Errorf("history %s (#%d): digest mismatch", rec.ID, i)
		}
		prev = rec.Digest
	}
	return nil
}
