package recording

import (
	"context"
	"time"

	"compliance-recorder/internal/audit"
)

// RetentionReport summarizes one retention pass.
type RetentionReport struct {
	Scanned          int `json:"scanned"`
	Expired          int `json:"expired"`
	Deleted          int `json:"deleted"`
	SkippedLegalHold int `json:"skippedLegalHold"`
	// Retained counts expired recordings whose policy does not auto-delete.
	Retained int `json:"retained"`
	Failed   int `json:"failed"`
}

// ApplyRetention deletes every expired, auto-deleting recording that is not
// under legal hold. Metadata is soft-deleted and kept.
func (o *Orchestrator) ApplyRetention(ctx context.Context, now time.Time) RetentionReport {
	var rep RetentionReport
	recs, err := o.store.List(ctx)
	if err != nil {
		o.log.Error("retention: list recordings", "err", err)
		rep.Failed++
		return rep
	}
	for _, m := range recs {
		if ctx.Err() != nil {
			break
		}
		rep.Scanned++
		if m.Status == StatusDeleted || !m.Expired(now) {
			continue
		}
		rep.Expired++
		switch {
		case m.Retention.LegalHold:
			rep.SkippedLegalHold++
			continue
		case !m.Retention.AutoDelete:
			rep.Retained++
			continue
		}

		res := o.DeleteRecording(ctx, m.ID, "retention period expired")
		switch {
		case res.Success:
			rep.Deleted++
			o.logEvent(ctx, audit.EventRetentionApplied, m, "retention period expired", map[string]string{
				"expiration_date": m.Retention.ExpirationDate.Format(time.RFC3339),
				"policy_version":  m.Retention.PolicyVersion,
			})
		case res.Code == CodeLegalHold:
			rep.SkippedLegalHold++
		default:
			rep.Failed++
			o.log.Warn("retention delete failed", "recording_id", m.ID, "code", res.Code, "err", res.Err)
		}
	}
	o.log.Info("retention applied",
		"scanned", rep.Scanned, "expired", rep.Expired, "deleted", rep.Deleted,
		"legal_hold", rep.SkippedLegalHold, "retained", rep.Retained, "failed", rep.Failed)
	return rep
}
