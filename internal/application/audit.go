package application

import (
	"context"
	"time"
)

const (
	StageSubmit  = "submit"
	StageConfirm = "confirm"
	StageWatch   = "watchdog"
)

// AuditEvent is one append-only entry for the reconciliation trail.
type AuditEvent struct {
	RefID    string    `json:"ref_id"`
	Stage    string    `json:"stage"`
	Outcome  string    `json:"outcome"`
	TxHash   string    `json:"tx_hash,omitempty"`
	Nonce    uint64    `json:"nonce,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	Occurred time.Time `json:"occurred"`
}

// AuditSink records events best-effort; implementations swallow their own
// errors so the trail never blocks the pipeline.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent)
}

// AuditReader serves the per-transaction trail back out, oldest first.
type AuditReader interface {
	Trail(ctx context.Context, refID string, limit int) ([]AuditEvent, error)
}

// NoopAudit satisfies AuditSink when no audit store is configured.
type NoopAudit struct{}

func (NoopAudit) Record(context.Context, AuditEvent) {}
