package domain

import "time"

// Kind identifies the logical operation a relay record represents.
type Kind string

const (
	KindTransfer Kind = "transfer"
	// Deposits are credited on chain by the pool contract itself; the
	// relayer only reads them back, it never submits one.
	KindDeposit  Kind = "deposit"
	KindWithdraw Kind = "withdraw"
)

// Status is the lifecycle state of a relay record. Confirmed, failed and
// expired are terminal; no transition leaves a terminal state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusExpired
}

// RelayTransaction is the canonical record of one user-intended movement of
// value through the pool. Amount is the smallest token unit, stored as a
// decimal string to survive DECIMAL(65,0) round trips.
type RelayTransaction struct {
	ID             int64
	RefID          string
	IdempotencyKey string
	Kind           Kind
	Sender         string
	Recipient      string
	Amount         string
	Status         Status
	TxHash         string
	ErrorDetail    string
	BlockNumber    uint64
	GasUsed        uint64
	CreatedAt      time.Time
	ConfirmedAt    *time.Time
}

// Summary is the shape returned by history queries.
type Summary struct {
	RefID       string    `json:"ref_id"`
	Kind        Kind      `json:"kind"`
	Sender      string    `json:"sender"`
	Recipient   string    `json:"recipient"`
	Amount      string    `json:"amount"`
	Status      Status    `json:"status"`
	TxHash      string    `json:"tx_hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ErrorDetail string    `json:"error_detail,omitempty"`
}

func (t RelayTransaction) Summary() Summary {
	return Summary{
		RefID:       t.RefID,
		Kind:        t.Kind,
		Sender:      t.Sender,
		Recipient:   t.Recipient,
		Amount:      t.Amount,
		Status:      t.Status,
		TxHash:      t.TxHash,
		CreatedAt:   t.CreatedAt,
		ErrorDetail: t.ErrorDetail,
	}
}
