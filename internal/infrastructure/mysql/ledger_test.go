package mysql

import (
	"io"
	"testing"

	"poolrelay/internal/application"
)

// The relayer closes the ledger through io.Closer, so the mysql backend must
// carry Close alongside the full ledger surface.
var (
	_ application.Ledger = (*Ledger)(nil)
	_ io.Closer          = (*Ledger)(nil)
)

func TestNewLedgerRequiresDSN(t *testing.T) {
	if _, err := NewLedger(""); err == nil {
		t.Error("empty dsn must be rejected")
	}
}
