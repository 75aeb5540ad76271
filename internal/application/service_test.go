package application

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"poolrelay/internal/domain"
	"poolrelay/internal/streaming"
)

type fakeQueue struct {
	mu   sync.Mutex
	jobs []streaming.Job
	err  error
}

func (q *fakeQueue) Enqueue(ctx context.Context, jobs ...streaming.Job) error {
	if q.err != nil {
		return q.err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, jobs...)
	return nil
}

func (q *fakeQueue) byType(jobType streaming.JobType) []streaming.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []streaming.Job
	for _, job := range q.jobs {
		if job.Type == jobType {
			out = append(out, job)
		}
	}
	return out
}

type stubReader struct {
	pool   *big.Int
	native *big.Int
	err    error
}

func (s *stubReader) NativeBalance(ctx context.Context, address string) (*big.Int, error) {
	return s.native, s.err
}

func (s *stubReader) PoolBalance(ctx context.Context, owner string) (*big.Int, error) {
	return s.pool, s.err
}

func newTestService(ledger Ledger, queue *fakeQueue) *Service {
	svc := NewService(ledger, queue, &stubReader{pool: big.NewInt(500), native: big.NewInt(9000)}, ServiceConfig{}, nil)
	svc.now = func() time.Time { return time.Unix(1_700_000_100, 0) }
	return svc
}

func TestRequestTransferEnqueuesExactlyOneSubmission(t *testing.T) {
	ledger := newFakeLedger()
	queue := &fakeQueue{}
	svc := newTestService(ledger, queue)

	first, err := svc.RequestTransfer(context.Background(), TransferRequest{
		Sender: "0xAAA", Recipient: "0xBBB", Amount: "250",
	})
	if err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if first.Duplicate {
		t.Fatal("first request must not be a duplicate")
	}

	second, err := svc.RequestTransfer(context.Background(), TransferRequest{
		Sender: "0xaaa", Recipient: "0xbbb", Amount: "250",
	})
	if err != nil {
		t.Fatalf("second request failed: %v", err)
	}
	if !second.Duplicate {
		t.Fatal("identical request within the window must collapse")
	}
	if second.Record.RefID != first.Record.RefID {
		t.Errorf("duplicate must return the original record, got %s vs %s", second.Record.RefID, first.Record.RefID)
	}
	if jobs := queue.byType(streaming.JobTypeSubmit); len(jobs) != 1 {
		t.Errorf("expected exactly one submit job, got %d", len(jobs))
	}
}

func TestRequestTransferDistinctAmountsDoNotCollapse(t *testing.T) {
	ledger := newFakeLedger()
	queue := &fakeQueue{}
	svc := newTestService(ledger, queue)

	if _, err := svc.RequestTransfer(context.Background(), TransferRequest{Sender: "0xaaa", Recipient: "0xbbb", Amount: "250"}); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	result, err := svc.RequestTransfer(context.Background(), TransferRequest{Sender: "0xaaa", Recipient: "0xbbb", Amount: "251"})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if result.Duplicate {
		t.Error("different amount must not collapse")
	}
	if jobs := queue.byType(streaming.JobTypeSubmit); len(jobs) != 2 {
		t.Errorf("expected two submit jobs, got %d", len(jobs))
	}
}

func TestRequestTransferRejectsInvalidAmount(t *testing.T) {
	svc := newTestService(newFakeLedger(), &fakeQueue{})
	for _, amount := range []string{"", "0", "-5", "12.5", "abc"} {
		if _, err := svc.RequestTransfer(context.Background(), TransferRequest{
			Sender: "0xaaa", Recipient: "0xbbb", Amount: amount,
		}); err == nil {
			t.Errorf("amount %q must be rejected", amount)
		}
	}
}

func TestRequestTransferFailsRecordWhenEnqueueFails(t *testing.T) {
	ledger := newFakeLedger()
	queue := &fakeQueue{err: errors.New("broker unavailable")}
	svc := newTestService(ledger, queue)

	result, err := svc.RequestTransfer(context.Background(), TransferRequest{
		Sender: "0xaaa", Recipient: "0xbbb", Amount: "250", RefID: "ref-enq",
	})
	if err == nil {
		t.Fatalf("expected enqueue failure, got %+v", result)
	}
	record := ledger.mustRecord(t, "ref-enq")
	if record.Status != domain.StatusFailed {
		t.Errorf("unenqueued record must be failed, got %s", record.Status)
	}
}

func TestIdempotencyKeyWindows(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	bucket := time.Minute

	same := IdempotencyKey(domain.KindTransfer, "0xaaa", "0xbbb", "100", base.Add(10*time.Second), bucket)
	if got := IdempotencyKey(domain.KindTransfer, "0xaaa", "0xbbb", "100", base.Add(30*time.Second), bucket); got != same {
		t.Error("requests within one window must share a key")
	}
	if got := IdempotencyKey(domain.KindTransfer, "0xaaa", "0xbbb", "100", base.Add(2*time.Minute), bucket); got == same {
		t.Error("requests in different windows must not share a key")
	}
	if got := IdempotencyKey(domain.KindWithdraw, "0xaaa", "0xbbb", "100", base.Add(10*time.Second), bucket); got == same {
		t.Error("different kinds must not share a key")
	}
}

func TestIdempotencyKeySubSecondBucket(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	bucket := 500 * time.Millisecond

	same := IdempotencyKey(domain.KindTransfer, "0xaaa", "0xbbb", "100", base.Add(100*time.Millisecond), bucket)
	if got := IdempotencyKey(domain.KindTransfer, "0xaaa", "0xbbb", "100", base.Add(400*time.Millisecond), bucket); got != same {
		t.Error("requests within one window must share a key")
	}
	if got := IdempotencyKey(domain.KindTransfer, "0xaaa", "0xbbb", "100", base.Add(700*time.Millisecond), bucket); got == same {
		t.Error("requests in different windows must not share a key")
	}
}

func TestGetBalanceReportsBothSides(t *testing.T) {
	svc := newTestService(newFakeLedger(), &fakeQueue{})

	balance, err := svc.GetBalance(context.Background(), "0xAbC")
	if err != nil {
		t.Fatalf("balance failed: %v", err)
	}
	if balance.Owner != "0xabc" {
		t.Errorf("owner must be normalized, got %s", balance.Owner)
	}
	if balance.Pool != "500" || balance.Native != "9000" {
		t.Errorf("unexpected balances: pool=%s native=%s", balance.Pool, balance.Native)
	}
}

func TestGetTransactionNotFound(t *testing.T) {
	svc := newTestService(newFakeLedger(), &fakeQueue{})
	if _, err := svc.GetTransaction(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
