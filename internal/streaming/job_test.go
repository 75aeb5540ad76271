package streaming

import (
	"testing"

	"poolrelay/internal/domain"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	original := Job{
		Type:    JobTypeConfirm,
		RefID:   "ref-123",
		TraceID: "trace-9",
		TxHash:  "0xdeadbeef",
		Attempt: 4,
	}
	payload, err := Encode(original)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != original {
		t.Errorf("round trip changed job: got %+v want %+v", decoded, original)
	}
	if decoded.Attempt != 4 {
		t.Errorf("attempt counter must survive the wire, got %d", decoded.Attempt)
	}
}

func TestNotifyJobCarriesOutcome(t *testing.T) {
	original := Job{
		Type:      JobTypeNotify,
		RefID:     "ref-55",
		Recipient: "0xabc",
		Kind:      domain.KindTransfer,
		Amount:    "1500",
		Status:    domain.StatusConfirmed,
	}
	payload, err := Encode(original)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != original {
		t.Errorf("round trip changed job: got %+v want %+v", decoded, original)
	}
}

func TestValidateRejectsMalformedJobs(t *testing.T) {
	cases := []struct {
		name string
		job  Job
	}{
		{"missing type", Job{RefID: "ref-1"}},
		{"unknown type", Job{Type: "compact", RefID: "ref-1"}},
		{"submit without ref", Job{Type: JobTypeSubmit}},
		{"confirm without ref", Job{Type: JobTypeConfirm, TxHash: "0xabc"}},
		{"confirm without hash", Job{Type: JobTypeConfirm, RefID: "ref-1"}},
		{"notify without recipient", Job{Type: JobTypeNotify, RefID: "ref-1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Encode(tc.job); err == nil {
				t.Errorf("Encode accepted %+v", tc.job)
			}
		})
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("{not json")); err == nil {
		t.Error("malformed payload must be rejected")
	}
	if _, err := Decode([]byte(`{"type":"submit"}`)); err == nil {
		t.Error("payload failing validation must be rejected")
	}
}
