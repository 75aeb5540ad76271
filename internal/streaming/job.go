package streaming

import (
	"encoding/json"
	"errors"

	"poolrelay/internal/domain"
)

type JobType string

const (
	JobTypeSubmit  JobType = "submit"
	JobTypeConfirm JobType = "confirm"
	JobTypeNotify  JobType = "notify"
)

// Job is the envelope carried on the pipeline topics. The variant is closed:
// submit and confirm jobs reference a ledger record by ref id, confirm jobs
// additionally carry the transaction hash and an attempt counter, notify
// jobs carry the rendered outcome for one recipient.
type Job struct {
	Type    JobType `json:"type"`
	RefID   string  `json:"ref_id"`
	TraceID string  `json:"trace_id,omitempty"`

	// Confirm fields.
	TxHash  string `json:"tx_hash,omitempty"`
	Attempt int    `json:"attempt,omitempty"`

	// Notify fields.
	Recipient string        `json:"recipient,omitempty"`
	Kind      domain.Kind   `json:"kind,omitempty"`
	Amount    string        `json:"amount,omitempty"`
	Status    domain.Status `json:"status,omitempty"`
	Detail    string        `json:"detail,omitempty"`
}

func Encode(job Job) ([]byte, error) {
	if err := validate(job); err != nil {
		return nil, err
	}
	return json.Marshal(job)
}

func Decode(payload []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return Job{}, err
	}
	if err := validate(job); err != nil {
		return Job{}, err
	}
	return job, nil
}

func validate(job Job) error {
	switch job.Type {
	case JobTypeSubmit:
		if job.RefID == "" {
			return errors.New("submit job requires ref_id")
		}
	case JobTypeConfirm:
		if job.RefID == "" {
			return errors.New("confirm job requires ref_id")
		}
		if job.TxHash == "" {
			return errors.New("confirm job requires tx_hash")
		}
	case JobTypeNotify:
		if job.Recipient == "" {
			return errors.New("notify job requires recipient")
		}
	case "":
		return errors.New("job type is required")
	default:
		return errors.New("unknown job type")
	}
	return nil
}
