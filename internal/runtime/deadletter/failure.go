package deadletter

import (
	"time"

	"github.com/drblury/ledgerflow/internal/runtime/errors"
	"github.com/drblury/ledgerflow/internal/runtime/metadata"
)

// Failure is one failed processing attempt as captured by the dispatcher.
type Failure struct {
	Topic      string
	Payload    []byte
	Err        error
	RetryCount int
	MessageID  string
	Partition  int32
	Metadata   metadata.Metadata
	OccurredAt time.Time

	// Stack is set when the failure was a recovered panic.
	Stack string
}

// Kind returns the error kind attached at the point of failure.
func (f Failure) Kind() errors.Kind {
	return errors.KindOf(f.Err)
}

// ErrorText is the error message, or "unknown error" when none was captured.
func (f Failure) ErrorText() string {
	if f.Err == nil {
		return "unknown error"
	}
	return f.Err.Error()
}

// Record is the dead-letter envelope published to <topic>.dlq for every
// attempt, retriable or not.
type Record struct {
	OriginalTopic   string `json:"originalTopic"`
	OriginalMessage string `json:"originalMessage"`
	Error           string `json:"error"`
	Timestamp       string `json:"timestamp"`
	RetryCount      int    `json:"retryCount"`
	ErrorKind       string `json:"errorKind"`
	MessageID       string `json:"messageId,omitempty"`
}

// NewRecord builds the audit record for f.
func NewRecord(f Failure) Record {
	at := f.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	return Record{
		OriginalTopic:   f.Topic,
		OriginalMessage: string(f.Payload),
		Error:           f.ErrorText(),
		Timestamp:       at.UTC().Format(time.RFC3339Nano),
		RetryCount:      f.RetryCount,
		ErrorKind:       string(f.Kind()),
		MessageID:       f.MessageID,
	}
}

// RetryState is a pending redelivery. Count is the retry number the
// redelivered message will carry.
type RetryState struct {
	ID       string
	Topic    string
	Payload  []byte
	Err      error
	Count    int
	Metadata metadata.Metadata
	DueAt    time.Time
}
