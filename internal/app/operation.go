package app

import "time"

// Operation tracks one CLI invocation. Its ID tags every log line the
// invocation writes, so interleaved runs can be told apart in fieldsync.log.
type Operation struct {
	ID        string
	Name      string
	StartedAt time.Time
	Status    string // "success" or "error"
	Err       string
}

// NewOperation creates an operation that starts at now and succeeds unless failed.
func NewOperation(name string, now time.Time) *Operation {
	return &Operation{
		ID:        now.UTC().Format("20060102T150405Z"),
		Name:      name,
		StartedAt: now,
		Status:    "success",
	}
}

// Fail records err as the outcome. A nil err is ignored.
func (op *Operation) Fail(err error) {
	if err == nil {
		return
	}
	op.Status = "error"
	op.Err = err.Error()
}

func (op *Operation) Failed() bool {
	return op.Status == "error"
}

// Duration returns the time elapsed between the start and now.
func (op *Operation) Duration(now time.Time) time.Duration {
	return now.Sub(op.StartedAt).Truncate(time.Millisecond)
}
