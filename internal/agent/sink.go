package agent

import "time"

// Record types appended to a session sink.
const (
	RecordLLMRequest  = "llm.request"
	RecordLLMResponse = "llm.response"
	RecordToolOutput  = "tool.output"
)

// Record is one audit entry. Seq is monotone per run so request and
// response pairs can be correlated.
type Record struct {
	Type      string    `json:"type"`
	RunID     string    `json:"run_id"`
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Sink receives audit records. Append must be non-blocking from the
// loop's perspective and preserve call order.
type Sink interface {
	Append(record Record)
}

// recorder stamps records with the run id and a monotone sequence.
type recorder struct {
	sink  Sink
	runID string
	seq   int64
}

func (r *recorder) append(recordType string, payload any) {
	if r == nil || r.sink == nil {
		return
	}
	r.seq++
	r.sink.Append(Record{
		Type:      recordType,
		RunID:     r.runID,
		Seq:       r.seq,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}
