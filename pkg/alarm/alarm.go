// Copyright 2025 Certen Protocol
//
// Alarms - structured, append-only JSON-lines records for the conditions
// an operator must be paged on: an untrusted delivery attempt, an
// obligation stuck past its retry budget, sustained backpressure, or a
// detected invariant violation.
package alarm

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Kind enumerates the alarm taxonomy.
type Kind string

const (
	KindUntrusted     Kind = "untrusted_remote"
	KindUndelivered   Kind = "undelivered_retry_budget_exceeded"
	KindBackpressure  Kind = "backpressure"
	KindInvariant     Kind = "invariant_violation"
	KindNoAdapter     Kind = "no_adapter_configured"
)

// Record is one alarm event.
type Record struct {
	Time   time.Time       `json:"time"`
	Kind   Kind            `json:"kind"`
	Detail string          `json:"detail"`
	Extra  json.RawMessage `json:"extra,omitempty"`
}

// Sink writes alarm records to an append-only JSON-lines destination and
// increments the corresponding metrics counter. Safe for concurrent use.
type Sink struct {
	mu      sync.Mutex
	w       io.Writer
	logger  *log.Logger
	counter *prometheus.CounterVec
	now     func() time.Time
}

// New builds a Sink writing JSON-lines records to w (e.g. a rotated log
// file or stdout) and incrementing counter per kind, if counter is non-nil.
func New(w io.Writer, counter *prometheus.CounterVec) *Sink {
	return &Sink{
		w:       w,
		logger:  log.New(w, "", 0),
		counter: counter,
		now:     time.Now,
	}
}

// Raise emits a structured alarm. item is marshaled best-effort into the
// Extra field; a marshal failure degrades to a bare record rather than
// losing the alarm.
func (s *Sink) Raise(kind, detail string, item interface{}) {
	var extra json.RawMessage
	if item != nil {
		if b, err := json.Marshal(item); err == nil {
			extra = b
		}
	}
	rec := Record{Time: s.now(), Kind: Kind(kind), Detail: detail, Extra: extra}

	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.Marshal(rec)
	if err != nil {
		s.logger.Printf(`{"time":%q,"kind":"marshal_error","detail":%q}`, s.now().Format(time.RFC3339), err.Error())
		return
	}
	fmt.Fprintln(s.w, string(b))

	if s.counter != nil {
		s.counter.WithLabelValues(kind).Inc()
	}
}
