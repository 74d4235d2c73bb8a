package siem

import (
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/mindburn-labs/sentrygate/pkg/gwtypes"
)

// StdoutSink writes each event as a line of JSON to an io.Writer,
// grounded directly on the audit package's logger — useful for local
// development or piping into a log aggregator that tails stdout.
type StdoutSink struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewStdoutSink writes to os.Stdout if w is nil.
func NewStdoutSink(w io.Writer) *StdoutSink {
	if w == nil {
		w = os.Stdout
	}
	return &StdoutSink{writer: w}
}

func (s *StdoutSink) Name() string { return "stdout" }

func (s *StdoutSink) Emit(event gwtypes.AuditEvent) {
	line, err := json.Marshal(event)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writer.Write(append(line, '\n'))
}
