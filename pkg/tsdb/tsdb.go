// Package tsdb defines the write capability of the time-series database and
// the classification of write failures.
package tsdb

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Measurement is a single line-protocol style point.
type Measurement struct {
	Name   string
	Fields map[string]any
	Tags   map[string]string
	Time   time.Time
}

// Writer writes one measurement. Implementations must be safe for
// concurrent use.
type Writer interface {
	Write(ctx context.Context, m Measurement) error
}

// Kind classifies a failed write.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransport
	KindRejected
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindRejected:
		return "rejected"
	case KindTimeout:
		return "timeout"
	}
	return "unknown"
}

// WriteError is a classified write failure.
type WriteError struct {
	Kind   Kind
	Metric string
	Err    error
}

func (e *WriteError) Error() string {
	if e.Metric != "" {
		return fmt.Sprintf("write %s: %s: %v", e.Metric, e.Kind, e.Err)
	}
	return fmt.Sprintf("write: %s: %v", e.Kind, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// KindOf classifies err. A *WriteError anywhere in the chain wins; otherwise
// deadlines and network timeouts are timeouts and other network errors are
// transport failures.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var we *WriteError
	if errors.As(err, &we) && we.Kind != KindUnknown {
		return we.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindTransport
	}
	return KindUnknown
}

// Classify wraps err as a *WriteError, using fallback when KindOf cannot
// tell.
func Classify(err error, fallback Kind) error {
	if err == nil {
		return nil
	}
	var we *WriteError
	if errors.As(err, &we) {
		return err
	}
	k := KindOf(err)
	if k == KindUnknown {
		k = fallback
	}
	return &WriteError{Kind: k, Err: err}
}
