package audit

import (
	"context"
	"fmt"
	"log"
)

// Appender is the slice of the store the logger writes through. Passing
// a transaction-bound store keeps the event in the same commit as the
// state change it describes.
type Appender interface {
	AppendAuditEvent(ctx context.Context, ev *Event) error
}

// Logger emits audit events. It is deliberately thin: the append is the
// store's job, the logger only owns the vocabulary and the local echo.
type Logger struct {
	logger *log.Logger
}

// NewLogger creates the audit logger.
func NewLogger() *Logger {
	return &Logger{logger: log.New(log.Writer(), "[AUDIT] ", log.LstdFlags)}
}

// Emit appends ev through the given appender. Exactly-once per state
// transition is guaranteed by the caller running this inside the same
// transaction as the transition.
func (l *Logger) Emit(ctx context.Context, store Appender, ev *Event) error {
	if err := store.AppendAuditEvent(ctx, ev); err != nil {
		return fmt.Errorf("append audit event %s for %s: %w", ev.Type, ev.AuthorizationID, err)
	}
	l.logger.Printf("%s authorization=%s", ev.Type, ev.AuthorizationID)
	return nil
}
