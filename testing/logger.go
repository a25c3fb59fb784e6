package testing

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/arloliu/vigil/types"
)

// NewTestLogger creates a logger that writes to the test log as
// "LEVEL msg key=value ...".
//
// Supervisor loops and subscriber goroutines may still log while a test is
// being torn down; lines arriving after the test's cleanups have run are
// dropped instead of tripping the "Log in goroutine after Test has completed"
// panic.
//
// Parameters:
//   - tb: Test or benchmark receiving the output
//
// Returns:
//   - types.Logger: Logger bound to tb
func NewTestLogger(tb testing.TB) types.Logger {
	l := &testLogger{tb: tb}
	tb.Cleanup(func() {
		l.mu.Lock()
		l.done = true
		l.mu.Unlock()
	})

	return l
}

type testLogger struct {
	tb testing.TB

	mu   sync.RWMutex
	done bool
}

var _ types.Logger = (*testLogger)(nil)

func (l *testLogger) Debug(msg string, keysAndValues ...any) {
	l.log("DEBUG", msg, keysAndValues)
}

func (l *testLogger) Info(msg string, keysAndValues ...any) {
	l.log("INFO", msg, keysAndValues)
}

func (l *testLogger) Warn(msg string, keysAndValues ...any) {
	l.log("WARN", msg, keysAndValues)
}

func (l *testLogger) Error(msg string, keysAndValues ...any) {
	l.log("ERROR", msg, keysAndValues)
}

func (l *testLogger) Fatal(msg string, keysAndValues ...any) {
	l.tb.Helper()
	l.tb.Fatal(formatLine("FATAL", msg, keysAndValues))
}

func (l *testLogger) log(level, msg string, kv []any) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.done {
		return
	}
	l.tb.Log(formatLine(level, msg, kv))
}

func formatLine(level, msg string, kv []any) string {
	var b strings.Builder
	b.WriteString(level)
	b.WriteByte(' ')
	b.WriteString(msg)

	for i := 0; i < len(kv); i += 2 {
		if i+1 == len(kv) {
			fmt.Fprintf(&b, " !BADKEY=%v", kv[i])
			break
		}
		fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
	}

	return b.String()
}
