package log

import (
	"testing"
)

// TestingLogger returns a Logger which writes to the test's log when the
// test binary runs with the verbose (-v) flag, and discards output otherwise.
//
// Note that the call to TestingLogger() must be made inside a test (not in
// the init func) because the verbose flag is only set at the time of testing.
func TestingLogger(t testing.TB) Logger {
	t.Helper()

	if !testing.Verbose() {
		return NewNopLogger()
	}

	logger, err := NewLoggerWithWriter(testWriter{t}, LogFormatPlain, LogLevelDebug)
	if err != nil {
		t.Fatal(err)
	}
	return logger
}

type testWriter struct{ t testing.TB }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}
