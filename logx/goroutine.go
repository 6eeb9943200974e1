package logx

import (
	"bytes"
	"runtime"
)

// runtimeStack reads the current goroutine's stack trace header into buf.
func runtimeStack(buf []byte) int {
	return runtime.Stack(buf, false)
}

// parseGoroutineID extracts the numeric id from a "goroutine 123 [running]:"
// stack header.
func parseGoroutineID(stack []byte) string {
	const prefix = "goroutine "
	stack = bytes.TrimPrefix(stack, []byte(prefix))
	if i := bytes.IndexByte(stack, ' '); i >= 0 {
		return string(stack[:i])
	}
	return "?"
}
