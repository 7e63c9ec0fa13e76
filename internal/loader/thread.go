package loader

import (
	"bytes"
	"runtime"
	"strconv"
)

// goroutineID extracts the calling goroutine's id from its stack trace
// header ("goroutine 7 [running]:..."). This is the same trick used by
// several single-goroutine-confinement libraries to detect thread
// affinity violations when no OS thread id is available to check
// against; Go never promises goroutines stay pinned to the same OS
// thread, so this checks goroutine identity, not OS thread identity,
// which is the practical substitute spec §5's WrongThread check needs.
func goroutineID() uint64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	buf = buf[:n]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	if i := bytes.IndexByte(buf, ' '); i >= 0 {
		buf = buf[:i]
	}
	id, _ := strconv.ParseUint(string(buf), 10, 64)
	return id
}
