package livequery

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
)

var goroutinePrefix = []byte("goroutine ")

// goroutineID parses the current goroutine's id out of its stack header,
// the same way golang.org/x/net/http2 tracks its serve goroutine.
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, goroutinePrefix)
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		panic(fmt.Sprintf("livequery: cannot parse goroutine id from %q: %v", b, err))
	}
	return id
}
