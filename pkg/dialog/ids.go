package dialog

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"sync/atomic"
	"time"
)

var idSequence uint64

// randomHex случайная hex строка из n байт. При отказе источника
// случайности используется время и счетчик.
func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		seq := atomic.AddUint64(&idSequence, 1)
		return strconv.FormatInt(time.Now().UnixNano(), 16) + strconv.FormatUint(seq, 16)
	}
	return hex.EncodeToString(buf)
}

// NewTag новый тег для From/To
func NewTag() string {
	return randomHex(8)
}

// NewCallID новый Call-ID
func NewCallID() string {
	return randomHex(16)
}
