package sdruntime

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// RandomSeed returns a non-negative seed from crypto/rand.
func RandomSeed() int64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return time.Now().UnixNano() & (1<<62 - 1)
	}
	// Dropping the top bit keeps the value non-negative.
	return int64(binary.LittleEndian.Uint64(buf[:]) >> 1)
}

// ResolveSeed returns seed unchanged unless it is negative, in which case a
// random seed is drawn.
func ResolveSeed(seed int64) int64 {
	if seed < 0 {
		return RandomSeed()
	}
	return seed
}
