package helpers

import (
	"math/rand"
	"time"
)

// RandUnix is used by tests to shuffle table cases.
func RandUnix() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
