package lobby

import (
	"fmt"
	"math/rand/v2"
	"sync/atomic"
)

const (
	MinJoinCodeLength     = 4
	MaxJoinCodeLength     = 8
	DefaultJoinCodeLength = 6
)

// JoinCodeGenerator produces zero-padded decimal codes. It is safe for
// concurrent use.
type JoinCodeGenerator struct {
	length atomic.Int32
}

// NewJoinCodeGenerator returns a generator for codes of the given length.
// Zero selects DefaultJoinCodeLength.
func NewJoinCodeGenerator(length int) *JoinCodeGenerator {
	if length == 0 {
		length = DefaultJoinCodeLength
	}
	g := &JoinCodeGenerator{}
	g.SetLength(length)
	return g
}

// SetLength clamps length to [MinJoinCodeLength, MaxJoinCodeLength].
func (g *JoinCodeGenerator) SetLength(length int) {
	length = min(max(length, MinJoinCodeLength), MaxJoinCodeLength)
	g.length.Store(int32(length))
}

func (g *JoinCodeGenerator) Length() int {
	if n := int(g.length.Load()); n != 0 {
		return n
	}
	return DefaultJoinCodeLength
}

// Generate returns a code drawn uniformly from [0, 10^Length).
func (g *JoinCodeGenerator) Generate() string {
	n := g.Length()
	limit := 1
	for range n {
		limit *= 10
	}
	return fmt.Sprintf("%0*d", n, rand.IntN(limit))
}

// ValidJoinCode reports whether code is all digits with an accepted length.
func ValidJoinCode(code string) bool {
	if len(code) < MinJoinCodeLength || len(code) > MaxJoinCodeLength {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
