// Package segment turns cumulative recognition hypotheses into finalized sentences.
package segment

import (
	"fmt"
	"sync/atomic"
)

// Generator hands out sentence IDs. The counter is process-wide so IDs stay
// unique across recordings even if a session ID were reused.
type Generator struct {
	counter uint64
}

func New() *Generator {
	return &Generator{}
}

func (g *Generator) Next(sessionId string) string {
	n := atomic.AddUint64(&g.counter, 1)
	return fmt.Sprintf("%s-sent-%d", sessionId, n)
}
