// Package ids generates the identifiers threaded through every Turn: a
// ULID-like turn_id (sortable, collision-resistant without coordination) and
// a UUID trace_id used to correlate logs and metrics across a single
// request.
package ids

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var entropyMu sync.Mutex

// entropySource is a monotonic ULID entropy source seeded from crypto/rand. ULID's
// default math/rand source is not safe for concurrent use, so generation is
// serialized behind entropyMu.
var entropySource = ulid.Monotonic(cryptoRandReader{}, 0)

type cryptoRandReader struct{}

func (cryptoRandReader) Read(p []byte) (int, error) {
	return rand.Read(p)
}

// NewTurnID returns a new ULID-like turn identifier, lexicographically
// sortable by creation time.
func NewTurnID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropySource).String()
}

// NewTraceID returns a new process-unique trace identifier for correlating
// every event of a single request.
func NewTraceID() string {
	return uuid.NewString()
}

// NewEventID returns a new process-unique event identifier for an
// EventEnvelope.
func NewEventID() string {
	return uuid.NewString()
}

// randomSuffix is kept for components that need a short non-cryptographic
// disambiguator (e.g. step ids within a plan) without the weight of a full
// UUID.
func randomSuffix(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	buf := make([]byte, n)
	for i := range buf {
		idx, _ := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		buf[i] = alphabet[idx.Int64()]
	}
	return string(buf)
}

// NewStepID returns a new step identifier scoped to a plan, combining the
// plan id with the step index and a short random suffix so retried steps get
// distinct ids.
func NewStepID(planID string, index int) string {
	return planID + "-step-" + strconv.Itoa(index) + "-" + randomSuffix(4)
}
