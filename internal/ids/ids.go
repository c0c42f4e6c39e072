package ids

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// TokenBytes is the amount of randomness behind capability tokens (256 bits).
const TokenBytes = 32

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a lexicographically sortable identifier for audit rows and records.
func New() string {
	return NewAt(time.Now())
}

// NewAt returns a ULID stamped with t.
func NewAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Token returns an unguessable URL-safe token.
func Token() (string, error) {
	return tokenFrom(rand.Reader)
}

func tokenFrom(r io.Reader) (string, error) {
	buf := make([]byte, TokenBytes)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("ids: read entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
