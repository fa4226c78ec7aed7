package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WithdrawalIdempotencyKey derives the key sent to the custodial provider for
// a withdrawal attempt. The uuid nonce makes distinct requests distinct even
// when a user repeats the same destination and amount; the key is generated
// once at intake and reused verbatim on every retry of the same withdrawal,
// so the provider executes the transfer at most once.
func WithdrawalIdempotencyKey(userID, destination string, amount int64, at time.Time) string {
	payload := fmt.Sprintf("%s|%s|%d|%d|%s", userID, destination, amount, at.UnixNano(), uuid.NewString())
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// UserLockID maps a user ID onto a Postgres advisory lock identifier. The
// first eight bytes of the SHA-256 digest give a stable, well-distributed
// int64; collisions only cause spurious serialization, never corruption.
func UserLockID(userID string) int64 {
	sum := sha256.Sum256([]byte(userID))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}
