package game

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"

	"github.com/shopspring/decimal"
)

var (
	MinMultiplier = decimal.RequireFromString("1.00")
	MaxMultiplier = decimal.RequireFromString("1000.00")

	// DefaultHouseEdge is 1%.
	DefaultHouseEdge = decimal.RequireFromString("0.01")

	verifyTolerance = decimal.RequireFromString("0.01")
	twoPow64        = decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), 64), 0)
)

// GenerateSeed creates a cryptographically secure random seed
func GenerateSeed() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate seed: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashCommitment creates a SHA256 hash of the seed for commitment
func HashCommitment(seed string) string {
	h := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(h[:])
}

// CombineSeeds binds the server seed to the optional client seed and the
// round id. An empty client seed means none was supplied.
func CombineSeeds(serverSeed, clientSeed string, roundID int64) string {
	return HashCommitment(serverSeed + clientSeed + strconv.FormatInt(roundID, 10))
}

// CrashPointOf maps the first 64 bits of a combined digest to a crash point.
//
// With v the leading 16 hex chars as an unsigned integer, the crash point is
// (1 - houseEdge) * 2^64 / (2^64 - v), truncated to two decimals and clamped
// to [MinMultiplier, MaxMultiplier]. This gives P(crash >= x) = (1 - houseEdge) / x,
// so any cashout target returns 1 - houseEdge on average. A digest that does
// not parse yields MinMultiplier.
func CrashPointOf(digest string, houseEdge decimal.Decimal) decimal.Decimal {
	if len(digest) < 16 {
		return MinMultiplier
	}
	v, err := strconv.ParseUint(digest[:16], 16, 64)
	if err != nil {
		return MinMultiplier
	}

	numerator := decimal.NewFromInt(1).Sub(houseEdge).Mul(twoPow64)
	denominator := twoPow64.Sub(decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0))
	crash := numerator.Div(denominator).Truncate(2)

	if crash.LessThan(MinMultiplier) {
		return MinMultiplier
	}
	if crash.GreaterThan(MaxMultiplier) {
		return MaxMultiplier
	}
	return crash
}

// VerifyRound allows players to verify the fairness of a round: the revealed
// seed must hash to the published commitment and must reproduce the claimed
// crash multiplier.
func VerifyRound(serverSeedHash, serverSeed, clientSeed string, roundID int64, houseEdge, claimed decimal.Decimal) bool {
	if HashCommitment(serverSeed) != serverSeedHash {
		return false
	}
	calculated := CrashPointOf(CombineSeeds(serverSeed, clientSeed, roundID), houseEdge)
	// Allow small rounding differences
	return calculated.Sub(claimed).Abs().LessThan(verifyTolerance)
}
