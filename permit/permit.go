// Package permit constructs the typed, signed artifacts that authorize a
// wallet to perform a specific on-chain action exactly once: short-lived
// daily entitlement permits and long-lived payout claim signatures.
package permit

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Domain pins signatures to one application, chain, and verifying
// contract so an artifact cannot be replayed anywhere else.
type Domain struct {
	Name              string
	Version           string
	ChainID           uint64
	VerifyingContract string
}

func (d Domain) typedDomain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              d.Name,
		Version:           d.Version,
		ChainId:           ethmath.NewHexOrDecimal256(int64(d.ChainID)),
		VerifyingContract: d.VerifyingContract,
	}
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// Permit authorizes one wallet to use one daily window. It is ephemeral:
// never persisted before use, bound to the requesting wallet, and valid
// only until ExpiresAt.
type Permit struct {
	Subject     uint64 `json:"subject"`
	Wallet      string `json:"wallet"`
	WindowStart int64  `json:"windowStart"`
	ExpiresAt   int64  `json:"expiresAt"`
	Nonce       string `json:"nonce"`
}

// TypedData returns the EIP-712 payload signed for a daily permit.
func (p Permit) TypedData(domain Domain) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"DailyPermit": {
				{Name: "subject", Type: "uint256"},
				{Name: "wallet", Type: "address"},
				{Name: "windowStart", Type: "uint256"},
				{Name: "expiresAt", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "DailyPermit",
		Domain:      domain.typedDomain(),
		Message: apitypes.TypedDataMessage{
			"subject":     (*ethmath.HexOrDecimal256)(new(big.Int).SetUint64(p.Subject)),
			"wallet":      p.Wallet,
			"windowStart": ethmath.NewHexOrDecimal256(p.WindowStart),
			"expiresAt":   ethmath.NewHexOrDecimal256(p.ExpiresAt),
			"nonce":       p.Nonce,
		},
	}
}

// Claim is the typed payout message bound to a specific recipient,
// amount, and deadline. Amount is an integer in the token's smallest
// unit.
type Claim struct {
	Recipient string   `json:"recipient"`
	Amount    *big.Int `json:"amount"`
	UniqueID  string   `json:"uniqueId"`
	Deadline  int64    `json:"deadline"`
}

// TypedData returns the EIP-712 payload signed for a payout claim.
func (c Claim) TypedData(domain Domain) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"RewardClaim": {
				{Name: "recipient", Type: "address"},
				{Name: "amount", Type: "uint256"},
				{Name: "uniqueId", Type: "bytes32"},
				{Name: "deadline", Type: "uint256"},
			},
		},
		PrimaryType: "RewardClaim",
		Domain:      domain.typedDomain(),
		Message: apitypes.TypedDataMessage{
			"recipient": c.Recipient,
			"amount":    (*ethmath.HexOrDecimal256)(c.Amount),
			"uniqueId":  c.UniqueID,
			"deadline":  ethmath.NewHexOrDecimal256(c.Deadline),
		},
	}
}

// NormalizeAddress lower-cases a hex address after validation. All
// address comparison and storage goes through this.
func NormalizeAddress(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return "", fmt.Errorf("permit: invalid address %q", raw)
	}
	return strings.ToLower(common.HexToAddress(trimmed).Hex()), nil
}

// DeriveNonce produces an unguessable, non-fungible nonce for a permit by
// hashing fresh randomness together with the wallet and window. Two
// permits for the same window therefore never collide. The reader
// argument exists for tests; pass nil for crypto/rand.
func DeriveNonce(entropy io.Reader, wallet common.Address, windowStart int64) (string, error) {
	if entropy == nil {
		entropy = rand.Reader
	}
	var seed [32]byte
	if _, err := io.ReadFull(entropy, seed[:]); err != nil {
		return "", fmt.Errorf("permit: read entropy: %w", err)
	}
	var windowBytes [8]byte
	binary.BigEndian.PutUint64(windowBytes[:], uint64(windowStart))
	digest := ethcrypto.Keccak256(seed[:], wallet.Bytes(), windowBytes[:])
	return common.BytesToHash(digest).Hex(), nil
}

// ClaimUniqueID derives the bytes32 unique identifier for a claim record
// from its database identity. Deterministic so the cached signature can be
// re-derived for audit.
func ClaimUniqueID(recordID string) string {
	return common.BytesToHash(ethcrypto.Keccak256([]byte(recordID))).Hex()
}

// Expired reports whether the permit deadline passed at the given instant.
func (p Permit) Expired(now time.Time) bool {
	return now.Unix() >= p.ExpiresAt
}
