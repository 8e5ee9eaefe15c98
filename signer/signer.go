// Package signer holds the backend signing key and produces EIP-712
// signatures over permit and claim payloads. Compromise of this key is
// equivalent to unlimited mint authority: it is loaded once at startup,
// never logged, and every path that needs it fails closed when absent.
package signer

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// ErrMissingKey indicates the signing key was not configured.
var ErrMissingKey = errors.New("signer: signing key not configured")

// Signer signs typed-data digests with the backend-held secp256k1 key.
type Signer struct {
	key *ecdsa.PrivateKey
}

// NewFromHex parses a hex-encoded secp256k1 private key. An empty or
// malformed key is a hard error, never a silent fallback.
func NewFromHex(raw string) (*Signer, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if trimmed == "" {
		return nil, ErrMissingKey
	}
	key, err := ethcrypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("signer: parse key: %w", err)
	}
	return &Signer{key: key}, nil
}

// Address returns the address corresponding to the signing key.
func (s *Signer) Address() common.Address {
	return ethcrypto.PubkeyToAddress(s.key.PublicKey)
}

// SignTypedData hashes the typed data per EIP-712 and signs the digest.
// The returned signature is 0x-hex with the recovery id offset to the
// on-chain {27,28} convention.
func (s *Signer) SignTypedData(td apitypes.TypedData) (string, error) {
	if s == nil || s.key == nil {
		return "", ErrMissingKey
	}
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return "", fmt.Errorf("signer: hash typed data: %w", err)
	}
	sig, err := ethcrypto.Sign(digest, s.key)
	if err != nil {
		return "", fmt.Errorf("signer: sign digest: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// RecoverTypedData returns the address that produced the given signature
// over the typed data. Used to verify that an echoed permit really came
// from this backend.
func RecoverTypedData(td apitypes.TypedData, sigHex string) (common.Address, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(sigHex), "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("signer: decode signature: %w", err)
	}
	if len(raw) != 65 {
		return common.Address{}, fmt.Errorf("signer: signature must be 65 bytes, got %d", len(raw))
	}
	sig := make([]byte, 65)
	copy(sig, raw)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return common.Address{}, fmt.Errorf("signer: hash typed data: %w", err)
	}
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("signer: recover signer: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}
