package permit

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"merchrewards/signer"
	"merchrewards/window"
)

// DefaultPermitTTL bounds the replay surface of a leaked permit.
const DefaultPermitTTL = 5 * time.Minute

// Issuer produces signed permits and claim signatures over the configured
// domain.
type Issuer struct {
	Signer    *signer.Signer
	Domain    Domain
	PermitTTL time.Duration
	Now       func() time.Time
	Entropy   io.Reader
}

func (i *Issuer) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

func (i *Issuer) ttl() time.Duration {
	if i.PermitTTL > 0 {
		return i.PermitTTL
	}
	return DefaultPermitTTL
}

// IssuePermit signs a fresh daily permit binding the wallet to the
// current window. Completion checks are the caller's responsibility; the
// issuer only mints the artifact.
func (i *Issuer) IssuePermit(subjectID uint64, wallet string) (Permit, string, error) {
	if i == nil || i.Signer == nil {
		return Permit{}, "", signer.ErrMissingKey
	}
	normalized, err := NormalizeAddress(wallet)
	if err != nil {
		return Permit{}, "", err
	}
	now := i.now()
	nonce, err := DeriveNonce(i.Entropy, common.HexToAddress(normalized), window.CurrentWindowStart(now).Unix())
	if err != nil {
		return Permit{}, "", err
	}
	p := Permit{
		Subject:     subjectID,
		Wallet:      normalized,
		WindowStart: window.CurrentWindowStart(now).Unix(),
		ExpiresAt:   now.Add(i.ttl()).Unix(),
		Nonce:       nonce,
	}
	sig, err := i.Signer.SignTypedData(p.TypedData(i.Domain))
	if err != nil {
		return Permit{}, "", err
	}
	return p, sig, nil
}

// IssueClaimSignature signs a payout claim and returns the canonical
// signing payload alongside the signature. Both are cached on the claim
// record and re-served verbatim until the deadline passes.
func (i *Issuer) IssueClaimSignature(recordID, recipient string, amount *big.Int, deadline time.Time) (string, string, error) {
	if i == nil || i.Signer == nil {
		return "", "", signer.ErrMissingKey
	}
	normalized, err := NormalizeAddress(recipient)
	if err != nil {
		return "", "", err
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", "", fmt.Errorf("permit: claim amount must be positive")
	}
	claim := Claim{
		Recipient: normalized,
		Amount:    new(big.Int).Set(amount),
		UniqueID:  ClaimUniqueID(recordID),
		Deadline:  deadline.Unix(),
	}
	td := claim.TypedData(i.Domain)
	sig, err := i.Signer.SignTypedData(td)
	if err != nil {
		return "", "", err
	}
	payload, err := json.Marshal(td)
	if err != nil {
		return "", "", fmt.Errorf("permit: encode signing payload: %w", err)
	}
	return string(payload), sig, nil
}
