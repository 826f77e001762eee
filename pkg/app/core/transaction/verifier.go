package transaction

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperexchange/pkg/crypto"
	"github.com/uhyunpark/hyperexchange/pkg/errs"
)

// NonceStore persists the last accepted nonce per account so replay
// protection survives a restart. storage.Store implements it.
type NonceStore interface {
	LoadNonces() (map[common.Address]uint64, error)
	SaveNonce(account common.Address, nonce uint64) error
}

// Verifier checks envelope signatures and guards against replay: each
// address's nonces must strictly increase.
type Verifier struct {
	mu     sync.Mutex
	nonces map[common.Address]uint64
	store  NonceStore
}

// NewVerifier keeps nonces in memory only.
func NewVerifier() *Verifier {
	return &Verifier{nonces: make(map[common.Address]uint64)}
}

// NewPersistentVerifier restores accepted nonces from store and records
// every newly accepted one there before the request is let through.
func NewPersistentVerifier(store NonceStore) (*Verifier, error) {
	nonces, err := store.LoadNonces()
	if err != nil {
		return nil, fmt.Errorf("load nonces: %w", err)
	}
	return &Verifier{nonces: nonces, store: store}, nil
}

// Verify decodes tx, recovers its signer and consumes its nonce. A signer
// that differs from tx.From is Unauthorized; a nonce at or below the last
// accepted one is rejected as invalid.
func (v *Verifier) Verify(tx *SignedTransaction) (*Request, error) {
	req, err := tx.Decode()
	if err != nil {
		return nil, err
	}
	sig, err := crypto.DecodeSignature(tx.Signature)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalid, err, "bad signature")
	}
	signer, err := crypto.RecoverAddress(req.Digest(), sig)
	if err != nil {
		return nil, errs.Wrap(errs.CodeUnauthorized, err, "signature verification failed")
	}
	if signer != req.From {
		return nil, errs.New(errs.CodeUnauthorized, "signed by %s, not %s", signer.Hex(), req.From.Hex())
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if last, seen := v.nonces[signer]; seen && req.Nonce <= last {
		return nil, invalid("stale nonce %d for %s (last %d)", req.Nonce, signer.Hex(), last)
	}
	if v.store != nil {
		if err := v.store.SaveNonce(signer, req.Nonce); err != nil {
			return nil, fmt.Errorf("record nonce for %s: %w", signer.Hex(), err)
		}
	}
	v.nonces[signer] = req.Nonce
	return req, nil
}

// LastNonce returns the highest nonce accepted from account.
func (v *Verifier) LastNonce(account common.Address) (uint64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	n, ok := v.nonces[account]
	return n, ok
}
