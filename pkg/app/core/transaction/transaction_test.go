package transaction

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/hyperexchange/pkg/crypto"
	"github.com/uhyunpark/hyperexchange/pkg/errs"
	"github.com/uhyunpark/hyperexchange/pkg/storage"
)

var tokenAddr = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

func mustSigner(t *testing.T) *crypto.Signer {
	t.Helper()
	s, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return s
}

func TestMessageIsCanonical(t *testing.T) {
	r := &Request{
		Type:       TxCreateOrder,
		From:       common.HexToAddress("0xAA00000000000000000000000000000000000003"),
		TokenGet:   tokenAddr,
		AmountGet:  uint256.NewInt(1000),
		TokenGive:  common.Address{},
		AmountGive: uint256.NewInt(7),
		Nonce:      3,
	}
	want := "HYPEREXCHANGE:create_order:0xaa00000000000000000000000000000000000003:" +
		"0x5fbdb2315678afecb367f032d93f642f64180aa3:1000:0x0000000000000000000000000000000000000000:7:3"
	if got := r.Message(); got != want {
		t.Fatalf("message\n got %s\nwant %s", got, want)
	}

	// Mixed-case hex in the envelope decodes to the same message.
	tx := r.Envelope()
	tx.TokenGet = strings.ToUpper(tx.TokenGet[2:])
	tx.TokenGet = "0x" + tx.TokenGet
	back, err := tx.Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.Message() != want {
		t.Errorf("decoded message %s", back.Message())
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	from := "0xAA00000000000000000000000000000000000003"
	tests := []struct {
		name string
		tx   SignedTransaction
	}{
		{"missing type", SignedTransaction{From: from}},
		{"unknown type", SignedTransaction{Type: "transfer", From: from}},
		{"bad from", SignedTransaction{Type: TxDepositNative, From: "alice", Amount: "1"}},
		{"missing amount", SignedTransaction{Type: TxDepositNative, From: from}},
		{"negative amount", SignedTransaction{Type: TxWithdrawNative, From: from, Amount: "-1"}},
		{"bad asset", SignedTransaction{Type: TxDepositToken, From: from, Asset: "0x12", Amount: "1"}},
		{"missing amountGive", SignedTransaction{Type: TxCreateOrder, From: from, TokenGet: tokenAddr.Hex(), AmountGet: "1", TokenGive: from}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.tx.Decode()
			if !errors.Is(err, errs.ErrInvalid) {
				t.Errorf("err = %v, want invalid_request", err)
			}
		})
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	signer := mustSigner(t)
	v := NewVerifier()

	reqs := []*Request{
		{Type: TxDepositNative, Amount: uint256.NewInt(5), Nonce: 1},
		{Type: TxDepositToken, Asset: tokenAddr, Amount: uint256.NewInt(5), Nonce: 2},
		{Type: TxWithdrawNative, Amount: uint256.NewInt(1), Nonce: 3},
		{Type: TxWithdrawToken, Asset: tokenAddr, Amount: uint256.NewInt(1), Nonce: 4},
		{Type: TxCreateOrder, TokenGet: tokenAddr, AmountGet: uint256.NewInt(2), AmountGive: uint256.NewInt(1), Nonce: 5},
		{Type: TxCancelOrder, OrderID: 1, Nonce: 6},
		{Type: TxFillOrder, OrderID: 2, Nonce: 7},
	}
	for _, r := range reqs {
		tx, err := Sign(r, signer)
		if err != nil {
			t.Fatalf("%s: sign: %v", r.Type, err)
		}
		raw, err := tx.Serialize()
		if err != nil {
			t.Fatalf("%s: serialize: %v", r.Type, err)
		}
		parsed, err := Parse(raw)
		if err != nil {
			t.Fatalf("%s: parse: %v", r.Type, err)
		}
		got, err := v.Verify(parsed)
		if err != nil {
			t.Fatalf("%s: verify: %v", r.Type, err)
		}
		if got.From != signer.Address() || got.Message() != r.Message() {
			t.Errorf("%s: verified %s", r.Type, got.Message())
		}
	}
	if n, ok := v.LastNonce(signer.Address()); !ok || n != 7 {
		t.Errorf("last nonce = %d, %v", n, ok)
	}
}

func TestVerifyRejectsReplayAndForgery(t *testing.T) {
	alice, mallory := mustSigner(t), mustSigner(t)
	v := NewVerifier()

	tx, err := Sign(&Request{Type: TxFillOrder, OrderID: 1, Nonce: 10}, alice)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Verify(tx); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	if _, err := v.Verify(tx); !errors.Is(err, errs.ErrInvalid) {
		t.Errorf("replay: err = %v, want invalid_request", err)
	}

	older, _ := Sign(&Request{Type: TxFillOrder, OrderID: 1, Nonce: 9}, alice)
	if _, err := v.Verify(older); !errors.Is(err, errs.ErrInvalid) {
		t.Errorf("older nonce: err = %v", err)
	}

	// Mallory signs a request claiming to be from alice.
	forged, _ := Sign(&Request{Type: TxCancelOrder, OrderID: 1, Nonce: 11}, mallory)
	forged.From = alice.Address().Hex()
	if _, err := v.Verify(forged); !errors.Is(err, errs.ErrUnauthorized) {
		t.Errorf("forged: err = %v, want unauthorized", err)
	}

	// Tampering with a signed field changes the digest.
	tampered, _ := Sign(&Request{Type: TxWithdrawNative, Amount: uint256.NewInt(1), Nonce: 12}, alice)
	tampered.Amount = "1000"
	if _, err := v.Verify(tampered); !errors.Is(err, errs.ErrUnauthorized) {
		t.Errorf("tampered: err = %v, want unauthorized", err)
	}
	if n, _ := v.LastNonce(alice.Address()); n != 10 {
		t.Errorf("rejected envelopes consumed a nonce: last = %d", n)
	}
}

func TestParseRequiresSignature(t *testing.T) {
	if _, err := Parse([]byte(`{"type":"fill_order","from":"0x0","orderId":1,"nonce":1}`)); !errors.Is(err, errs.ErrInvalid) {
		t.Errorf("err = %v", err)
	}
	if _, err := Parse([]byte(`{`)); !errors.Is(err, errs.ErrInvalid) {
		t.Errorf("err = %v", err)
	}
}

func TestNoncesSurviveRestart(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	signer := mustSigner(t)
	tx, err := Sign(&Request{Type: TxWithdrawNative, Amount: uint256.NewInt(5), Nonce: 1}, signer)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	store, err := storage.NewPebbleStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	v, err := NewPersistentVerifier(store)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	if _, err := v.Verify(tx); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store, err = storage.NewPebbleStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	v, err = NewPersistentVerifier(store)
	if err != nil {
		t.Fatalf("verifier after reopen: %v", err)
	}
	if n, ok := v.LastNonce(signer.Address()); !ok || n != 1 {
		t.Fatalf("last nonce = %d, %v; want 1, true", n, ok)
	}
	if _, err := v.Verify(tx); !errors.Is(err, errs.ErrInvalid) {
		t.Fatalf("replay after restart: err = %v, want invalid", err)
	}

	next, err := Sign(&Request{Type: TxWithdrawNative, Amount: uint256.NewInt(5), Nonce: 2}, signer)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := v.Verify(next); err != nil {
		t.Fatalf("fresh nonce after restart: %v", err)
	}
}

type failingNonces struct{}

func (failingNonces) LoadNonces() (map[common.Address]uint64, error) {
	return map[common.Address]uint64{}, nil
}

func (failingNonces) SaveNonce(common.Address, uint64) error { return errors.New("disk full") }

func TestUnrecordedNonceIsNotConsumed(t *testing.T) {
	v, err := NewPersistentVerifier(failingNonces{})
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	tx, err := Sign(&Request{Type: TxCancelOrder, OrderID: 1, Nonce: 4}, mustSigner(t))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := v.Verify(tx); err == nil {
		t.Fatal("expected error when the nonce cannot be recorded")
	}
	if _, ok := v.LastNonce(common.HexToAddress(tx.From)); ok {
		t.Error("nonce consumed despite failed write")
	}
}
