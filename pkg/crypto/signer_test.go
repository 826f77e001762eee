package crypto

import (
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	eth_crypto "github.com/ethereum/go-ethereum/crypto"
)

func TestGenerateKey(t *testing.T) {
	signer, err := GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	if signer.Address() == (common.Address{}) {
		t.Error("generated zero address")
	}
	if n := len(signer.PrivateKeyHex()); n != 64 {
		t.Errorf("private key hex length = %d, want 64", n)
	}
}

func TestFromPrivateKeyHex(t *testing.T) {
	signer1, _ := GenerateKey()

	for _, in := range []string{signer1.PrivateKeyHex(), "0x" + signer1.PrivateKeyHex(), signer1.PrivateKeyHex() + "\n"} {
		signer2, err := FromPrivateKeyHex(in)
		if err != nil {
			t.Fatalf("failed to load key %q: %v", in, err)
		}
		if signer2.Address() != signer1.Address() {
			t.Errorf("address = %s, want %s", signer2.Address().Hex(), signer1.Address().Hex())
		}
	}

	if _, err := FromPrivateKeyHex("zz"); err == nil {
		t.Error("expected error for malformed key")
	}
}

func TestKeyFileRoundTrip(t *testing.T) {
	signer, _ := GenerateKey()
	path := filepath.Join(t.TempDir(), "key.hex")
	if err := signer.SaveKeyFile(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadKeyFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Address() != signer.Address() {
		t.Errorf("loaded address = %s, want %s", loaded.Address().Hex(), signer.Address().Hex())
	}
}

func TestSignAndRecover(t *testing.T) {
	signer, _ := GenerateKey()
	hash := eth_crypto.Keccak256Hash([]byte("Hello, exchange!"))

	sig, err := signer.SignHash(hash)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	if len(sig) != SignatureLength {
		t.Fatalf("signature length = %d, want %d", len(sig), SignatureLength)
	}

	got, err := RecoverAddress(hash, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got != signer.Address() {
		t.Errorf("recovered %s, want %s", got.Hex(), signer.Address().Hex())
	}

	// legacy V
	legacy := append([]byte(nil), sig...)
	legacy[64] += 27
	if got, err := RecoverAddress(hash, legacy); err != nil || got != signer.Address() {
		t.Errorf("legacy V: recovered %s, err %v", got.Hex(), err)
	}

	other := eth_crypto.Keccak256Hash([]byte("something else"))
	if got, _ := RecoverAddress(other, sig); got == signer.Address() {
		t.Error("signature recovered the signer for a different hash")
	}
}

func TestSignatureEncoding(t *testing.T) {
	signer, _ := GenerateKey()
	sig, _ := signer.SignHash(common.HexToHash("0x01"))

	decoded, err := DecodeSignature(EncodeSignature(sig))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(decoded) != string(sig) {
		t.Error("signature changed across encode/decode")
	}

	if _, err := DecodeSignature("0x0102"); err == nil {
		t.Error("expected length error")
	}
	if _, err := DecodeSignature("nothex"); err == nil {
		t.Error("expected hex error")
	}
}
