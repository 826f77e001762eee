// Package transaction defines signed request envelopes: a caller signs the
// canonical message of an operation with its secp256k1 key and the API edge
// recovers the caller from the signature instead of trusting a header.
package transaction

import (
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethCrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/goccy/go-json"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/hyperexchange/pkg/crypto"
	"github.com/uhyunpark/hyperexchange/pkg/errs"
)

// TxType names the engine operation an envelope requests.
type TxType string

const (
	TxDepositNative  TxType = "deposit_native"
	TxDepositToken   TxType = "deposit_token"
	TxWithdrawNative TxType = "withdraw_native"
	TxWithdrawToken  TxType = "withdraw_token"
	TxCreateOrder    TxType = "create_order"
	TxCancelOrder    TxType = "cancel_order"
	TxFillOrder      TxType = "fill_order"
)

// MessagePrefix starts every canonical message.
const MessagePrefix = "HYPEREXCHANGE"

// SignedTransaction is the wire form. Amounts are minor-unit integer strings.
type SignedTransaction struct {
	Type       TxType `json:"type"`
	From       string `json:"from"`
	Asset      string `json:"asset,omitempty"`
	Amount     string `json:"amount,omitempty"`
	TokenGet   string `json:"tokenGet,omitempty"`
	AmountGet  string `json:"amountGet,omitempty"`
	TokenGive  string `json:"tokenGive,omitempty"`
	AmountGive string `json:"amountGive,omitempty"`
	OrderID    uint64 `json:"orderId,omitempty"`
	Nonce      uint64 `json:"nonce"`
	Signature  string `json:"signature"`
}

// Request is a decoded envelope. Only the fields of its Type are set.
type Request struct {
	Type       TxType
	From       common.Address
	Asset      common.Address
	Amount     *uint256.Int
	TokenGet   common.Address
	AmountGet  *uint256.Int
	TokenGive  common.Address
	AmountGive *uint256.Int
	OrderID    uint64
	Nonce      uint64
}

func invalid(format string, args ...any) error {
	return errs.New(errs.CodeInvalid, format, args...)
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, invalid("%s: malformed address %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseAmount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, invalid("%s: missing", field)
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, invalid("%s: %v", field, err)
	}
	return v, nil
}

// Decode validates the envelope fields for its type. The signature is not
// checked here.
func (tx *SignedTransaction) Decode() (*Request, error) {
	from, err := parseAddress("from", tx.From)
	if err != nil {
		return nil, err
	}
	r := &Request{Type: tx.Type, From: from, Nonce: tx.Nonce}

	switch tx.Type {
	case TxDepositNative, TxWithdrawNative:
		if r.Amount, err = parseAmount("amount", tx.Amount); err != nil {
			return nil, err
		}
	case TxDepositToken, TxWithdrawToken:
		if r.Asset, err = parseAddress("asset", tx.Asset); err != nil {
			return nil, err
		}
		if r.Amount, err = parseAmount("amount", tx.Amount); err != nil {
			return nil, err
		}
	case TxCreateOrder:
		if r.TokenGet, err = parseAddress("tokenGet", tx.TokenGet); err != nil {
			return nil, err
		}
		if r.AmountGet, err = parseAmount("amountGet", tx.AmountGet); err != nil {
			return nil, err
		}
		if r.TokenGive, err = parseAddress("tokenGive", tx.TokenGive); err != nil {
			return nil, err
		}
		if r.AmountGive, err = parseAmount("amountGive", tx.AmountGive); err != nil {
			return nil, err
		}
	case TxCancelOrder, TxFillOrder:
		// id 0 is never assigned; the engine reports it as not found
		r.OrderID = tx.OrderID
	case "":
		return nil, invalid("missing transaction type")
	default:
		return nil, invalid("unknown transaction type %q", tx.Type)
	}
	return r, nil
}

func addr(a common.Address) string { return strings.ToLower(a.Hex()) }

// Message is the canonical text that gets signed:
//
//	HYPEREXCHANGE:<type>:<from>:<fields...>:<nonce>
//
// Addresses are lower-case hex and amounts minor-unit integers, so two
// envelopes for the same request always produce the same message.
func (r *Request) Message() string {
	parts := []string{MessagePrefix, string(r.Type), addr(r.From)}
	switch r.Type {
	case TxDepositNative, TxWithdrawNative:
		parts = append(parts, r.Amount.Dec())
	case TxDepositToken, TxWithdrawToken:
		parts = append(parts, addr(r.Asset), r.Amount.Dec())
	case TxCreateOrder:
		parts = append(parts, addr(r.TokenGet), r.AmountGet.Dec(), addr(r.TokenGive), r.AmountGive.Dec())
	case TxCancelOrder, TxFillOrder:
		parts = append(parts, strconv.FormatUint(r.OrderID, 10))
	}
	parts = append(parts, strconv.FormatUint(r.Nonce, 10))
	return strings.Join(parts, ":")
}

// Digest is the Keccak256 hash of Message.
func (r *Request) Digest() common.Hash {
	return ethCrypto.Keccak256Hash([]byte(r.Message()))
}

// Envelope renders r in wire form without a signature.
func (r *Request) Envelope() *SignedTransaction {
	tx := &SignedTransaction{Type: r.Type, From: r.From.Hex(), Nonce: r.Nonce, OrderID: r.OrderID}
	switch r.Type {
	case TxDepositNative, TxWithdrawNative:
		tx.Amount = r.Amount.Dec()
	case TxDepositToken, TxWithdrawToken:
		tx.Asset = r.Asset.Hex()
		tx.Amount = r.Amount.Dec()
	case TxCreateOrder:
		tx.TokenGet = r.TokenGet.Hex()
		tx.AmountGet = r.AmountGet.Dec()
		tx.TokenGive = r.TokenGive.Hex()
		tx.AmountGive = r.AmountGive.Dec()
	}
	return tx
}

// Sign sets r.From to the signer's address and returns the signed envelope.
func Sign(r *Request, signer *crypto.Signer) (*SignedTransaction, error) {
	r.From = signer.Address()
	sig, err := signer.SignHash(r.Digest())
	if err != nil {
		return nil, err
	}
	tx := r.Envelope()
	tx.Signature = crypto.EncodeSignature(sig)
	return tx, nil
}

// Serialize converts the envelope to JSON.
func (tx *SignedTransaction) Serialize() ([]byte, error) {
	return json.Marshal(tx)
}

// Parse decodes a JSON envelope.
func Parse(data []byte) (*SignedTransaction, error) {
	var tx SignedTransaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, errs.Wrap(errs.CodeInvalid, err, "failed to unmarshal transaction")
	}
	if tx.Signature == "" {
		return nil, invalid("missing signature")
	}
	return &tx, nil
}
