// sign-tx builds and signs an exchange request envelope and prints it as
// JSON, ready to POST to /api/v1/tx or the matching operation route.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/hyperexchange/pkg/app/core/asset"
	"github.com/uhyunpark/hyperexchange/pkg/app/core/transaction"
	"github.com/uhyunpark/hyperexchange/pkg/crypto"
)

const decimals = 18

func main() {
	var (
		keyHex     = flag.String("key", "", "hex private key")
		keyFile    = flag.String("keyfile", "", "file holding the hex private key")
		saveKey    = flag.String("save-key", "", "write a newly generated key to this file")
		typ        = flag.String("type", string(transaction.TxDepositNative), "deposit_native|deposit_token|withdraw_native|withdraw_token|create_order|cancel_order|fill_order")
		assetAddr  = flag.String("asset", "", "token address for deposit_token/withdraw_token")
		amount     = flag.String("amount", "", "amount in whole units, e.g. 1.5")
		tokenGet   = flag.String("token-get", asset.Native.Hex(), "asset the maker wants")
		amountGet  = flag.String("amount-get", "", "amount the maker wants, in whole units")
		tokenGive  = flag.String("token-give", asset.Native.Hex(), "asset the maker offers")
		amountGive = flag.String("amount-give", "", "amount the maker offers, in whole units")
		orderID    = flag.Uint64("order", 0, "order id for cancel_order/fill_order")
		nonce      = flag.Uint64("nonce", uint64(time.Now().UnixNano()), "strictly increasing per account")
	)
	flag.Parse()

	signer, err := loadSigner(*keyHex, *keyFile, *saveKey)
	if err != nil {
		fail("key: %v", err)
	}

	req := &transaction.Request{Type: transaction.TxType(*typ), Nonce: *nonce}
	switch req.Type {
	case transaction.TxDepositNative, transaction.TxWithdrawNative:
		req.Amount = units("amount", *amount)
	case transaction.TxDepositToken, transaction.TxWithdrawToken:
		req.Asset = address("asset", *assetAddr)
		req.Amount = units("amount", *amount)
	case transaction.TxCreateOrder:
		req.TokenGet = address("token-get", *tokenGet)
		req.AmountGet = units("amount-get", *amountGet)
		req.TokenGive = address("token-give", *tokenGive)
		req.AmountGive = units("amount-give", *amountGive)
	case transaction.TxCancelOrder, transaction.TxFillOrder:
		req.OrderID = *orderID
	default:
		fail("unknown type %q", *typ)
	}

	tx, err := transaction.Sign(req, signer)
	if err != nil {
		fail("sign: %v", err)
	}

	// Round-trip through the verifier the API uses.
	if _, err := transaction.NewVerifier().Verify(tx); err != nil {
		fail("verify: %v", err)
	}

	out, err := json.MarshalIndent(tx, "", "  ")
	if err != nil {
		fail("encode: %v", err)
	}
	fmt.Fprintf(os.Stderr, "Signer: %s\nMessage: %s\n\n", signer.Address().Hex(), req.Message())
	fmt.Println(string(out))
}

func loadSigner(keyHex, keyFile, saveKey string) (*crypto.Signer, error) {
	switch {
	case keyHex != "":
		return crypto.FromPrivateKeyHex(keyHex)
	case keyFile != "":
		return crypto.LoadKeyFile(keyFile)
	}
	signer, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	if saveKey != "" {
		if err := signer.SaveKeyFile(saveKey); err != nil {
			return nil, err
		}
		fmt.Fprintf(os.Stderr, "Generated key saved to %s\n", saveKey)
	} else {
		fmt.Fprintf(os.Stderr, "Generated key %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
	}
	return signer, nil
}

func units(flagName, s string) *uint256.Int {
	if s == "" {
		fail("-%s is required", flagName)
	}
	v, err := asset.ParseUnits(s, decimals)
	if err != nil {
		fail("-%s: %v", flagName, err)
	}
	return v
}

func address(flagName, s string) common.Address {
	if !common.IsHexAddress(s) {
		fail("-%s: malformed address %q", flagName, s)
	}
	return common.HexToAddress(s)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
