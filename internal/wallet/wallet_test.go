package wallet

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Well-known throwaway key.
const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestNewParsesWithAndWithoutPrefix(t *testing.T) {
	w1, err := New(testKey, big.NewInt(1))
	if err != nil {
		t.Fatalf("bare key: %v", err)
	}
	w2, err := New("0x"+testKey, big.NewInt(1))
	if err != nil {
		t.Fatalf("prefixed key: %v", err)
	}
	if w1.Address() != w2.Address() {
		t.Fatalf("addresses differ: %s vs %s", w1.Address(), w2.Address())
	}
	if want := common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"); w1.Address() != want {
		t.Fatalf("address = %s, want %s", w1.Address(), want)
	}
}

func TestSignMessageRecoversToWallet(t *testing.T) {
	w, err := New(testKey, big.NewInt(1))
	if err != nil {
		t.Fatalf("new wallet: %v", err)
	}

	msg := []byte("Sign in to procure listings")
	sig, err := w.SignMessage(msg)
	if err != nil {
		t.Fatalf("sign message: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("signature length = %d, want 65", len(sig))
	}
	if v := sig[64]; v != 27 && v != 28 {
		t.Fatalf("v = %d, want 27 or 28", v)
	}

	norm := make([]byte, 65)
	copy(norm, sig)
	norm[64] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash(msg), norm)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got := crypto.PubkeyToAddress(*pub); got != w.Address() {
		t.Fatalf("recovered %s, want %s", got, w.Address())
	}
}

func TestSignTypedDataRecoversToWallet(t *testing.T) {
	w, err := New(testKey, big.NewInt(1))
	if err != nil {
		t.Fatalf("new wallet: %v", err)
	}

	td := &apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
			},
			"Challenge": {
				{Name: "walletAddress", Type: "address"},
				{Name: "expiresOn", Type: "string"},
			},
		},
		PrimaryType: "Challenge",
		Domain:      apitypes.TypedDataDomain{Name: "Marketplace", Version: "1"},
		Message: apitypes.TypedDataMessage{
			"walletAddress": w.Address().Hex(),
			"expiresOn":     "2026-01-01T00:00:00Z",
		},
	}
	sig, err := w.SignTypedData(td)
	if err != nil {
		t.Fatalf("sign typed data: %v", err)
	}
	if v := sig[64]; v != 27 && v != 28 {
		t.Fatalf("v = %d, want 27 or 28", v)
	}

	digest, _, err := apitypes.TypedDataAndHash(*td)
	if err != nil {
		t.Fatalf("hash typed data: %v", err)
	}
	norm := make([]byte, 65)
	copy(norm, sig)
	norm[64] -= 27
	pub, err := crypto.SigToPub(digest, norm)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got := crypto.PubkeyToAddress(*pub); got != w.Address() {
		t.Fatalf("recovered %s, want %s", got, w.Address())
	}
}

func TestSignAndSerializeRoundTrip(t *testing.T) {
	w, err := New(testKey, big.NewInt(1))
	if err != nil {
		t.Fatalf("new wallet: %v", err)
	}

	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	tx := w.NewTx(7, &to, big.NewInt(123), 21000, big.NewInt(2e9), big.NewInt(50e9), []byte{0xab})
	signed, err := w.SignTx(tx)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	raw, err := RawTx(signed)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	decoded, err := DecodeRawTx(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.Hash() != signed.Hash() {
		t.Fatalf("hash mismatch after round trip")
	}
	if decoded.Type() != types.DynamicFeeTxType {
		t.Fatalf("tx type = %d, want dynamic fee", decoded.Type())
	}
	if decoded.Nonce() != 7 || decoded.Gas() != 21000 {
		t.Fatalf("fields lost in round trip: %+v", decoded)
	}

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1)), decoded)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if sender != w.Address() {
		t.Fatalf("sender = %s, want %s", sender, w.Address())
	}
}
