// Package wallet generates secp256k1 key pairs for instances that need an
// on-chain identity.
package wallet

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Wallet is a freshly generated key pair. PrivateKeyHex is sensitive and
// only ever persisted sealed under a record's wrapping key.
type Wallet struct {
	// Address is the EIP-55 checksummed account address.
	Address string

	// PrivateKeyHex is the 0x-prefixed private key.
	PrivateKeyHex string
}

// Generate creates a new random key pair.
func Generate() (Wallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return Wallet{}, fmt.Errorf("failed to generate wallet key: %w", err)
	}

	return Wallet{
		Address:       crypto.PubkeyToAddress(key.PublicKey).Hex(),
		PrivateKeyHex: hexutil.Encode(crypto.FromECDSA(key)),
	}, nil
}
