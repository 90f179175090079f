package wallet

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	w, err := Generate()
	require.NoError(t, err)

	require.True(t, common.IsHexAddress(w.Address))
	// Checksummed form round-trips through the address type.
	require.Equal(t, common.HexToAddress(w.Address).Hex(), w.Address)

	// The private key parses back and derives the same address.
	key, err := crypto.HexToECDSA(w.PrivateKeyHex[2:])
	require.NoError(t, err)
	require.Equal(t, w.Address, crypto.PubkeyToAddress(key.PublicKey).Hex())
}

func TestGenerateUnique(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)
	require.NotEqual(t, a.Address, b.Address)
	require.NotEqual(t, a.PrivateKeyHex, b.PrivateKeyHex)
}
