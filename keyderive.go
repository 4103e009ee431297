package main

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
)

// These indices form the derivation path m/44'/60'/0'/0/<index>: purpose,
// coin type and account are hardened, change and the customer index are not.
// 44'/60' is the standard Ethereum coin type; account and change are both
// fixed to 0 so each customer gets a single flat address space keyed only by
// their numeric customer ID.
const (
	purposeIndex  = bip32.FirstHardenedChild + 44
	coinTypeIndex = bip32.FirstHardenedChild + 60
	accountIndex  = bip32.FirstHardenedChild + 0
	changeIndex   = uint32(0)
)

// KeyDeriver derives deterministic Ethereum addresses and signing keys for
// customers from a single BIP-39 mnemonic, along the path
// m/44'/60'/0'/0/<customer_id>. The master key is held in memory only.
type KeyDeriver struct {
	master *bip32.Key
}

// NewKeyDeriver builds a KeyDeriver from a BIP-39 mnemonic. No passphrase is
// supported; the seed is derived with an empty one, matching the teacher
// pack's wallet-derivation examples.
func NewKeyDeriver(mnemonic string) (*KeyDeriver, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	seed := bip39.NewSeed(mnemonic, "")
	master, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}

	return &KeyDeriver{master: master}, nil
}

// Derive returns the ECDSA private key for a customer at
// m/44'/60'/0'/0/<customerID>.
func (k *KeyDeriver) Derive(customerID uint64) (*ecdsa.PrivateKey, error) {
	if customerID > uint64(^uint32(0)) {
		return nil, fmt.Errorf("customer id %d exceeds derivation index range", customerID)
	}

	key := k.master
	for _, idx := range []uint32{purposeIndex, coinTypeIndex, accountIndex, changeIndex, uint32(customerID)} {
		child, err := key.NewChildKey(idx)
		if err != nil {
			return nil, fmt.Errorf("derive child key at index %d: %w", idx, err)
		}
		key = child
	}

	privKey, err := crypto.ToECDSA(key.Key)
	if err != nil {
		return nil, fmt.Errorf("convert derived key to ecdsa: %w", err)
	}

	return privKey, nil
}

// DeriveAddress returns the EIP-55 checksummed address for a customer.
func (k *KeyDeriver) DeriveAddress(customerID uint64) (string, error) {
	priv, err := k.Derive(customerID)
	if err != nil {
		return "", err
	}

	return crypto.PubkeyToAddress(priv.PublicKey).Hex(), nil
}
