// Package sign recovers the Ethereum address that produced a signature over
// a given hash, the one signing primitive the gateway needs: verifying the
// EIP-712 signature on an x402 transferWithAuthorization payload.
package sign

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Address is the result of a signature recovery.
type Address interface {
	fmt.Stringer
	Equals(other Address) bool
}

// EthereumAddress implements Address for Ethereum.
type EthereumAddress struct{ common.Address }

func (a EthereumAddress) String() string { return a.Address.Hex() }

// Equals returns true if this address equals the other address.
func (a EthereumAddress) Equals(other Address) bool {
	if otherAddr, ok := other.(EthereumAddress); ok {
		return a.Address == otherAddr.Address
	}
	return a.String() == other.String()
}

// Signature is a 65-byte Ethereum recoverable signature (r, s, v).
type Signature []byte

// RecoverAddressFromHash recovers the address that produced sig over hash.
// v is accepted in either the raw (0/1) or Ethereum (27/28) form.
func RecoverAddressFromHash(hash []byte, sig Signature) (Address, error) {
	if len(sig) != 65 {
		return nil, fmt.Errorf("invalid signature length")
	}
	localSig := make([]byte, 65)
	copy(localSig, sig)
	if localSig[64] >= 27 {
		localSig[64] -= 27
	}
	pubKey, err := ethcrypto.SigToPub(hash, localSig)
	if err != nil {
		return nil, fmt.Errorf("signature recovery failed: %w", err)
	}
	return EthereumAddress{ethcrypto.PubkeyToAddress(*pubKey)}, nil
}
