package main

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// erc20TransferSig is the topic0 for the standard ERC-20 Transfer event:
// Transfer(address indexed from, address indexed to, uint256 value).
var erc20TransferSig = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// erc20TransferABI describes only the Transfer event, enough to decode the
// non-indexed value field out of a log's data payload.
var erc20TransferABI = func() abi.Arguments {
	uint256Ty, _ := abi.NewType("uint256", "", nil)
	return abi.Arguments{{Type: uint256Ty}}
}()

// TokenTransfer is a decoded ERC-20 Transfer log.
type TokenTransfer struct {
	Token    common.Address
	From     common.Address
	To       common.Address
	Value    *big.Int
	TxHash   common.Hash
	LogIndex uint
	Block    uint64
}

// decodeTransferLog decodes a raw log known to carry the Transfer topic into
// a TokenTransfer. Returns false if the log doesn't have the expected
// indexed-topic shape (some tokens emit non-standard variants).
func decodeTransferLog(l types.Log) (TokenTransfer, bool) {
	if len(l.Topics) != 3 || l.Topics[0] != erc20TransferSig {
		return TokenTransfer{}, false
	}

	values, err := erc20TransferABI.Unpack(l.Data)
	if err != nil || len(values) != 1 {
		return TokenTransfer{}, false
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return TokenTransfer{}, false
	}

	return TokenTransfer{
		Token:    l.Address,
		From:     common.HexToAddress(l.Topics[1].Hex()),
		To:       common.HexToAddress(l.Topics[2].Hex()),
		Value:    value,
		TxHash:   l.TxHash,
		LogIndex: l.Index,
		Block:    l.BlockNumber,
	}, true
}

// onChainToCents converts a raw on-chain token amount (base units) into the
// gateway's internal accounting unit of cents, flooring any sub-cent dust.
// A token with `decimals` decimals represents one whole unit as
// 10^decimals base units; one cent is 10^(decimals-2) base units.
func onChainToCents(amount *big.Int, decimals uint8) int64 {
	if decimals < 2 {
		// Sub-cent-denominated tokens: scale up instead of down.
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(2-decimals)), nil)
		return new(big.Int).Mul(amount, scale).Int64()
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-2)), nil)
	cents := new(big.Int).Div(amount, scale)
	return cents.Int64()
}

// centsToOnChain converts internal cents back into base units for a token
// with the given decimals, the inverse of onChainToCents.
func centsToOnChain(cents int64, decimals uint8) *big.Int {
	c := big.NewInt(cents)
	if decimals < 2 {
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(2-decimals)), nil)
		return new(big.Int).Div(c, scale)
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-2)), nil)
	return new(big.Int).Mul(c, scale)
}

var erc20TransferSelector = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]

// packERC20Transfer manually ABI-encodes a call to transfer(address,uint256),
// avoiding a runtime abi.JSON parse for a single well-known selector.
func packERC20Transfer(to common.Address, value *big.Int) []byte {
	data := make([]byte, 0, 4+64)
	data = append(data, erc20TransferSelector...)
	data = append(data, pad32(to.Bytes())...)
	data = append(data, pad32(value.Bytes())...)
	return data
}

const confirmationPollInterval = 2 * time.Second

// waitMinedConfirmed blocks until tx is mined, then, if confirmations > 0,
// until the chain head has advanced that many blocks past the block the
// transaction landed in. Returns an error if the transaction reverted.
func waitMinedConfirmed(ctx context.Context, client *ethclient.Client, tx *types.Transaction, confirmations uint64) (*types.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, client, tx)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("transaction %s reverted", tx.Hash().Hex())
	}
	if confirmations == 0 {
		return receipt, nil
	}

	target := receipt.BlockNumber.Uint64() + confirmations
	ticker := time.NewTicker(confirmationPollInterval)
	defer ticker.Stop()
	for {
		head, err := client.BlockNumber(ctx)
		if err != nil {
			return nil, err
		}
		if head >= target {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// pad32 left-pads b to 32 bytes, as required for fixed-width ABI words.
func pad32(b []byte) []byte {
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}
