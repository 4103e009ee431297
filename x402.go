package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/zeropay/gateway/pkg/sign"
)

// x402RequirementTTL bounds how long a nonce issued by POST /x402/requirements
// stays claimable; it doubles as the validBefore window offered to the payer.
const x402RequirementTTL = 10 * time.Minute

// x402ClockSkew is how far before now validAfter is backdated, tolerating
// clock drift between the gateway and the payer's wallet.
const x402ClockSkew = 1 * time.Minute

// x402 implements the x402/EIP-3009 payment facilitator contract: verify and
// settle a transferWithAuthorization signature against one of the gateway's
// configured chains and tokens, generalized from a single hardcoded
// USDC/Base-Sepolia facilitator into a multi-chain, multi-token one driven
// by ChainConfig.
//
// Type hashes and digest construction follow EIP-712 exactly; ABI encoding
// for the on-chain call is done by hand (no runtime abi.JSON parse), same
// approach as the reference facilitator this is grounded on.
var (
	domainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	authTypeHash = crypto.Keccak256Hash([]byte(
		"TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"))
)

var transferWithAuthSelector = crypto.Keccak256([]byte(
	"transferWithAuthorization(address,address,uint256,uint256,uint256,bytes32,uint8,bytes32,bytes32)"))[:4]

// X402Authorization is the EIP-3009 authorization payload signed by the
// payer's wallet.
type X402Authorization struct {
	From         string `json:"from"`
	To           string `json:"to"`
	Value        string `json:"value"`
	ValidAfter   string `json:"validAfter"`
	ValidBefore  string `json:"validBefore"`
	Nonce        string `json:"nonce"`
	Signature    string `json:"signature"`
	TokenName    string `json:"tokenName"`
	TokenVersion string `json:"tokenVersion"`
}

// X402Requirements describes what the facilitator expects to be paid,
// returned by POST /x402/requirements. PayTo is always the merchant's
// settlement address — x402 pays the merchant directly, there is no deposit
// address in this path.
type X402Requirements struct {
	Network     string `json:"network"` // "eip155:<chainId>"
	Asset       string `json:"asset"`   // token contract address
	PayTo       string `json:"payTo"`
	Amount      string `json:"amount"`      // base units, decimal string
	ValidAfter  string `json:"validAfter"`  // unix seconds
	ValidBefore string `json:"validBefore"` // unix seconds
	Nonce       string `json:"nonce"`       // hex bytes32 the payer must sign
}

// x402Pending is a requirement the facilitator issued and is still willing
// to accept payment against, keyed by the nonce it handed out. It is the
// only place the (customer, payTo, amount) tuple a /x402/requirements caller
// asked for survives until the matching /x402/payments call arrives — the
// signed authorization itself carries no customer identity, only an address
// that is the same merchant payTo for every customer.
type x402Pending struct {
	customerID uint64
	payTo      string
	amount     *big.Int
	expiresAt  time.Time
}

// X402Facilitator verifies and settles x402 payments across all configured
// chains, keyed by chain ID.
type X402Facilitator struct {
	chains map[uint32]ChainConfig

	mu      sync.Mutex
	pending map[string]x402Pending // nonce (lowercase hex, no 0x) -> claim
}

func NewX402Facilitator(chains map[uint32]ChainConfig) *X402Facilitator {
	return &X402Facilitator{chains: chains, pending: make(map[string]x402Pending)}
}

// Requirements returns the payment requirements for the given chain/token,
// for POST /x402/requirements, and records the issued nonce against the
// requesting customer so /x402/payments can recover it later.
func (f *X402Facilitator) Requirements(chainID uint32, tokenSymbol string, customerID uint64, payTo string, amountCents int64) (X402Requirements, error) {
	cfg, ok := f.chains[chainID]
	if !ok {
		return X402Requirements{}, fmt.Errorf("chain %d not configured", chainID)
	}
	token, ok := cfg.Tokens[tokenSymbol]
	if !ok {
		return X402Requirements{}, fmt.Errorf("token %s not configured on chain %d", tokenSymbol, chainID)
	}

	nonceBytes := make([]byte, 32)
	if _, err := rand.Read(nonceBytes); err != nil {
		return X402Requirements{}, errors.Wrap(err, "generate nonce")
	}
	nonceKey := hex.EncodeToString(nonceBytes)

	now := time.Now()
	validAfter := now.Add(-x402ClockSkew)
	validBefore := now.Add(x402RequirementTTL)
	amount := centsToOnChain(amountCents, token.Decimals)

	f.mu.Lock()
	f.pruneExpiredLocked(now)
	f.pending[nonceKey] = x402Pending{customerID: customerID, payTo: payTo, amount: amount, expiresAt: validBefore}
	f.mu.Unlock()

	return X402Requirements{
		Network:     fmt.Sprintf("eip155:%d", chainID),
		Asset:       token.Address,
		PayTo:       payTo,
		Amount:      amount.String(),
		ValidAfter:  strconv.FormatInt(validAfter.Unix(), 10),
		ValidBefore: strconv.FormatInt(validBefore.Unix(), 10),
		Nonce:       "0x" + nonceKey,
	}, nil
}

// ClaimPending consumes the requirement issued for nonceHex, if any is still
// outstanding. A nonce claims at most once: whether the subsequent payment
// attempt succeeds or fails, the caller must request fresh requirements to
// retry, mirroring the token contract's own one-shot authorization nonces.
func (f *X402Facilitator) ClaimPending(nonceHex string) (uint64, string, *big.Int, bool) {
	key := strings.ToLower(strings.TrimPrefix(nonceHex, "0x"))

	f.mu.Lock()
	defer f.mu.Unlock()

	f.pruneExpiredLocked(time.Now())
	p, ok := f.pending[key]
	if !ok {
		return 0, "", nil, false
	}
	delete(f.pending, key)
	return p.customerID, p.payTo, p.amount, true
}

// pruneExpiredLocked drops stale requirements so the cache can't grow
// unbounded from issued-but-never-redeemed nonces. Caller holds f.mu.
func (f *X402Facilitator) pruneExpiredLocked(now time.Time) {
	for k, p := range f.pending {
		if now.After(p.expiresAt) {
			delete(f.pending, k)
		}
	}
}

// Verify checks an authorization's validity window, signature, and that it
// pays the expected recipient the expected amount, without submitting
// anything on chain.
func (f *X402Facilitator) Verify(chainID uint32, tokenSymbol string, auth X402Authorization, expectedPayTo string, expectedAmount *big.Int) error {
	cfg, token, err := f.resolve(chainID, tokenSymbol)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	validAfter, err := strconv.ParseInt(auth.ValidAfter, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid validAfter: %w", err)
	}
	validBefore, err := strconv.ParseInt(auth.ValidBefore, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid validBefore: %w", err)
	}
	if now < validAfter || now >= validBefore {
		return fmt.Errorf("authorization outside its validity window")
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return fmt.Errorf("invalid value")
	}
	if expectedAmount != nil && value.Cmp(expectedAmount) < 0 {
		return fmt.Errorf("authorized value %s below expected %s", value, expectedAmount)
	}
	if !strings.EqualFold(auth.To, expectedPayTo) {
		return fmt.Errorf("authorization payee %s does not match expected %s", auth.To, expectedPayTo)
	}

	digest, err := f.digest(cfg, token, auth, value, validAfter, validBefore)
	if err != nil {
		return err
	}

	sigBytes, err := decodeSignature(auth.Signature)
	if err != nil {
		return err
	}

	signer, err := sign.RecoverAddressFromHash(digest.Bytes(), sign.Signature(sigBytes))
	if err != nil {
		return errors.Wrap(err, "recover signer")
	}
	if !strings.EqualFold(signer.String(), auth.From) {
		return fmt.Errorf("signature does not match claimed sender %s", auth.From)
	}

	return nil
}

// Settle submits the authorized transferWithAuthorization call on chain,
// paying the token's gas from the chain's admin wallet (the payer's wallet
// never needs native currency for an x402 payment).
func (f *X402Facilitator) Settle(ctx context.Context, chainID uint32, tokenSymbol string, auth X402Authorization) (string, error) {
	cfg, token, err := f.resolve(chainID, tokenSymbol)
	if err != nil {
		return "", err
	}

	adminKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.AdminPrivateKeyHex, "0x"))
	if err != nil {
		return "", errors.Wrap(err, "parse admin private key")
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return "", fmt.Errorf("invalid value")
	}
	validAfter, _ := strconv.ParseInt(auth.ValidAfter, 10, 64)
	validBefore, _ := strconv.ParseInt(auth.ValidBefore, 10, 64)

	sigBytes, err := decodeSignature(auth.Signature)
	if err != nil {
		return "", err
	}
	r := [32]byte{}
	s := [32]byte{}
	copy(r[:], sigBytes[0:32])
	copy(s[:], sigBytes[32:64])
	v := sigBytes[64]
	if v < 27 {
		v += 27
	}

	data := packTransferWithAuth(
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value,
		big.NewInt(validAfter),
		big.NewInt(validBefore),
		decodeNonce(auth.Nonce),
		v, r, s,
	)

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return "", errors.Wrap(err, "dial chain RPC")
	}
	defer client.Close()

	adminAddr := crypto.PubkeyToAddress(adminKey.PublicKey)
	nonce, err := client.PendingNonceAt(ctx, adminAddr)
	if err != nil {
		return "", errors.Wrap(err, "fetch pending nonce")
	}

	gasTipCap, gasFeeCap, err := suggestFees(ctx, client)
	if err != nil {
		return "", err
	}

	gasLimit, err := client.EstimateGas(ctx, buildX402CallMsg(adminAddr, token.Address, data))
	if err != nil {
		gasLimit = 150_000
	} else {
		gasLimit = gasLimit * 120 / 100
	}

	chainIDBig := new(big.Int).SetUint64(uint64(chainID))
	to := common.HexToAddress(token.Address)
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainIDBig,
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit,
		To:        &to,
		Data:      data,
	})

	signed, err := types.SignTx(tx, types.NewLondonSigner(chainIDBig), adminKey)
	if err != nil {
		return "", errors.Wrap(err, "sign settlement tx")
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return "", errors.Wrap(err, "submit settlement tx")
	}

	// The Deposit row is only written once this call returns, so it must not
	// return before the transfer has actually confirmed on chain.
	if _, err := waitMinedConfirmed(ctx, client, signed, 0); err != nil {
		return "", errors.Wrap(err, "wait for settlement tx")
	}

	return signed.Hash().Hex(), nil
}

func (f *X402Facilitator) resolve(chainID uint32, tokenSymbol string) (ChainConfig, TokenConfig, error) {
	cfg, ok := f.chains[chainID]
	if !ok {
		return ChainConfig{}, TokenConfig{}, fmt.Errorf("chain %d not configured", chainID)
	}
	token, ok := cfg.Tokens[tokenSymbol]
	if !ok {
		return ChainConfig{}, TokenConfig{}, fmt.Errorf("token %s not configured on chain %d", tokenSymbol, chainID)
	}
	return cfg, token, nil
}

// SymbolForAddress resolves the configured token symbol backing a contract
// address on a chain, used by the HTTP layer when a caller names a token by
// its on-chain address (e.g. in x402 payment_requirements.asset) instead of
// by symbol.
func (f *X402Facilitator) SymbolForAddress(chainID uint32, address string) (string, bool) {
	cfg, ok := f.chains[chainID]
	if !ok {
		return "", false
	}
	token, ok := cfg.TokenByAddress(address)
	if !ok {
		return "", false
	}
	return token.Symbol, true
}

// digest builds keccak256(0x19 0x01 || domainSeparator || structHash), the
// EIP-712 typed-data digest actually signed by the payer's wallet.
func (f *X402Facilitator) digest(cfg ChainConfig, token TokenConfig, auth X402Authorization, value *big.Int, validAfter, validBefore int64) (common.Hash, error) {
	domain := domainSeparator(auth.TokenName, auth.TokenVersion, cfg.ID, token.Address)
	structHash := authHash(
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value,
		big.NewInt(validAfter),
		big.NewInt(validBefore),
		decodeNonce(auth.Nonce),
	)

	buf := make([]byte, 0, 2+32+32)
	buf = append(buf, 0x19, 0x01)
	buf = append(buf, domain.Bytes()...)
	buf = append(buf, structHash.Bytes()...)
	return crypto.Keccak256Hash(buf), nil
}

func domainSeparator(name, version string, chainID uint32, contract string) common.Hash {
	buf := make([]byte, 0, 5*32)
	buf = append(buf, domainTypeHash.Bytes()...)
	buf = append(buf, crypto.Keccak256([]byte(name))...)
	buf = append(buf, crypto.Keccak256([]byte(version))...)
	buf = append(buf, pad32(new(big.Int).SetUint64(uint64(chainID)).Bytes())...)
	buf = append(buf, pad32(common.HexToAddress(contract).Bytes())...)
	return crypto.Keccak256Hash(buf)
}

func authHash(from, to common.Address, value, validAfter, validBefore *big.Int, nonce [32]byte) common.Hash {
	buf := make([]byte, 0, 6*32)
	buf = append(buf, authTypeHash.Bytes()...)
	buf = append(buf, pad32(from.Bytes())...)
	buf = append(buf, pad32(to.Bytes())...)
	buf = append(buf, pad32(value.Bytes())...)
	buf = append(buf, pad32(validAfter.Bytes())...)
	buf = append(buf, pad32(validBefore.Bytes())...)
	buf = append(buf, nonce[:]...)
	return crypto.Keccak256Hash(buf)
}

// packTransferWithAuth manually ABI-encodes the call to
// transferWithAuthorization(address,address,uint256,uint256,uint256,bytes32,uint8,bytes32,bytes32).
func packTransferWithAuth(from, to common.Address, value, validAfter, validBefore *big.Int, nonce [32]byte, v uint8, r, s [32]byte) []byte {
	data := make([]byte, 0, 4+9*32)
	data = append(data, transferWithAuthSelector...)
	data = append(data, pad32(from.Bytes())...)
	data = append(data, pad32(to.Bytes())...)
	data = append(data, pad32(value.Bytes())...)
	data = append(data, pad32(validAfter.Bytes())...)
	data = append(data, pad32(validBefore.Bytes())...)
	data = append(data, nonce[:]...)
	data = append(data, pad32([]byte{v})...)
	data = append(data, r[:]...)
	data = append(data, s[:]...)
	return data
}

func decodeSignature(hexSig string) ([]byte, error) {
	hexSig = strings.TrimPrefix(hexSig, "0x")
	b, err := hex.DecodeString(hexSig)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(b) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(b))
	}
	return b, nil
}

func decodeNonce(hexNonce string) [32]byte {
	hexNonce = strings.TrimPrefix(hexNonce, "0x")
	b, _ := hex.DecodeString(hexNonce)
	var out [32]byte
	if len(b) > 32 {
		b = b[len(b)-32:]
	}
	copy(out[32-len(b):], b)
	return out
}

func buildX402CallMsg(from common.Address, to string, data []byte) ethereum.CallMsg {
	toAddr := common.HexToAddress(to)
	return ethereum.CallMsg{From: from, To: &toAddr, Data: data}
}
