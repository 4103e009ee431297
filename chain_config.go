package main

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/ethclient"
)

const checkChainIdCallTimeout = 5 * time.Second

var contractAddressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// scannerFile is the root of the SCANNER_CONFIG TOML document:
//
//	[[chains]]
//	chain_type = "evm"
//	chain_name = "base"
//	id = 8453
//	rpc_url = "https://..."
//	latency = 12
//	estimation = 15
//	commission = 5
//	commission_min = 50
//	commission_max = 200
//	admin = "0x..."
//
//	[chains.tokens]
//	USDT = { address = "0x...", decimals = 6 }
type scannerFile struct {
	Chains []chainFile `toml:"chains"`
}

type chainFile struct {
	ChainType     string               `toml:"chain_type"`
	ChainName     string               `toml:"chain_name"`
	ID            uint32               `toml:"id"`
	Disabled      bool                 `toml:"disabled"`
	RPCURL        string               `toml:"rpc_url"`
	Latency       uint64               `toml:"latency"`
	Estimation    uint64               `toml:"estimation"`
	Commission    float64              `toml:"commission"`
	CommissionMin int64                `toml:"commission_min"`
	CommissionMax int64                `toml:"commission_max"`
	Admin         string               `toml:"admin"`
	BlockStep     uint64               `toml:"block_step"`
	Tokens        map[string]tokenFile `toml:"tokens"`
}

type tokenFile struct {
	Address  string `toml:"address"`
	Decimals uint8  `toml:"decimals"`
}

// TokenConfig is a resolved, validated token entry for one chain.
type TokenConfig struct {
	Symbol   string
	Address  string
	Decimals uint8
}

// ChainConfig is the in-memory, runtime-immutable configuration for one
// configured chain. AdminPrivateKeyHex is kept only here, never persisted.
type ChainConfig struct {
	ChainType          string
	ChainName          string
	ID                 uint32
	RPCURL             string
	Latency            uint64
	Estimation         uint64
	Commission         float64
	CommissionMin      int64
	CommissionMax      int64
	AdminPrivateKeyHex string
	BlockStep          uint64
	Tokens             map[string]TokenConfig // symbol -> token
}

func (c ChainConfig) TokenByAddress(address string) (TokenConfig, bool) {
	for _, t := range c.Tokens {
		if strings.EqualFold(t.Address, address) {
			return t, true
		}
	}
	return TokenConfig{}, false
}

const defaultBlockStep = uint64(2000)

// LoadScannerConfig reads and validates SCANNER_CONFIG, returning enabled
// chains keyed by chain ID, mirroring the teacher's LoadBlockchains/getEnabled
// pattern but sourced from TOML instead of YAML.
func LoadScannerConfig(path string) (map[uint32]ChainConfig, error) {
	var doc scannerFile
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("decode scanner config: %w", err)
	}

	enabled := make(map[uint32]ChainConfig)
	for _, c := range doc.Chains {
		if c.Disabled {
			continue
		}

		if c.ChainType != "evm" {
			return nil, fmt.Errorf("unsupported chain_type %q for chain %q", c.ChainType, c.ChainName)
		}
		if c.Admin == "" {
			return nil, fmt.Errorf("missing admin private key for chain %q", c.ChainName)
		}
		if c.BlockStep == 0 {
			c.BlockStep = defaultBlockStep
		}

		tokens := make(map[string]TokenConfig, len(c.Tokens))
		for symbol, t := range c.Tokens {
			if !contractAddressRegex.MatchString(t.Address) {
				return nil, fmt.Errorf("invalid token address %q for %s on chain %q", t.Address, symbol, c.ChainName)
			}
			tokens[symbol] = TokenConfig{Symbol: symbol, Address: t.Address, Decimals: t.Decimals}
		}

		enabled[c.ID] = ChainConfig{
			ChainType:          c.ChainType,
			ChainName:          c.ChainName,
			ID:                 c.ID,
			RPCURL:             c.RPCURL,
			Latency:            c.Latency,
			Estimation:         c.Estimation,
			Commission:         c.Commission,
			CommissionMin:      c.CommissionMin,
			CommissionMax:      c.CommissionMax,
			AdminPrivateKeyHex: c.Admin,
			BlockStep:          c.BlockStep,
			Tokens:             tokens,
		}
	}

	return enabled, nil
}

// VerifyChainID connects to the chain's RPC and confirms it reports the
// expected chain ID, same check as the teacher's checkChainId.
func VerifyChainID(rpcURL string, expected uint32) error {
	ctx, cancel := context.WithTimeout(context.Background(), checkChainIdCallTimeout)
	defer cancel()

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return fmt.Errorf("failed to connect to blockchain RPC: %w", err)
	}
	defer client.Close()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to get chain ID from blockchain RPC: %w", err)
	}

	if uint32(chainID.Uint64()) != expected {
		return fmt.Errorf("unexpected chain ID from blockchain RPC: got %d, want %d", chainID.Uint64(), expected)
	}

	return nil
}

// ClampCommission computes clamp(amount*pct/100, min, max).
func ClampCommission(amountCents int64, pct float64, min, max int64) int64 {
	c := int64(float64(amountCents) * pct / 100.0)
	if c < min {
		c = min
	}
	if c > max {
		c = max
	}
	return c
}
