package id

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/defi-sentinel/internal/errors"
)

var (
	eip155ChainPattern    = regexp.MustCompile(`^eip155:[0-9]+$`)
	solanaChainPattern    = regexp.MustCompile(`^solana:[1-9A-HJ-NP-Za-km-z]{32,44}$`)
	solanaAddressPattern  = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)
	tokenIdentifierSpaces = regexp.MustCompile(`\s`)
)

const (
	solanaMainnetRef = "5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	solanaDevnetRef  = "EtWTRABZaYq6iMfeYKouRu166VU2xqa1"
)

const (
	solanaMainnetCAIP2 = "solana:" + solanaMainnetRef
	solanaDevnetCAIP2  = "solana:" + solanaDevnetRef
)

type Chain struct {
	Name       string
	Slug       string
	CAIP2      string
	EVMChainID int64
}

func (c Chain) Namespace() string {
	return chainNamespace(c.CAIP2)
}

func (c Chain) IsEVM() bool {
	return c.Namespace() == "eip155"
}

func (c Chain) IsSolana() bool {
	return c.Namespace() == "solana"
}

var chainBySlug = map[string]Chain{
	"ethereum":       {Name: "Ethereum", Slug: "ethereum", CAIP2: "eip155:1", EVMChainID: 1},
	"mainnet":        {Name: "Ethereum", Slug: "ethereum", CAIP2: "eip155:1", EVMChainID: 1},
	"base":           {Name: "Base", Slug: "base", CAIP2: "eip155:8453", EVMChainID: 8453},
	"arbitrum":       {Name: "Arbitrum", Slug: "arbitrum", CAIP2: "eip155:42161", EVMChainID: 42161},
	"optimism":       {Name: "Optimism", Slug: "optimism", CAIP2: "eip155:10", EVMChainID: 10},
	"polygon":        {Name: "Polygon", Slug: "polygon", CAIP2: "eip155:137", EVMChainID: 137},
	"avalanche":      {Name: "Avalanche", Slug: "avalanche", CAIP2: "eip155:43114", EVMChainID: 43114},
	"bsc":            {Name: "BSC", Slug: "bsc", CAIP2: "eip155:56", EVMChainID: 56},
	"taiko":          {Name: "Taiko", Slug: "taiko", CAIP2: "eip155:167000", EVMChainID: 167000},
	"solana":         {Name: "Solana", Slug: "solana", CAIP2: solanaMainnetCAIP2},
	"solana-mainnet": {Name: "Solana", Slug: "solana", CAIP2: solanaMainnetCAIP2},
	"solana-devnet":  {Name: "Solana Devnet", Slug: "solana-devnet", CAIP2: solanaDevnetCAIP2},
}

var chainByID = map[int64]Chain{
	1:      chainBySlug["ethereum"],
	10:     chainBySlug["optimism"],
	56:     chainBySlug["bsc"],
	137:    chainBySlug["polygon"],
	8453:   chainBySlug["base"],
	42161:  chainBySlug["arbitrum"],
	43114:  chainBySlug["avalanche"],
	167000: chainBySlug["taiko"],
}

var chainByCAIP2 = func() map[string]Chain {
	out := make(map[string]Chain, len(chainBySlug))
	for _, chain := range chainBySlug {
		out[chain.CAIP2] = chain
	}
	return out
}()

func ParseChain(input string) (Chain, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return Chain{}, clierr.New(clierr.CodeInvalidPayload, "chain is required")
	}
	norm := strings.ToLower(raw)

	if chain, ok := chainBySlug[norm]; ok {
		return chain, nil
	}

	if eip155ChainPattern.MatchString(norm) {
		parts := strings.Split(norm, ":")
		id, _ := strconv.ParseInt(parts[1], 10, 64)
		if known, ok := chainByID[id]; ok {
			return known, nil
		}
		return Chain{Name: fmt.Sprintf("EVM-%d", id), Slug: fmt.Sprintf("evm-%d", id), CAIP2: norm, EVMChainID: id}, nil
	}

	if solanaChainPattern.MatchString(raw) {
		if known, ok := chainByCAIP2[raw]; ok {
			return known, nil
		}
		return Chain{Name: "Solana", Slug: "solana-custom", CAIP2: raw}, nil
	}

	if id, err := strconv.ParseInt(norm, 10, 64); err == nil && id > 0 {
		if chain, ok := chainByID[id]; ok {
			return chain, nil
		}
		return Chain{Name: fmt.Sprintf("EVM-%d", id), Slug: fmt.Sprintf("evm-%d", id), CAIP2: fmt.Sprintf("eip155:%d", id), EVMChainID: id}, nil
	}

	return Chain{}, clierr.New(clierr.CodeInvalidPayload, fmt.Sprintf("unsupported chain input: %s", input))
}

// NormalizeWallet validates a trading wallet for chain and returns its
// canonical form (EIP-55 checksum for EVM chains). Wallet addresses key the
// risk counters, so two spellings of one address must normalize identically.
func NormalizeWallet(chain Chain, wallet string) (string, error) {
	raw := strings.TrimSpace(wallet)
	if raw == "" {
		return "", clierr.New(clierr.CodeInvalidPayload, "wallet is required for auto-executing triggers")
	}
	switch {
	case chain.IsEVM():
		if !common.IsHexAddress(raw) {
			return "", clierr.New(clierr.CodeInvalidPayload, fmt.Sprintf("invalid EVM wallet address: %s", wallet))
		}
		addr := common.HexToAddress(raw)
		if addr == (common.Address{}) {
			return "", clierr.New(clierr.CodeInvalidPayload, "wallet cannot be the zero address")
		}
		return addr.Hex(), nil
	case chain.IsSolana():
		if !solanaAddressPattern.MatchString(raw) {
			return "", clierr.New(clierr.CodeInvalidPayload, fmt.Sprintf("invalid Solana wallet address: %s", wallet))
		}
		return raw, nil
	default:
		return raw, nil
	}
}

// NormalizeToken trims a price-oracle token identifier such as
// "coingecko:ethereum" or "base:0x...". Symbol resolution happens upstream.
func NormalizeToken(token string) (string, error) {
	raw := strings.TrimSpace(token)
	if raw == "" {
		return "", clierr.New(clierr.CodeInvalidPayload, "token is required")
	}
	if tokenIdentifierSpaces.MatchString(raw) {
		return "", clierr.New(clierr.CodeInvalidPayload, fmt.Sprintf("token identifier must not contain whitespace: %q", token))
	}
	return raw, nil
}

func chainNamespace(caip2 string) string {
	parts := strings.SplitN(strings.TrimSpace(caip2), ":", 2)
	if len(parts) != 2 {
		return ""
	}
	return strings.ToLower(parts[0])
}
