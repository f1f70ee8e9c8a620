package x402

import "strings"

// NetworkFamily groups networks that build payment requirements the same way.
type NetworkFamily int

const (
	// FamilyUnknown is returned for networks the gateway cannot price.
	FamilyUnknown NetworkFamily = iota

	// FamilyEVM networks sign EIP-3009 authorizations against an EIP-712 domain.
	FamilyEVM

	// FamilySVM networks need a facilitator-provided fee payer.
	FamilySVM
)

func (f NetworkFamily) String() string {
	switch f {
	case FamilyEVM:
		return "evm"
	case FamilySVM:
		return "svm"
	default:
		return "unknown"
	}
}

// EIP712Domain holds the token's structured-signing domain fields.
type EIP712Domain struct {
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`
}

// AssetInfo describes the token a price is paid in.
type AssetInfo struct {
	Address  string        `yaml:"address" json:"address"`
	Decimals int           `yaml:"decimals" json:"decimals"`
	EIP712   *EIP712Domain `yaml:"eip712" json:"eip712,omitempty"`
}

// NetworkInfo describes a supported network and its default stablecoin.
type NetworkInfo struct {
	Name   string
	CAIP2  string
	Family NetworkFamily
	USDC   AssetInfo
}

var knownNetworks = []NetworkInfo{
	evmNetwork("base", "eip155:8453", "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", "USD Coin"),
	evmNetwork("base-sepolia", "eip155:84532", "0x036CbD53842c5426634e7929541eC2318f3dCF7e", "USDC"),
	evmNetwork("avalanche", "eip155:43114", "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E", "USD Coin"),
	evmNetwork("avalanche-fuji", "eip155:43113", "0x5425890298aed601595a70AB815c96711a31Bc65", "USD Coin"),
	evmNetwork("polygon", "eip155:137", "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359", "USD Coin"),
	evmNetwork("polygon-amoy", "eip155:80002", "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582", "USDC"),
	evmNetwork("iotex", "eip155:4689", "0xcdf79194c6c285077a58da47641d4dbe51f63542", "Bridged USDC"),
	evmNetwork("sei", "eip155:1329", "0xe15fC38F6D8c56aF07bbCBe3BAf5708A2Bf42392", "USDC"),
	evmNetwork("sei-testnet", "eip155:1328", "0x4fCF1784B31630811181f670Aea7A7bEF803eaED", "USDC"),
	svmNetwork("solana", "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp", "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"),
	svmNetwork("solana-devnet", "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1", "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"),
}

func evmNetwork(name, caip2, usdc, tokenName string) NetworkInfo {
	return NetworkInfo{
		Name:   name,
		CAIP2:  caip2,
		Family: FamilyEVM,
		USDC: AssetInfo{
			Address:  usdc,
			Decimals: 6,
			EIP712:   &EIP712Domain{Name: tokenName, Version: "2"},
		},
	}
}

func svmNetwork(name, caip2, mint string) NetworkInfo {
	return NetworkInfo{
		Name:   name,
		CAIP2:  caip2,
		Family: FamilySVM,
		USDC:   AssetInfo{Address: mint, Decimals: 6},
	}
}

// LookupNetwork resolves a network by its short name ("base-sepolia") or
// its CAIP-2 identifier ("eip155:84532").
func LookupNetwork(network string) (NetworkInfo, bool) {
	for _, n := range knownNetworks {
		if strings.EqualFold(n.Name, network) || n.CAIP2 == network {
			return n, true
		}
	}
	return NetworkInfo{}, false
}

// FamilyOf returns the family of network, FamilyUnknown if it is not supported.
func FamilyOf(network string) NetworkFamily {
	n, ok := LookupNetwork(network)
	if !ok {
		return FamilyUnknown
	}
	return n.Family
}
