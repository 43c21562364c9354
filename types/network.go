package types

import "math/big"

// Network identifies a blockchain the facilitator can verify and settle on.
type Network string

const (
	NetworkSei         Network = "sei"
	NetworkSeiTestnet  Network = "sei-testnet"  // testnet
	NetworkKaia        Network = "kaia"
	NetworkKaiaKairos  Network = "kaia-kairos"  // testnet
	NetworkBaseSepolia Network = "base-sepolia" // testnet
)

// chainIDs maps every supported network to its EVM chain id.
var chainIDs = map[Network]int64{
	NetworkSei:         1329,
	NetworkSeiTestnet:  1328,
	NetworkKaia:        8217,
	NetworkKaiaKairos:  1001,
	NetworkBaseSepolia: 84532,
}

// SupportedNetworks returns the closed set of networks this library knows.
func SupportedNetworks() []Network {
	return []Network{
		NetworkSei,
		NetworkSeiTestnet,
		NetworkKaia,
		NetworkKaiaKairos,
		NetworkBaseSepolia,
	}
}

// IsSupported reports whether n is a member of the closed network enum.
func (n Network) IsSupported() bool {
	_, ok := chainIDs[n]
	return ok
}

func (n Network) IsTestnet() bool {
	return n == NetworkSeiTestnet || n == NetworkKaiaKairos || n == NetworkBaseSepolia
}

// ChainID returns the EVM chain id for the network, or nil if unsupported.
func (n Network) ChainID() *big.Int {
	id, ok := chainIDs[n]
	if !ok {
		return nil
	}
	return big.NewInt(id)
}

func (n Network) String() string {
	return string(n)
}
