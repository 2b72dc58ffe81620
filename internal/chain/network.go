package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const (
	ChainIDBase        int64 = 8453
	ChainIDBaseSepolia int64 = 84532
)

// Network is the chain identity an agent runs against. It is resolved once
// at startup and passed to every component that needs it.
type Network struct {
	ChainID *big.Int
	// Name is the payment-protocol network identifier ("base", "base-sepolia").
	Name    string
	USDC    common.Address
	RPCURLs []string
}

func (n Network) String() string {
	return fmt.Sprintf("%s (chain %s)", n.Name, n.ChainID)
}

// ResolveNetwork fills in the known defaults for Base and Base Sepolia. Other
// chains must supply the USDC address, a name and at least one RPC URL.
func ResolveNetwork(chainID int64, name, usdc string, rpcs []string) (Network, error) {
	if chainID <= 0 {
		return Network{}, fmt.Errorf("invalid chain id %d", chainID)
	}
	n := Network{ChainID: big.NewInt(chainID), Name: strings.TrimSpace(name)}
	var defaultUSDC, defaultName, defaultRPC string
	switch chainID {
	case ChainIDBase:
		defaultUSDC = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
		defaultName = "base"
		defaultRPC = "https://mainnet.base.org"
	case ChainIDBaseSepolia:
		defaultUSDC = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
		defaultName = "base-sepolia"
		defaultRPC = "https://sepolia.base.org"
	}

	usdc = strings.TrimSpace(usdc)
	if usdc == "" {
		usdc = defaultUSDC
	}
	if usdc == "" {
		return Network{}, fmt.Errorf("chain %d has no known USDC address; set usdc_address", chainID)
	}
	if !common.IsHexAddress(usdc) {
		return Network{}, fmt.Errorf("invalid USDC address %q", usdc)
	}
	n.USDC = common.HexToAddress(usdc)

	if n.Name == "" {
		n.Name = defaultName
	}
	if n.Name == "" {
		return Network{}, fmt.Errorf("chain %d has no known network name; set network", chainID)
	}

	for _, rpc := range rpcs {
		if rpc = strings.TrimSpace(rpc); rpc != "" {
			n.RPCURLs = append(n.RPCURLs, rpc)
		}
	}
	if len(n.RPCURLs) == 0 && defaultRPC != "" {
		n.RPCURLs = []string{defaultRPC}
	}
	if len(n.RPCURLs) == 0 {
		return Network{}, fmt.Errorf("chain %d requires at least one rpc url", chainID)
	}
	return n, nil
}
