// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package eth

import (
	"fmt"
	"math/big"
	"net"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// These are the hex chain IDs of the networks with a deployed balance checker.
const (
	MainnetChainID   = "0x1"
	GoerliChainID    = "0x5"
	SepoliaChainID   = "0xaa36a7"
	OptimismChainID  = "0xa"
	BSCChainID       = "0x38"
	PolygonChainID   = "0x89"
	FantomChainID    = "0xfa"
	ArbitrumChainID  = "0xa4b1"
	AvalancheChainID = "0xa86a"
	LineaChainID     = "0xe708"
	LocalhostChainID = "0x539" // 1337
)

// CheckerKind identifies the return encoding of a chain's balance checker
// contract.
type CheckerKind uint8

const (
	// CheckerUint256Array contracts return a uint256[] of balances, one per
	// requested user.
	CheckerUint256Array CheckerKind = iota
	// CheckerExistsTuple contracts return (bool exists, uint256 balance)[].
	CheckerExistsTuple
)

// String returns the config name of the checker kind.
func (k CheckerKind) String() string {
	switch k {
	case CheckerUint256Array:
		return "uint256"
	case CheckerExistsTuple:
		return "exists"
	}
	return "unknown"
}

// ParseCheckerKind parses the config name of a checker kind. An empty string
// is the default uint256[] encoding.
func ParseCheckerKind(s string) (CheckerKind, error) {
	switch strings.ToLower(s) {
	case "", "uint256":
		return CheckerUint256Array, nil
	case "exists":
		return CheckerExistsTuple, nil
	}
	return 0, fmt.Errorf("unknown balance checker encoding %q", s)
}

var (
	// BalanceCheckerAddresses are the single-call balance contract addresses,
	// keyed by hex chain ID.
	BalanceCheckerAddresses = map[string]common.Address{
		MainnetChainID:   common.HexToAddress("0xb1f8e55c7f64d203c1400b9d8555d050f94adf39"),
		GoerliChainID:    common.HexToAddress("0x9788C4E93f9002a7ad8e72633b11E8d1ecd51f9b"),
		SepoliaChainID:   common.HexToAddress("0xBfbCed302deD369855fc5f7668356e123ca4B329"),
		OptimismChainID:  common.HexToAddress("0xB1c568e9C3E6bdaf755A60c7418C269eb11524FC"),
		BSCChainID:       common.HexToAddress("0x2352c63A83f9Fd126af8676146721Fa00924d7e4"),
		PolygonChainID:   common.HexToAddress("0x2352c63A83f9Fd126af8676146721Fa00924d7e4"),
		FantomChainID:    common.HexToAddress("0x07f697424ABe762bB808c109860c04eA488ff92B"),
		ArbitrumChainID:  common.HexToAddress("0x151E24A486D7258dd7C33Fb67E4bB01919B7B32c"),
		AvalancheChainID: common.HexToAddress("0xD023D153a0DFa485130ECFdE2FAA7e612EF94818"),
		LineaChainID:     common.HexToAddress("0xF62e6a41561b3650a69Bb03199C735e3E3328c0D"),
	}

	// CheckerKinds overrides the return encoding for chains whose checker
	// does not return a plain uint256[].
	CheckerKinds = map[string]CheckerKind{}
)

// BalanceChecker returns the balance checker address and encoding for the
// chain, if one is deployed.
func BalanceChecker(chainID string) (common.Address, CheckerKind, bool) {
	addr, found := BalanceCheckerAddresses[chainID]
	if !found {
		return common.Address{}, 0, false
	}
	return addr, CheckerKinds[chainID], true
}

// NormalizeChainID converts a decimal or 0x-prefixed hex chain ID into the
// canonical lower-case, 0x-prefixed hex form used as a state key.
func NormalizeChainID(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty chain ID")
	}
	var id *big.Int
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		b, ok := new(big.Int).SetString(s[2:], 16)
		if !ok {
			return "", fmt.Errorf("invalid hex chain ID %q", s)
		}
		id = b
	} else {
		b, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return "", fmt.Errorf("invalid chain ID %q", s)
		}
		id = b
	}
	if id.Sign() <= 0 {
		return "", fmt.Errorf("chain ID must be positive, got %q", s)
	}
	return hexutil.EncodeBig(id), nil
}

// IsLocalRPC is true if the RPC endpoint is a loopback address, which is
// assumed to be a development network without a balance checker.
func IsLocalRPC(rpcURL string) bool {
	if rpcURL == "" {
		return false
	}
	if strings.HasSuffix(rpcURL, ".ipc") {
		return true
	}
	u, err := url.Parse(rpcURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
