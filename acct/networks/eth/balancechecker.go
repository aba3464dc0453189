// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package eth

import (
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const balancesMethod = "balances"

// singleCallBalancesABI is the ABI of the deployed single-call balance
// checkers. The native coin is requested with the zero token address.
const singleCallBalancesABI = `[{"constant":true,"inputs":[{"name":"users","type":"address[]"},{"name":"tokens","type":"address[]"}],"name":"balances","outputs":[{"name":"","type":"uint256[]"}],"payable":false,"stateMutability":"view","type":"function"}]`

// existsTupleBalancesABI is the variant used by chains whose checker reports
// whether each account exists alongside its balance.
const existsTupleBalancesABI = `[{"constant":true,"inputs":[{"name":"users","type":"address[]"},{"name":"tokens","type":"address[]"}],"name":"balances","outputs":[{"components":[{"name":"exists","type":"bool"},{"name":"balance","type":"uint256"}],"name":"","type":"tuple[]"}],"payable":false,"stateMutability":"view","type":"function"}]`

var (
	checkerABI      = mustParseABI(singleCallBalancesABI)
	existsTupleABI  = mustParseABI(existsTupleBalancesABI)
	nativeTokenAddr = common.Address{}
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("error parsing balance checker ABI: %v", err))
	}
	return parsed
}

// PackBalances encodes the call data for a native-coin balances query for the
// users. Both checker encodings share the same input signature.
func PackBalances(users []common.Address) ([]byte, error) {
	return checkerABI.Pack(balancesMethod, users, []common.Address{nativeTokenAddr})
}

// UnpackBalances decodes the return data of a balances call for n users. The
// returned slice always has length n. Entries that are missing from the
// response, or that the exists-tuple encoding flags as non-existent, are nil.
func UnpackBalances(kind CheckerKind, data []byte, n int) ([]*big.Int, error) {
	bals := make([]*big.Int, n)
	switch kind {
	case CheckerUint256Array:
		out, err := checkerABI.Unpack(balancesMethod, data)
		if err != nil {
			return nil, fmt.Errorf("error unpacking balances: %w", err)
		}
		if len(out) != 1 {
			return nil, fmt.Errorf("expected 1 return value, got %d", len(out))
		}
		vs, ok := out[0].([]*big.Int)
		if !ok {
			return nil, fmt.Errorf("unexpected balances type %T", out[0])
		}
		for i := 0; i < n && i < len(vs); i++ {
			bals[i] = vs[i]
		}
	case CheckerExistsTuple:
		out, err := existsTupleABI.Unpack(balancesMethod, data)
		if err != nil {
			return nil, fmt.Errorf("error unpacking balance tuples: %w", err)
		}
		if len(out) != 1 {
			return nil, fmt.Errorf("expected 1 return value, got %d", len(out))
		}
		// The abi package decodes the tuple into an anonymous struct type.
		entries := reflect.ValueOf(out[0])
		if entries.Kind() != reflect.Slice {
			return nil, fmt.Errorf("unexpected balance tuples type %T", out[0])
		}
		for i := 0; i < n && i < entries.Len(); i++ {
			entry := entries.Index(i)
			exists, bal := entry.FieldByName("Exists"), entry.FieldByName("Balance")
			if !exists.IsValid() || !bal.IsValid() {
				return nil, fmt.Errorf("malformed balance tuple %v", entry.Interface())
			}
			if !exists.Bool() {
				continue
			}
			if b, ok := bal.Interface().(*big.Int); ok {
				bals[i] = b
			}
		}
	default:
		return nil, fmt.Errorf("unknown balance checker kind %d", kind)
	}
	return bals, nil
}

// EncodeBalanceHex encodes the balance as an even-length, 0x-prefixed hex
// string, e.g. 0x0186a0.
func EncodeBalanceHex(b *big.Int) string {
	h := b.Text(16)
	if len(h)%2 == 1 {
		h = "0" + h
	}
	return "0x" + h
}

// EncodeBalanceRPC encodes the balance the way eth_getBalance reports it.
func EncodeBalanceRPC(b *big.Int) string {
	return hexutil.EncodeBig(b)
}
