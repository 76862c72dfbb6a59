package ledger

import (
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const (
	MethodDeposit          = "deposit"
	MethodClaimPrizes      = "claimPrizes"
	MethodWithdrawDeposits = "withdrawDeposits"
)

// poolABIJSON covers the pool calls the watcher submits. The legacy and the
// multi-token pool share these signatures.
const poolABIJSON = `[
  {
    "inputs": [],
    "name": "deposit",
    "outputs": [],
    "stateMutability": "payable",
    "type": "function"
  },
  {
    "inputs": [
      {"components": [
        {"internalType": "uint256", "name": "roundId", "type": "uint256"},
        {"internalType": "uint256[]", "name": "depositIndices", "type": "uint256[]"}
      ], "internalType": "struct IPool.WithdrawalCalldata", "name": "withdrawalCalldata", "type": "tuple"}
    ],
    "name": "claimPrizes",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [
      {"components": [
        {"internalType": "uint256", "name": "roundId", "type": "uint256"},
        {"internalType": "uint256[]", "name": "depositIndices", "type": "uint256[]"}
      ], "internalType": "struct IPool.WithdrawalCalldata", "name": "withdrawalCalldata", "type": "tuple"}
    ],
    "name": "withdrawDeposits",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  }
]`

var (
	poolABI     abi.ABI
	poolABIOnce sync.Once
	poolABIErr  error
)

// PoolABI returns the parsed pool ABI.
func PoolABI() (abi.ABI, error) {
	poolABIOnce.Do(func() {
		poolABI, poolABIErr = abi.JSON(strings.NewReader(poolABIJSON))
	})
	return poolABI, poolABIErr
}

// WithdrawalCalldata is the tuple argument of claimPrizes and
// withdrawDeposits. Field names follow the ABI component names.
type WithdrawalCalldata struct {
	RoundId        *big.Int
	DepositIndices []*big.Int
}

func newWithdrawalCalldata(roundID *big.Int, indices []uint64) WithdrawalCalldata {
	out := WithdrawalCalldata{
		RoundId:        roundID,
		DepositIndices: make([]*big.Int, len(indices)),
	}
	for i, idx := range indices {
		out.DepositIndices[i] = new(big.Int).SetUint64(idx)
	}
	return out
}
