package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// PurchaseMethod is the contract entry point the agent calls.
const PurchaseMethod = "executePurchase"

// purchaseABI covers the agent-facing surface of the payment vault contract.
const purchaseABI = `[
  {"type":"function","name":"executePurchase","stateMutability":"nonpayable",
   "inputs":[
     {"name":"merchant","type":"address"},
     {"name":"amount","type":"uint256"},
     {"name":"purpose","type":"string"}],
   "outputs":[]}
]`

var parsedPurchaseABI = mustParseABI(purchaseABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("chain: parse purchase abi: %v", err))
	}
	return parsed
}

// PackPurchase encodes executePurchase(merchant, amount, purpose).
func PackPurchase(req TxRequest) ([]byte, error) {
	if req.AmountWei == nil || req.AmountWei.Sign() <= 0 {
		return nil, fmt.Errorf("chain: purchase amount must be positive")
	}
	data, err := parsedPurchaseABI.Pack(PurchaseMethod, req.Merchant, req.AmountWei, req.Purpose)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", PurchaseMethod, err)
	}
	return data, nil
}

// BuildTransaction turns req into an unsigned legacy transaction addressed to
// the contract. The payment itself is made by the contract, so no value is
// attached.
func BuildTransaction(req TxRequest) (*types.Transaction, error) {
	if req.GasPrice == nil {
		return nil, fmt.Errorf("chain: gas price is required")
	}
	if req.GasLimit == 0 {
		return nil, fmt.Errorf("chain: gas limit is required")
	}
	data, err := PackPurchase(req)
	if err != nil {
		return nil, err
	}
	contract := req.Contract
	return types.NewTx(&types.LegacyTx{
		Nonce:    req.Nonce,
		GasPrice: new(big.Int).Set(req.GasPrice),
		Gas:      req.GasLimit,
		To:       &contract,
		Value:    big.NewInt(0),
		Data:     data,
	}), nil
}

// PurchaseArgs is the decoded form of an executePurchase call.
type PurchaseArgs struct {
	Merchant  string
	AmountWei *big.Int
	Purpose   string
}

// UnpackPurchase decodes executePurchase calldata.
func UnpackPurchase(data []byte) (*PurchaseArgs, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("chain: calldata too short")
	}
	method, err := parsedPurchaseABI.MethodById(data[:4])
	if err != nil {
		return nil, fmt.Errorf("chain: unknown method: %w", err)
	}
	if method.Name != PurchaseMethod {
		return nil, fmt.Errorf("chain: unexpected method %s", method.Name)
	}
	values, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", PurchaseMethod, err)
	}
	if len(values) != 3 {
		return nil, fmt.Errorf("chain: expected 3 arguments, got %d", len(values))
	}
	args := &PurchaseArgs{}
	if addr, ok := values[0].(common.Address); ok {
		args.Merchant = addr.Hex()
	}
	args.AmountWei, _ = values[1].(*big.Int)
	args.Purpose, _ = values[2].(string)
	return args, nil
}
