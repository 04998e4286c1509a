// Package chain talks to the EVM contracts backing the simulation: the
// entry fee contract consulted before admission, and the state anchor
// contract that notarizes periodic world hashes.
package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrRPCUnreachable wraps any transport failure talking to the RPC node,
// so the gate can map it to a 502 instead of a payment rejection.
var ErrRPCUnreachable = errors.New("chain rpc unreachable")

const entryFeeABI = `[
	{"name":"getAgentByTxRef","type":"function","stateMutability":"view",
	 "inputs":[{"name":"txRef","type":"string"}],
	 "outputs":[{"name":"","type":"address"}]},
	{"name":"hasAgentPaid","type":"function","stateMutability":"view",
	 "inputs":[{"name":"agent","type":"address"}],
	 "outputs":[{"name":"","type":"bool"}]}
]`

// EntryFeeVerifier checks entry payments against the fee contract.
type EntryFeeVerifier struct {
	rpcURL   string
	contract common.Address
	abi      abi.ABI
}

// NewEntryFeeVerifier builds a verifier for the fee contract at address.
func NewEntryFeeVerifier(rpcURL, contractAddr string) (*EntryFeeVerifier, error) {
	parsed, err := abi.JSON(strings.NewReader(entryFeeABI))
	if err != nil {
		return nil, fmt.Errorf("parse entry fee abi: %w", err)
	}
	return &EntryFeeVerifier{
		rpcURL:   rpcURL,
		contract: common.HexToAddress(contractAddr),
		abi:      parsed,
	}, nil
}

// VerifyPayment resolves txRef to the paying address and confirms the fee
// was paid. A false return with nil error means the chain answered and the
// payment is missing or unattributed.
func (v *EntryFeeVerifier) VerifyPayment(ctx context.Context, txRef, agentAddress string) (bool, error) {
	client, err := ethclient.DialContext(ctx, v.rpcURL)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRPCUnreachable, err)
	}
	defer client.Close()

	payer, err := v.agentByTxRef(ctx, client, txRef)
	if err != nil {
		return false, err
	}
	if payer == (common.Address{}) {
		return false, nil
	}
	if agentAddress != "" && payer != common.HexToAddress(agentAddress) {
		return false, nil
	}
	return v.hasAgentPaid(ctx, client, payer)
}

func (v *EntryFeeVerifier) agentByTxRef(ctx context.Context, client *ethclient.Client, txRef string) (common.Address, error) {
	data, err := v.abi.Pack("getAgentByTxRef", txRef)
	if err != nil {
		return common.Address{}, fmt.Errorf("pack getAgentByTxRef: %w", err)
	}
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &v.contract, Data: data}, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrRPCUnreachable, err)
	}

	var addr common.Address
	if err := v.abi.UnpackIntoInterface(&addr, "getAgentByTxRef", out); err != nil {
		return common.Address{}, fmt.Errorf("decode getAgentByTxRef: %w", err)
	}
	return addr, nil
}

func (v *EntryFeeVerifier) hasAgentPaid(ctx context.Context, client *ethclient.Client, agent common.Address) (bool, error) {
	data, err := v.abi.Pack("hasAgentPaid", agent)
	if err != nil {
		return false, fmt.Errorf("pack hasAgentPaid: %w", err)
	}
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &v.contract, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRPCUnreachable, err)
	}

	var paid bool
	if err := v.abi.UnpackIntoInterface(&paid, "hasAgentPaid", out); err != nil {
		return false, fmt.Errorf("decode hasAgentPaid: %w", err)
	}
	return paid, nil
}
