package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const stateAnchorABI = `[
	{"name":"anchorState","type":"function","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"tick","type":"uint256"},
		{"name":"stateHash","type":"string"},
		{"name":"aliveAgents","type":"uint256"}],
	 "outputs":[]}
]`

const anchorGasLimit = 200000

// StateAnchor submits world state hashes to the anchor contract, signed
// by the oracle key. Every failure is logged and swallowed: anchoring is
// attestation, not a dependency of the simulation.
type StateAnchor struct {
	rpcURL   string
	contract common.Address
	abi      abi.ABI
	key      *ecdsa.PrivateKey
	from     common.Address
}

// NewStateAnchor builds an anchor sink from the oracle's hex private key.
func NewStateAnchor(rpcURL, contractAddr, oracleKeyHex string) (*StateAnchor, error) {
	parsed, err := abi.JSON(strings.NewReader(stateAnchorABI))
	if err != nil {
		return nil, fmt.Errorf("parse state anchor abi: %w", err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(oracleKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse oracle key: %w", err)
	}
	return &StateAnchor{
		rpcURL:   rpcURL,
		contract: common.HexToAddress(contractAddr),
		abi:      parsed,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// AnchorState sends one anchorState transaction. Returns whether the
// transaction made it into the mempool.
func (a *StateAnchor) AnchorState(ctx context.Context, tick int, stateHash string, aliveAgents int) bool {
	client, err := ethclient.DialContext(ctx, a.rpcURL)
	if err != nil {
		slog.Warn("anchor: dial rpc", "error", err)
		return false
	}
	defer client.Close()

	data, err := a.abi.Pack("anchorState", big.NewInt(int64(tick)), stateHash, big.NewInt(int64(aliveAgents)))
	if err != nil {
		slog.Warn("anchor: pack calldata", "error", err)
		return false
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		slog.Warn("anchor: chain id", "error", err)
		return false
	}
	nonce, err := client.PendingNonceAt(ctx, a.from)
	if err != nil {
		slog.Warn("anchor: pending nonce", "error", err)
		return false
	}
	tip, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		slog.Warn("anchor: gas tip", "error", err)
		return false
	}
	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		slog.Warn("anchor: chain head", "error", err)
		return false
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(baseFee, big.NewInt(2)))

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       anchorGasLimit,
		To:        &a.contract,
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), a.key)
	if err != nil {
		slog.Warn("anchor: sign tx", "error", err)
		return false
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		slog.Warn("anchor: send tx", "tick", tick, "error", err)
		return false
	}

	slog.Info("state anchored on chain", "tick", tick, "tx", signed.Hash().Hex())
	return true
}
