package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ERC20 minimal ABI for transfer and balanceOf
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

// DefaultGasLimit for ERC20 transfers when estimation fails.
const DefaultGasLimit = uint64(100000)

// RPCClient abstracts the go-ethereum client for testing.
type RPCClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Config for the Ethereum-backed external ledger client.
type Config struct {
	RPCURL        string
	PrivateKey    string // Hex string, no 0x prefix
	ChainID       int64
	TokenContract string
}

// EthLedger implements Client against an ERC-20 token contract, with
// transfers signed by the platform custody wallet.
type EthLedger struct {
	client     RPCClient
	tokenABI   abi.ABI
	contract   common.Address
	address    common.Address
	privateKey *ecdsa.PrivateKey
	chainID    *big.Int
}

// Option configures the client.
type Option func(*EthLedger)

// WithRPCClient sets a custom RPC client (useful for testing).
func WithRPCClient(c RPCClient) Option {
	return func(e *EthLedger) { e.client = c }
}

// NewEthLedger creates an ERC-20 external ledger client.
func NewEthLedger(cfg Config, opts ...Option) (*EthLedger, error) {
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	e := &EthLedger{
		tokenABI:   parsedABI,
		contract:   common.HexToAddress(cfg.TokenContract),
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		privateKey: privateKey,
		chainID:    big.NewInt(cfg.ChainID),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to RPC: %w", err)
		}
		e.client = client
	}

	return e, nil
}

// CustodyAddress returns the platform hot wallet address.
func (e *EthLedger) CustodyAddress() string {
	return strings.ToLower(e.address.Hex())
}

// BalanceOf returns the token balance of an address in smallest units.
func (e *EthLedger) BalanceOf(ctx context.Context, address string) (*big.Int, error) {
	data, err := e.tokenABI.Pack("balanceOf", common.HexToAddress(address))
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}

	result, err := e.client.CallContract(ctx, ethereum.CallMsg{
		To:   &e.contract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call balanceOf: %w", err)
	}

	return new(big.Int).SetBytes(result), nil
}

// Transfer submits a token transfer from the custody wallet.
func (e *EthLedger) Transfer(ctx context.Context, toAddress string, amount *big.Int) (string, error) {
	data, err := e.tokenABI.Pack("transfer", common.HexToAddress(toAddress), amount)
	if err != nil {
		return "", fmt.Errorf("failed to pack transfer: %w", err)
	}

	nonce, err := e.client.PendingNonceAt(ctx, e.address)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}

	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get gas price: %w", err)
	}

	gasLimit, err := e.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  e.address,
		To:    &e.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, e.contract, big.NewInt(0), gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(e.chainID), e.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := e.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	return signedTx.Hash().Hex(), nil
}

// TransferStatus reports the current state of a submitted transfer.
// A transfer with no receipt yet is pending; a mined receipt with
// status 0 is failed.
func (e *EthLedger) TransferStatus(ctx context.Context, hash string) (TransferState, error) {
	receipt, err := e.client.TransactionReceipt(ctx, common.HexToHash(hash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return TransferPending, nil
		}
		return "", fmt.Errorf("failed to get receipt: %w", err)
	}

	if receipt.Status == 0 {
		return TransferFailed, nil
	}
	return TransferConfirmed, nil
}

// Close releases the underlying RPC connection.
func (e *EthLedger) Close() {
	if e.client != nil {
		e.client.Close()
	}
}

// Compile-time assertion that EthLedger implements Client.
var _ Client = (*EthLedger)(nil)
