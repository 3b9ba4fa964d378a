package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

const (
	methodStore  = "storePrescription"
	methodVerify = "verifyPrescription"
)

// EVMConfig carries everything needed to talk to the anchoring contract.
type EVMConfig struct {
	RPCURL          string
	PrivateKey      string
	ContractAddress string
	ABIPath         string
	Network         string
}

func (c EVMConfig) missing() []string {
	var m []string
	if c.RPCURL == "" {
		m = append(m, "LEDGER_RPC_URL")
	}
	if c.PrivateKey == "" {
		m = append(m, "LEDGER_PRIVATE_KEY")
	}
	if c.ContractAddress == "" {
		m = append(m, "LEDGER_CONTRACT_ADDRESS")
	}
	if c.ABIPath == "" {
		m = append(m, "LEDGER_ABI_PATH")
	}
	return m
}

// EVM anchors digests through a contract exposing storePrescription and
// verifyPrescription. The chain id is read on the first Anchor, so an RPC node
// that is down at startup only makes calls fail until it comes back.
type EVM struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	key      *ecdsa.PrivateKey
	store    abi.Method
	verify   abi.Method

	// txMu serialises transactions so nonces are assigned in order. It also
	// guards auth and network, which are filled in once the chain id is known.
	txMu    sync.Mutex
	auth    *bind.TransactOpts
	network string
}

// contractMethods is the validated part of the ABI.
type contractMethods struct {
	parsed abi.ABI
	store  abi.Method
	verify abi.Method
}

func parseContractABI(r io.Reader) (*contractMethods, error) {
	parsed, err := abi.JSON(r)
	if err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("parse abi: %w", err)}
	}
	store, ok := parsed.Methods[methodStore]
	if !ok || len(store.Inputs) != 1 {
		return nil, &ConfigError{Err: fmt.Errorf("abi lacks %s(digest)", methodStore)}
	}
	verify, ok := parsed.Methods[methodVerify]
	if !ok || len(verify.Inputs) != 1 || len(verify.Outputs) == 0 {
		return nil, &ConfigError{Err: fmt.Errorf("abi lacks %s(digest) returns (...)", methodVerify)}
	}
	for _, m := range []abi.Method{store, verify} {
		if !supportedDigestType(m.Inputs[0].Type) {
			return nil, &ConfigError{Err: fmt.Errorf("%s takes %s, want bytes32 or string", m.Name, m.Inputs[0].Type.String())}
		}
	}
	return &contractMethods{parsed: parsed, store: store, verify: verify}, nil
}

func parsePrivateKey(s string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, &ConfigError{Err: errors.New("malformed LEDGER_PRIVATE_KEY")}
	}
	return key, nil
}

// DialEVM validates cfg, connects to the RPC endpoint and binds the contract.
// Missing or malformed settings yield an error matching ErrUnconfigured.
func DialEVM(ctx context.Context, cfg EVMConfig) (*EVM, error) {
	if m := cfg.missing(); len(m) > 0 {
		return nil, &ConfigError{Missing: m}
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, &ConfigError{Err: fmt.Errorf("malformed LEDGER_CONTRACT_ADDRESS %q", cfg.ContractAddress)}
	}
	key, err := parsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(cfg.ABIPath)
	if err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("open abi: %w", err)}
	}
	defer f.Close()
	methods, err := parseContractABI(f)
	if err != nil {
		return nil, err
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("dial rpc: %w", err)}
	}

	addr := common.HexToAddress(cfg.ContractAddress)
	return &EVM{
		client:   client,
		contract: bind.NewBoundContract(addr, methods.parsed, client, client, client),
		key:      key,
		store:    methods.store,
		verify:   methods.verify,
		network:  cfg.Network,
	}, nil
}

// transactor returns signing options for the connected chain. Callers hold txMu.
func (e *EVM) transactor(ctx context.Context) (*bind.TransactOpts, error) {
	if e.auth != nil {
		return e.auth, nil
	}
	chainID, err := e.client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("read chain id: %w", err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(e.key, chainID)
	if err != nil {
		return nil, fmt.Errorf("build transactor: %w", err)
	}
	if e.network == "" {
		e.network = "evm:" + chainID.String()
	}
	e.auth = auth
	return auth, nil
}

func (e *EVM) Close() error {
	e.client.Close()
	return nil
}

// Anchor submits storePrescription and waits for the transaction to be mined.
// If the wait fails the error is a *SubmittedError carrying the tx hash.
func (e *EVM) Anchor(ctx context.Context, d string) (Receipt, error) {
	arg, err := encodeDigestArg(e.store.Inputs[0].Type, d)
	if err != nil {
		return Receipt{}, err
	}

	e.txMu.Lock()
	auth, err := e.transactor(ctx)
	if err != nil {
		e.txMu.Unlock()
		return Receipt{}, err
	}
	network := e.network
	opts := *auth
	opts.Context = ctx
	tx, err := e.contract.Transact(&opts, methodStore, arg)
	e.txMu.Unlock()
	if err != nil {
		return Receipt{}, fmt.Errorf("submit %s: %w", methodStore, err)
	}

	sent := Receipt{TxRef: tx.Hash().Hex(), Network: network}
	receipt, err := bind.WaitMined(ctx, e.client, tx)
	if err != nil {
		return Receipt{}, &SubmittedError{Receipt: sent, Err: fmt.Errorf("wait mined: %w", err)}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Receipt{}, fmt.Errorf("transaction %s reverted", sent.TxRef)
	}
	return sent, nil
}

// Verify calls verifyPrescription. A revert means the contract does not know
// the digest; transport failures leave the state unknown.
func (e *EVM) Verify(ctx context.Context, d string) (State, error) {
	arg, err := encodeDigestArg(e.verify.Inputs[0].Type, d)
	if err != nil {
		return StateUnknown, err
	}

	var out []interface{}
	err = e.contract.Call(&bind.CallOpts{Context: ctx}, &out, methodVerify, arg)
	if err != nil {
		if isRevert(err) {
			return StateAbsent, nil
		}
		return StateUnknown, fmt.Errorf("call %s: %w", methodVerify, err)
	}
	return decodePresence(out), nil
}

func supportedDigestType(t abi.Type) bool {
	return (t.T == abi.FixedBytesTy && t.Size == 32) || t.T == abi.StringTy
}

// encodeDigestArg shapes the digest for the contract's declared input type.
func encodeDigestArg(t abi.Type, d string) (interface{}, error) {
	switch {
	case t.T == abi.FixedBytesTy && t.Size == 32:
		b, ok := DigestBytes32(d)
		if !ok {
			return nil, fmt.Errorf("digest %q is not 32 bytes of hex", d)
		}
		return b, nil
	case t.T == abi.StringTy:
		return strings.ToLower(d), nil
	default:
		return nil, &ConfigError{Err: fmt.Errorf("unsupported digest argument type %s", t.String())}
	}
}

// decodePresence interprets the first return value. Contracts in the wild
// return a bool, a non-zero integer (block number or timestamp) or a
// non-empty reference string.
func decodePresence(out []interface{}) State {
	if len(out) == 0 {
		return StateUnknown
	}
	switch v := out[0].(type) {
	case bool:
		if v {
			return StatePresent
		}
		return StateAbsent
	case *big.Int:
		if v == nil {
			return StateUnknown
		}
		if v.Sign() != 0 {
			return StatePresent
		}
		return StateAbsent
	case uint64:
		if v != 0 {
			return StatePresent
		}
		return StateAbsent
	case string:
		if v != "" {
			return StatePresent
		}
		return StateAbsent
	case []byte:
		if len(v) > 0 {
			return StatePresent
		}
		return StateAbsent
	case [32]byte:
		if v != ([32]byte{}) {
			return StatePresent
		}
		return StateAbsent
	default:
		return StateUnknown
	}
}

func isRevert(err error) bool {
	var de rpc.DataError
	if errors.As(err, &de) && strings.Contains(strings.ToLower(de.Error()), "revert") {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}
