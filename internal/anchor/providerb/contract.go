// Package providerb implements a smart-contract registry timestamp anchor:
// the chain tip hash and entry count, signed by the agent's own key, are
// submitted to an on-chain anchor registry contract and later verified by
// reading back the most recent on-chain anchor for this agent.
//
// Grounded on certenIO-certen-validator's pkg/ethereum/client.go (ethclient
// wrapping, transactor construction, ABI pack/call/send, gas-price floor and
// receipt waiting) and pkg/anchor/anchor_manager.go (the submit/persist
// lifecycle around a registry contract), generalized from a multi-chain
// bundle commitment to a single 48-byte tip-anchor payload.
package providerb

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/tripwire/witness/internal/anchor"
	"github.com/tripwire/witness/internal/crypto"
)

const ProviderName = "smart_contract"

// registryABI exposes the four registry-contract entry points this
// provider uses: reading the submission fee, checking/raising an ERC-20
// allowance for that fee, submitting an anchor, and reading back the most
// recent anchor for a public-key hash.
const registryABI = `[
	{"inputs":[],"name":"anchorFee","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"pubKeyHash","type":"bytes32"},{"name":"chainRoot","type":"bytes32"},{"name":"entryCount","type":"uint64"},{"name":"signature","type":"bytes"}],"name":"submitAnchor","outputs":[{"name":"anchorIndex","type":"uint256"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"pubKeyHash","type":"bytes32"}],"name":"latestAnchor","outputs":[{"name":"chainRoot","type":"bytes32"},{"name":"entryCount","type":"uint64"},{"name":"blockNumber","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"pubKeyHash","type":"bytes32"},{"indexed":false,"name":"anchorIndex","type":"uint256"},{"indexed":false,"name":"chainRoot","type":"bytes32"},{"indexed":false,"name":"entryCount","type":"uint64"}],"name":"AnchorSubmitted","type":"event"}
]`

// Config configures a Provider.
type Config struct {
	RPCURL          string
	ChainID         int64
	ContractAddress string
	// TokenAddress is the ERC-20 fee token the registry charges in; when
	// empty, no allowance check or approval is made. The submission
	// transaction itself always carries a native value of zero.
	TokenAddress string
	// SignerKeyHex is the operator's ECDSA private key, hex-encoded
	// (distinct from the agent's Ed25519 chain-signing key), used only to
	// authorize and pay for the submission transaction.
	SignerKeyHex string
	// AgentPrivateKey is the agent's own Ed25519 signing key, used to sign
	// the 48-byte anchor payload per spec.md §4.5.
	AgentPrivateKey []byte
	AgentPublicKey  []byte
}

// baseAnchorRecord is one row of anchors/base-anchors.json, per spec.md §4.5.
type baseAnchorRecord struct {
	TxHash         string `json:"tx_hash"`
	BlockNumber    uint64 `json:"block_number"`
	AnchorIndex    string `json:"anchor_index"`
	ChainRoot      string `json:"chain_root"`
	EntryCount     int64  `json:"entry_count"`
	AgentPubkeyHash string `json:"agent_pubkey_hash"`
}

type baseAnchorsFile struct {
	Anchors []baseAnchorRecord `json:"anchors"`
}

// Provider is the smart-contract-registry Provider implementation.
type Provider struct {
	cfg          Config
	client       *ethclient.Client
	contractABI  abi.ABI
	contractAddr common.Address
	tokenAddr    common.Address
	chainID      *big.Int
	anchorsPath  string
}

// New dials the configured RPC endpoint and parses the registry ABI. The
// connection is lazy-checked by Available rather than at construction, so
// a misconfigured or unreachable endpoint does not prevent the rest of the
// agent from functioning.
func New(cfg Config, anchorsDir string) (*Provider, error) {
	parsedABI, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("providerb: parse registry ABI: %w", err)
	}

	var client *ethclient.Client
	if cfg.RPCURL != "" {
		client, err = ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("providerb: dial %q: %w", cfg.RPCURL, err)
		}
	}

	return &Provider{
		cfg:          cfg,
		client:       client,
		contractABI:  parsedABI,
		contractAddr: common.HexToAddress(cfg.ContractAddress),
		tokenAddr:    common.HexToAddress(cfg.TokenAddress),
		chainID:      big.NewInt(cfg.ChainID),
		anchorsPath:  filepath.Join(anchorsDir, "base-anchors.json"),
	}, nil
}

func (p *Provider) Name() string { return ProviderName }

func (p *Provider) Available() bool {
	if p.client == nil {
		return false
	}
	_, err := p.client.BlockNumber(context.Background())
	return err == nil
}

// EstimateCost reads the on-chain anchorFee and reports it scaled by count,
// in wei, grounded on certenIO's Client.EstimateGas read path.
func (p *Provider) EstimateCost(count int) (anchor.CostEstimate, error) {
	if p.client == nil {
		return anchor.CostEstimate{Available: false}, nil
	}
	fee, err := p.readAnchorFee(context.Background())
	if err != nil {
		return anchor.CostEstimate{}, err
	}
	total := new(big.Int).Mul(fee, big.NewInt(int64(count)))
	feeFloat, _ := new(big.Float).SetInt(total).Float64()
	return anchor.CostEstimate{Fee: feeFloat, Unit: "wei", Available: true}, nil
}

func (p *Provider) readAnchorFee(ctx context.Context) (*big.Int, error) {
	data, err := p.contractABI.Pack("anchorFee")
	if err != nil {
		return nil, fmt.Errorf("providerb: pack anchorFee: %w", err)
	}
	out, err := p.client.CallContract(ctx, ethereumCallMsg(p.contractAddr, data), nil)
	if err != nil {
		return nil, fmt.Errorf("providerb: call anchorFee: %w", err)
	}
	unpacked, err := p.contractABI.Unpack("anchorFee", out)
	if err != nil {
		return nil, fmt.Errorf("providerb: unpack anchorFee: %w", err)
	}
	return unpacked[0].(*big.Int), nil
}

// anchorPayload builds the 48-byte signed target: 32-byte tip hash, 8-byte
// entry_count, 8-byte chain_id, all big-endian, per spec.md §4.5.
func anchorPayload(tipHash [32]byte, entryCount, chainID int64) []byte {
	buf := make([]byte, 48)
	copy(buf[0:32], tipHash[:])
	binary.BigEndian.PutUint64(buf[32:40], uint64(entryCount))
	binary.BigEndian.PutUint64(buf[40:48], uint64(chainID))
	return buf
}

func decodeTipHash(hexHash string) ([32]byte, error) {
	var out [32]byte
	clean := strings.TrimPrefix(hexHash, "sha256:")
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return out, fmt.Errorf("providerb: decode tip hash %q: %w", hexHash, err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("providerb: tip hash %q is %d bytes, want 32", hexHash, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// Submit signs the 48-byte anchor payload with the agent's Ed25519 key,
// ensures the registry's ERC-20 fee allowance, and sends the submission
// transaction, persisting the result to anchors/base-anchors.json.
func (p *Provider) Submit(target anchor.Target, opts anchor.SubmitOptions) (anchor.SubmitResult, error) {
	if p.client == nil {
		return anchor.SubmitResult{}, fmt.Errorf("providerb: not connected to an RPC endpoint")
	}

	tip, err := decodeTipHash(target.Hash)
	if err != nil {
		return anchor.SubmitResult{}, err
	}
	payload := anchorPayload(tip, target.EntryCount, p.cfg.ChainID)
	sig, err := crypto.Sign(payload, p.cfg.AgentPrivateKey)
	if err != nil {
		return anchor.SubmitResult{}, fmt.Errorf("providerb: sign anchor payload: %w", err)
	}
	pubKeyHash := pubKeyHashOf(p.cfg.AgentPublicKey)

	ctx := context.Background()
	signerKey, err := gethcrypto.HexToECDSA(strings.TrimPrefix(p.cfg.SignerKeyHex, "0x"))
	if err != nil {
		return anchor.SubmitResult{}, fmt.Errorf("providerb: parse signer key: %w", err)
	}

	if err := p.ensureAllowance(ctx, signerKey); err != nil {
		return anchor.SubmitResult{}, err
	}

	sigBytes, err := hex.DecodeString(strings.TrimPrefix(sig, "ed25519:"))
	if err != nil {
		return anchor.SubmitResult{}, fmt.Errorf("providerb: decode agent signature: %w", err)
	}

	receipt, err := p.sendSubmitAnchor(ctx, signerKey, pubKeyHash, tip, target.EntryCount, sigBytes)
	if err != nil {
		return anchor.SubmitResult{}, err
	}

	anchorIndex, err := p.parseAnchorIndex(receipt)
	if err != nil {
		return anchor.SubmitResult{}, err
	}

	rec := baseAnchorRecord{
		TxHash:          receipt.TxHash.Hex(),
		BlockNumber:     receipt.BlockNumber.Uint64(),
		AnchorIndex:     anchorIndex.String(),
		ChainRoot:       target.Hash,
		EntryCount:      target.EntryCount,
		AgentPubkeyHash: "0x" + hex.EncodeToString(pubKeyHash[:]),
	}
	if err := appendBaseAnchor(p.anchorsPath, rec); err != nil {
		return anchor.SubmitResult{}, err
	}

	confirmedAt := nowStamp()
	out := anchor.Record{
		Provider:          ProviderName,
		TargetID:          anchorIndex.String(),
		TargetHash:        target.Hash,
		Status:            anchor.StatusConfirmed,
		SubmittedAt:       nowStamp(),
		ConfirmedAt:       &confirmedAt,
		ProofArtifactPath: p.anchorsPath,
		ExternalCoords:    fmt.Sprintf("tx:%s@block:%d", receipt.TxHash.Hex(), receipt.BlockNumber.Uint64()),
	}
	return anchor.SubmitResult{Record: out}, nil
}

func (p *Provider) ensureAllowance(ctx context.Context, signerKey *ecdsa.PrivateKey) error {
	if p.cfg.TokenAddress == "" {
		return nil
	}
	fee, err := p.readAnchorFee(ctx)
	if err != nil {
		return err
	}
	owner := gethcrypto.PubkeyToAddress(signerKey.PublicKey)

	data, err := p.contractABI.Pack("allowance", owner, p.contractAddr)
	if err != nil {
		return fmt.Errorf("providerb: pack allowance: %w", err)
	}
	out, err := p.client.CallContract(ctx, ethereumCallMsg(p.tokenAddr, data), nil)
	if err != nil {
		return fmt.Errorf("providerb: call allowance: %w", err)
	}
	unpacked, err := p.contractABI.Unpack("allowance", out)
	if err != nil {
		return fmt.Errorf("providerb: unpack allowance: %w", err)
	}
	current := unpacked[0].(*big.Int)
	if current.Cmp(fee) >= 0 {
		return nil
	}

	approveData, err := p.contractABI.Pack("approve", p.contractAddr, fee)
	if err != nil {
		return fmt.Errorf("providerb: pack approve: %w", err)
	}
	if _, err := p.sendTransaction(ctx, signerKey, p.tokenAddr, approveData); err != nil {
		return fmt.Errorf("providerb: approve allowance: %w", err)
	}
	return nil
}

func (p *Provider) sendSubmitAnchor(ctx context.Context, signerKey *ecdsa.PrivateKey, pubKeyHash [32]byte, tip [32]byte, entryCount int64, sig []byte) (*types.Receipt, error) {
	data, err := p.contractABI.Pack("submitAnchor", pubKeyHash, tip, uint64(entryCount), sig)
	if err != nil {
		return nil, fmt.Errorf("providerb: pack submitAnchor: %w", err)
	}
	return p.sendTransaction(ctx, signerKey, p.contractAddr, data)
}

// sendTransaction signs and sends a raw-call transaction, enforcing a
// minimum gas price floor the same way certenIO's ethereum.Client does, and
// waits for the receipt.
func (p *Provider) sendTransaction(ctx context.Context, signerKey *ecdsa.PrivateKey, to common.Address, data []byte) (*types.Receipt, error) {
	from := gethcrypto.PubkeyToAddress(signerKey.PublicKey)

	nonce, err := p.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("providerb: get nonce: %w", err)
	}
	gasPrice, err := p.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("providerb: get gas price: %w", err)
	}
	minGasPrice := big.NewInt(5_000_000_000) // 5 gwei
	if gasPrice.Cmp(minGasPrice) < 0 {
		gasPrice = minGasPrice
	}
	gasLimit, err := p.client.EstimateGas(ctx, ethereumCallMsg(to, data))
	if err != nil {
		gasLimit = 300_000
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(p.chainID), signerKey)
	if err != nil {
		return nil, fmt.Errorf("providerb: sign transaction: %w", err)
	}
	if err := p.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, fmt.Errorf("providerb: send transaction: %w", err)
	}
	receipt, err := bind.WaitMined(ctx, p.client, signedTx)
	if err != nil {
		return nil, fmt.Errorf("providerb: wait for receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("providerb: transaction %s reverted", signedTx.Hash().Hex())
	}
	return receipt, nil
}

func (p *Provider) parseAnchorIndex(receipt *types.Receipt) (*big.Int, error) {
	event := p.contractABI.Events["AnchorSubmitted"]
	for _, log := range receipt.Logs {
		if len(log.Topics) == 0 || log.Topics[0] != event.ID {
			continue
		}
		unpacked, err := p.contractABI.Unpack("AnchorSubmitted", log.Data)
		if err != nil {
			return nil, fmt.Errorf("providerb: unpack AnchorSubmitted: %w", err)
		}
		return unpacked[0].(*big.Int), nil
	}
	return nil, fmt.Errorf("providerb: no AnchorSubmitted event in receipt")
}

// UpgradePending is a no-op for this provider: submissions confirm
// synchronously once the transaction receipt lands, per spec.md §4.5's
// description of Provider B as a direct on-chain write rather than a
// polled, multi-step calendar completion.
func (p *Provider) UpgradePending(store *anchor.PendingStore) (anchor.StatusReport, error) {
	return anchor.StatusReport{}, nil
}

// Verify reads the most recent on-chain anchor for this agent's public-key
// hash and compares its chain root to target.Hash.
func (p *Provider) Verify(target anchor.Target) (anchor.VerifyResult, error) {
	if p.client == nil {
		return anchor.VerifyResult{Status: anchor.StatusFailed, Error: "not connected"}, nil
	}
	pubKeyHash := pubKeyHashOf(p.cfg.AgentPublicKey)

	data, err := p.contractABI.Pack("latestAnchor", pubKeyHash)
	if err != nil {
		return anchor.VerifyResult{}, fmt.Errorf("providerb: pack latestAnchor: %w", err)
	}
	out, err := p.client.CallContract(context.Background(), ethereumCallMsg(p.contractAddr, data), nil)
	if err != nil {
		return anchor.VerifyResult{Status: anchor.StatusFailed, Error: err.Error()}, nil
	}
	unpacked, err := p.contractABI.Unpack("latestAnchor", out)
	if err != nil {
		return anchor.VerifyResult{}, fmt.Errorf("providerb: unpack latestAnchor: %w", err)
	}
	onChainRoot := unpacked[0].([32]byte)
	blockNumber := unpacked[2].(*big.Int)

	localTip, err := decodeTipHash(target.Hash)
	if err != nil {
		return anchor.VerifyResult{}, err
	}
	valid := onChainRoot == localTip
	status := anchor.StatusConfirmed
	if !valid {
		status = anchor.StatusFailed
	}
	return anchor.VerifyResult{
		Valid:          valid,
		Status:         status,
		ExternalCoords: fmt.Sprintf("block:%d", blockNumber.Uint64()),
	}, nil
}

func (p *Provider) Status(store *anchor.PendingStore) ([]anchor.Record, error) {
	return store.List(ProviderName)
}

func appendBaseAnchor(path string, rec baseAnchorRecord) error {
	var file baseAnchorsFile
	if raw, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(raw, &file); err != nil {
			return fmt.Errorf("providerb: parse base-anchors.json: %w", err)
		}
	}
	file.Anchors = append(file.Anchors, rec)

	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("providerb: marshal base-anchors.json: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("providerb: create anchors dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("providerb: write base-anchors.json: %w", err)
	}
	return os.Rename(tmp, path)
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func ethereumCallMsg(to common.Address, data []byte) geth.CallMsg {
	return geth.CallMsg{To: &to, Data: data}
}

// pubKeyHashOf returns the Keccak-256 digest of an agent's Ed25519 public
// key as a plain [32]byte, matching the Go type abi.Pack expects for a
// bytes32 parameter (common.Hash, while underlyingly [32]byte, is a named
// type and does not satisfy the ABI packer's exact type check).
func pubKeyHashOf(pubKey []byte) [32]byte {
	var out [32]byte
	copy(out[:], gethcrypto.Keccak256(pubKey))
	return out
}
