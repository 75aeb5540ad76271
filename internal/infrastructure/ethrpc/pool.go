package ethrpc

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Pool packs calldata for the fixed pool contract surface and signs
// transactions with the relayer key. The contract exposes exactly three
// methods we touch: transfer, withdraw and balanceOf.
type Pool struct {
	address common.Address
	chainID *big.Int
	key     *ecdsa.PrivateKey
	relayer common.Address

	transferSelector []byte
	withdrawSelector []byte
	balanceSelector  []byte
}

func NewPool(poolAddress string, chainID uint64, relayerKeyHex string) (*Pool, error) {
	if !common.IsHexAddress(poolAddress) {
		return nil, fmt.Errorf("invalid pool address: %s", poolAddress)
	}
	if chainID == 0 {
		return nil, errors.New("chain id is required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(relayerKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid relayer key: %w", err)
	}
	return &Pool{
		address:          common.HexToAddress(poolAddress),
		chainID:          new(big.Int).SetUint64(chainID),
		key:              key,
		relayer:          crypto.PubkeyToAddress(key.PublicKey),
		transferSelector: selector("transfer(address,address,uint256)"),
		withdrawSelector: selector("withdraw(address,address,uint256)"),
		balanceSelector:  selector("balanceOf(address)"),
	}, nil
}

func (p *Pool) RelayerAddress() string {
	return strings.ToLower(p.relayer.Hex())
}

func (p *Pool) PoolAddress() string {
	return strings.ToLower(p.address.Hex())
}

func (p *Pool) TransferCall(from, to string, amount *big.Int) (CallMsg, error) {
	data, err := p.packTwoAddressesAmount(p.transferSelector, from, to, amount)
	if err != nil {
		return CallMsg{}, err
	}
	return CallMsg{From: p.RelayerAddress(), To: p.PoolAddress(), Data: data}, nil
}

func (p *Pool) WithdrawCall(owner, destination string, amount *big.Int) (CallMsg, error) {
	data, err := p.packTwoAddressesAmount(p.withdrawSelector, owner, destination, amount)
	if err != nil {
		return CallMsg{}, err
	}
	return CallMsg{From: p.RelayerAddress(), To: p.PoolAddress(), Data: data}, nil
}

func (p *Pool) BalanceCall(owner string) (CallMsg, error) {
	if !common.IsHexAddress(owner) {
		return CallMsg{}, fmt.Errorf("invalid address: %s", owner)
	}
	data := make([]byte, 0, 4+32)
	data = append(data, p.balanceSelector...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(owner).Bytes(), 32)...)
	return CallMsg{From: p.RelayerAddress(), To: p.PoolAddress(), Data: "0x" + hex.EncodeToString(data)}, nil
}

// SignTransaction builds and signs a legacy transaction against the pool
// contract. Returns the raw broadcast payload and the local hash, which must
// match what the node reports back.
func (p *Pool) SignTransaction(nonce uint64, gasPrice *big.Int, gasLimit uint64, calldata string) (rawTx string, txHash string, err error) {
	data, err := hex.DecodeString(strings.TrimPrefix(calldata, "0x"))
	if err != nil {
		return "", "", fmt.Errorf("invalid calldata: %w", err)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &p.address,
		Value:    big.NewInt(0),
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(p.chainID), p.key)
	if err != nil {
		return "", "", fmt.Errorf("sign transaction: %w", err)
	}
	encoded, err := signed.MarshalBinary()
	if err != nil {
		return "", "", err
	}
	return "0x" + hex.EncodeToString(encoded), strings.ToLower(signed.Hash().Hex()), nil
}

// DecodeUint256 parses the 32-byte return value of a view call.
func DecodeUint256(result string) (*big.Int, error) {
	clean := strings.TrimPrefix(result, "0x")
	if clean == "" {
		return big.NewInt(0), nil
	}
	if len(clean) < 64 {
		return nil, fmt.Errorf("invalid return data length: %d", len(clean))
	}
	value, ok := new(big.Int).SetString(clean[:64], 16)
	if !ok {
		return nil, errors.New("failed to parse uint256")
	}
	return value, nil
}

func (p *Pool) packTwoAddressesAmount(sel []byte, first, second string, amount *big.Int) (string, error) {
	if !common.IsHexAddress(first) {
		return "", fmt.Errorf("invalid address: %s", first)
	}
	if !common.IsHexAddress(second) {
		return "", fmt.Errorf("invalid address: %s", second)
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", errors.New("amount must be positive")
	}
	data := make([]byte, 0, 4+3*32)
	data = append(data, sel...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(first).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(second).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return "0x" + hex.EncodeToString(data), nil
}

func selector(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}
