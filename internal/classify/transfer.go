package classify

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// TransferTopic is topic0 of the ERC-20 Transfer(address,address,uint256) event.
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

type Transfer struct {
	TxHash      common.Hash
	BlockHash   common.Hash
	BlockNumber uint64
	LogIndex    uint
	Removed     bool

	Token common.Address
	From  common.Address
	To    common.Address
	Value *big.Int
}

func DecodeTransferLog(vLog types.Log) (*Transfer, error) {
	// topics:
	// 0: event sig
	// 1: from (address indexed)
	// 2: to (address indexed)
	if len(vLog.Topics) != 3 {
		return nil, fmt.Errorf("unexpected topics len=%d", len(vLog.Topics))
	}
	if vLog.Topics[0] != TransferTopic {
		return nil, fmt.Errorf("not a Transfer log: topic0=%s", vLog.Topics[0].Hex())
	}
	if len(vLog.Data) != 32 {
		return nil, fmt.Errorf("unexpected data len=%d", len(vLog.Data))
	}

	return &Transfer{
		TxHash:      vLog.TxHash,
		BlockHash:   vLog.BlockHash,
		BlockNumber: vLog.BlockNumber,
		LogIndex:    vLog.Index,
		Removed:     vLog.Removed,

		Token: vLog.Address,
		From:  common.BytesToAddress(vLog.Topics[1].Bytes()),
		To:    common.BytesToAddress(vLog.Topics[2].Bytes()),
		Value: new(big.Int).SetBytes(vLog.Data),
	}, nil
}
