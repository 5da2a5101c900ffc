package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// WholeBlock as a cursor index means every log of the cursor block has been
// processed.
const WholeBlock = ^uint(0)

type Checkpoint struct {
	ChainID int64  `json:"chain_id"`
	Token   string `json:"token"`
	// Venues must match the runtime venue set exactly for a checkpoint to be
	// considered compatible; a new venue needs its history scanned.
	Venues []string `json:"venues,omitempty"`

	LastProcessedBlock    uint64 `json:"last_processed_block"`
	LastProcessedLogIndex uint   `json:"last_processed_log_index"`
}

func (c Checkpoint) Cursor() Cursor {
	return Cursor{Block: c.LastProcessedBlock, Index: c.LastProcessedLogIndex}
}

// Compatible reports whether c was written for the same chain, token and
// venue set.
func (c Checkpoint) Compatible(chainID int64, token common.Address, venues []common.Address) bool {
	if c.ChainID != 0 && c.ChainID != chainID {
		return false
	}
	if t := strings.TrimSpace(c.Token); t != "" {
		if !common.IsHexAddress(t) || common.HexToAddress(t) != token {
			return false
		}
	}
	if len(c.Venues) == 0 {
		return true
	}
	if len(c.Venues) != len(venues) {
		return false
	}
	want := make(map[common.Address]struct{}, len(venues))
	for _, v := range venues {
		want[v] = struct{}{}
	}
	for _, s := range c.Venues {
		if !common.IsHexAddress(s) {
			return false
		}
		if _, ok := want[common.HexToAddress(s)]; !ok {
			return false
		}
	}
	return true
}

func LoadCheckpoint(path string) (Checkpoint, bool, error) {
	if path == "" {
		return Checkpoint{}, false, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, err
	}

	var ckpt Checkpoint
	if err := json.Unmarshal(b, &ckpt); err != nil {
		return Checkpoint{}, false, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	return ckpt, true, nil
}

func SaveCheckpoint(path string, ckpt Checkpoint) error {
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	b, err := json.MarshalIndent(ckpt, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
