package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// DifficultyPrefix is the binary string every mined block's hash must
// begin with. It is deliberately weak: the check is performed against the
// *raw byte* binary rendering (one "%b"-style group per byte, each of
// variable width for bytes below 0x80) rather than a fixed-width hex
// rendering, so the effective difficulty is data-dependent. This mirrors
// the original implementation's mining function and is preserved exactly,
// quirk included — see DESIGN.md.
const DifficultyPrefix = "00"

// Block is one entry in the append-only event log. Data carries a JSON
// Event payload (see events.go).
type Block struct {
	ID        uint64 `json:"id"`
	Hash      string `json:"hash"`
	PrevHash  string `json:"prev_hash"`
	Timestamp int64  `json:"timestamp"`
	Data      string `json:"data"`
	Nonce     uint64 `json:"nonce"`
}

// Blockchain is the append-only, proof-of-work-linked event log shared by
// every peer. Reconciliation between diverging chains picks the longer
// valid one.
type Blockchain struct {
	mu     sync.RWMutex
	blocks []Block
}

// NewBlockchain returns an empty chain. Callers should call Genesis before
// using it, unless they intend to replace Blocks wholesale (e.g. during
// bootstrap sync).
func NewBlockchain() *Blockchain {
	return &Blockchain{}
}

// genesisHash, genesisNonce and genesisTimestamp are the pinned values for
// block 0, mined once and hard-coded so every peer's chain starts from
// byte-identical state without needing to re-mine it.
const (
	genesisNonce     = 2836
	genesisHash      = "0000f816a87f806bb0073dcf026a64fb40c946b5abee2573702828694d5b4c43"
	genesisTimestamp = 0
)

// Genesis resets the chain to hold only the pinned genesis block.
func (bc *Blockchain) Genesis() {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.blocks = []Block{{
		ID:        0,
		Timestamp: genesisTimestamp,
		PrevHash:  "none",
		Data:      "genesis_block",
		Nonce:     genesisNonce,
		Hash:      genesisHash,
	}}
}

// hashToBinary renders hash as the concatenation of each byte's binary
// digits, unpadded — so byte 0x03 contributes "11", not "00000011". This
// is the exact behavior being preserved from the original miner.
func hashToBinary(hash []byte) string {
	var sb strings.Builder
	for _, b := range hash {
		sb.WriteString(fmt.Sprintf("%b", b))
	}
	return sb.String()
}

func calcHash(id uint64, timestamp int64, prevHash, data string, nonce uint64) []byte {
	// A plain map (rather than a struct) keeps the key order produced by
	// encoding/json identical to the original's serde_json::json! macro,
	// which is also unordered-map-based; ordering does not affect the hash
	// since both sides use the same encoder consistently.
	canonical, _ := json.Marshal(map[string]interface{}{
		"id":        id,
		"prev_hash": prevHash,
		"data":      data,
		"timestamp": timestamp,
		"nonce":     nonce,
	})
	sum := sha256.Sum256(canonical)
	return sum[:]
}

// mineBlock increments nonce until the resulting hash's per-byte binary
// rendering starts with DifficultyPrefix.
func mineBlock(id uint64, timestamp int64, prevHash, data string) (uint64, string) {
	var nonce uint64
	for {
		hash := calcHash(id, timestamp, prevHash, data, nonce)
		if strings.HasPrefix(hashToBinary(hash), DifficultyPrefix) {
			return nonce, hex.EncodeToString(hash)
		}
		nonce++
	}
}

// NewBlock mines and returns a new block extending prevHash at height id.
func NewBlock(id uint64, prevHash, data string) Block {
	now := time.Now().Unix()
	nonce, hash := mineBlock(id, now, prevHash, data)
	return Block{ID: id, Hash: hash, Timestamp: now, PrevHash: prevHash, Data: data, Nonce: nonce}
}

// Tip returns the most recently appended block.
func (bc *Blockchain) Tip() Block {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.blocks[len(bc.blocks)-1]
}

// Len returns the chain height (number of blocks, including genesis).
func (bc *Blockchain) Len() int {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return len(bc.blocks)
}

// Blocks returns a copy of the full chain.
func (bc *Blockchain) Blocks() []Block {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return append([]Block(nil), bc.blocks...)
}

// AddBlock appends block if it validly extends the current tip.
func (bc *Blockchain) AddBlock(block Block) bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if len(bc.blocks) == 0 {
		return false
	}
	prev := bc.blocks[len(bc.blocks)-1]
	if !isBlockValid(block, prev) {
		return false
	}
	bc.blocks = append(bc.blocks, block)
	return true
}

// RemoveLastBlock pops the most recently appended block, used to roll back
// a locally appended block (REGISTER, PUB_TOPIC or END_TOPIC) when the peer
// it was sent to rejects it.
func (bc *Blockchain) RemoveLastBlock() {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if len(bc.blocks) > 0 {
		bc.blocks = bc.blocks[:len(bc.blocks)-1]
	}
}

func isBlockValid(block, prev Block) bool {
	if block.PrevHash != prev.Hash {
		return false
	}
	rawHash, err := hex.DecodeString(block.Hash)
	if err != nil {
		return false
	}
	if !strings.HasPrefix(hashToBinary(rawHash), DifficultyPrefix) {
		return false
	}
	if block.ID != prev.ID+1 {
		return false
	}
	if hex.EncodeToString(calcHash(block.ID, block.Timestamp, block.PrevHash, block.Data, block.Nonce)) != block.Hash {
		return false
	}
	return true
}

func isChainValid(chain []Block) bool {
	for i := 1; i < len(chain); i++ {
		if !isBlockValid(chain[i], chain[i-1]) {
			return false
		}
	}
	return true
}

// ErrBothChainsInvalid is panicked via ChooseChain when neither the local
// nor the remote chain validates — spec.md marks this scenario fatal, so
// unlike every other error path in this package it is not recoverable.
var ErrBothChainsInvalid = errors.New("blockchain: local and remote chains both invalid")

// ChooseChain implements the reconciliation rule: the longer of two valid
// chains wins; ties keep the local chain; if only one side validates, it
// wins regardless of length; if neither validates, this panics.
func ChooseChain(local, remote []Block) []Block {
	localValid := isChainValid(local)
	remoteValid := isChainValid(remote)

	switch {
	case localValid && remoteValid:
		if len(local) >= len(remote) {
			return local
		}
		return remote
	case localValid:
		return local
	case remoteValid:
		return remote
	default:
		panic(ErrBothChainsInvalid)
	}
}

// GetDiffFromChains returns the tail of whichever chain is longer: the
// blocks the shorter chain is missing, preceded by the block at the
// shorter chain's last height. It is used when reconciling after a
// ChooseChain switch. It returns nil unless both chains validate, and nil
// when they have the same length; it does not check that one chain is a
// prefix of the other.
func GetDiffFromChains(local, remote []Block) []Block {
	if !isChainValid(local) || !isChainValid(remote) {
		return nil
	}
	ll, rl := len(local), len(remote)
	if ll > rl {
		return append([]Block(nil), local[ll-(ll-rl)-1:]...)
	}
	if rl > ll {
		return append([]Block(nil), remote[rl-(rl-ll)-1:]...)
	}
	return nil
}

// Hash returns a cheap equality sentinel for the whole chain: SHA-256 over
// its JSON encoding. Two peers with identical hashes can skip a full
// chain comparison during bootstrap sync.
func (bc *Blockchain) Hash() []byte {
	bc.mu.RLock()
	blocks := append([]Block(nil), bc.blocks...)
	bc.mu.RUnlock()
	return HashBlocks(blocks)
}

// HashBlocks computes the same sentinel as Hash for a bare block slice,
// e.g. one just received over the wire from a peer's QueryChain reply.
func HashBlocks(blocks []Block) []byte {
	data, _ := json.Marshal(blocks)
	sum := sha256.Sum256(data)
	return sum[:]
}

// ReplaceChain overwrites the local chain with chain, used after ChooseChain
// picks the remote side.
func (bc *Blockchain) ReplaceChain(chain []Block) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.blocks = append([]Block(nil), chain...)
}
