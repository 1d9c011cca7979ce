// Package bitcoin provides the Bitcoin proof-of-work primitives the miner needs:
// double SHA-256, coinbase and merkle root assembly from Stratum job parts,
// 80-byte header serialization, and difficulty/target arithmetic.
package bitcoin

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"sync"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// HeaderSize is the length of a serialized block header.
const HeaderSize = 80

// Target is a 256-bit proof-of-work threshold in big-endian byte order.
type Target [32]byte

var (
	// diff1 is the difficulty-1 target, 0x00000000FFFF << 208.
	diff1 = new(big.Int).Lsh(big.NewInt(0xFFFF), 208)

	// maxTarget is 2^256-1, the ceiling for targets derived from tiny difficulties.
	maxTarget = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	// bigFloatPool reduces allocations when difficulty changes frequently.
	bigFloatPool = sync.Pool{
		New: func() any {
			return new(big.Float).SetPrec(256)
		},
	}
)

func getBigFloat() *big.Float {
	bf := bigFloatPool.Get().(*big.Float)
	bf.SetPrec(256).SetFloat64(0)
	return bf
}

func putBigFloat(bf *big.Float) {
	bigFloatPool.Put(bf)
}

// DoubleSHA256 returns sha256(sha256(data)).
func DoubleSHA256(data []byte) chainhash.Hash {
	return chainhash.DoubleHashH(data)
}

// CoinbaseHash assembles coinb1 ‖ extranonce1 ‖ extranonce2 ‖ coinb2 and returns its double SHA-256.
func CoinbaseHash(coinb1, extraNonce1, extraNonce2, coinb2 []byte) chainhash.Hash {
	coinbase := make([]byte, 0, len(coinb1)+len(extraNonce1)+len(extraNonce2)+len(coinb2))
	coinbase = append(coinbase, coinb1...)
	coinbase = append(coinbase, extraNonce1...)
	coinbase = append(coinbase, extraNonce2...)
	coinbase = append(coinbase, coinb2...)
	return DoubleSHA256(coinbase)
}

// MerkleRootFromBranches folds the Stratum merkle branch into the coinbase hash:
// root = sha256d(root ‖ branch) for each branch, in order. Branch hashes are used
// exactly as sent by the pool, without byte reversal. With no branches the root
// is the coinbase hash itself.
func MerkleRootFromBranches(coinbaseHash chainhash.Hash, branches []chainhash.Hash) chainhash.Hash {
	root := coinbaseHash
	var buf [64]byte
	for i := range branches {
		copy(buf[:32], root[:])
		copy(buf[32:], branches[i][:])
		root = chainhash.DoubleHashH(buf[:])
	}
	return root
}

// HeaderTemplate holds the nonce-independent header fields in header byte order.
type HeaderTemplate struct {
	Version    uint32
	PrevHash   chainhash.Hash // header order (already word-swapped from Stratum form)
	MerkleRoot chainhash.Hash
	NTime      uint32
	NBits      uint32
}

// Serialize writes the 80-byte header for the given nonce counter into dst.
// The nonce counter is big-endian and lands in the header byte-reversed.
func (h *HeaderTemplate) Serialize(dst *[HeaderSize]byte, nonce [4]byte) {
	binary.LittleEndian.PutUint32(dst[0:4], h.Version)
	copy(dst[4:36], h.PrevHash[:])
	copy(dst[36:68], h.MerkleRoot[:])
	binary.LittleEndian.PutUint32(dst[68:72], h.NTime)
	binary.LittleEndian.PutUint32(dst[72:76], h.NBits)
	PutNonce(dst, nonce)
}

// PutNonce overwrites only the nonce field of a serialized header.
func PutNonce(dst *[HeaderSize]byte, nonce [4]byte) {
	dst[76] = nonce[3]
	dst[77] = nonce[2]
	dst[78] = nonce[1]
	dst[79] = nonce[0]
}

// IncrementNonce treats b as a big-endian counter and adds one with carry.
// FFFFFFFF wraps to 00000000.
func IncrementNonce(b [4]byte) [4]byte {
	for i := len(b) - 1; i >= 0; i-- {
		b[i]++
		if b[i] != 0 {
			break
		}
	}
	return b
}

// IncrementBytes is IncrementNonce for arbitrary-width counters such as extranonce2.
// It reports whether the counter wrapped to all zeros.
func IncrementBytes(b []byte) (wrapped bool) {
	for i := len(b) - 1; i >= 0; i-- {
		b[i]++
		if b[i] != 0 {
			return false
		}
	}
	return true
}

// WordSwap reverses the byte order inside each 4-byte word. Stratum sends the
// previous block hash in this word-swapped form.
func WordSwap(in [32]byte) [32]byte {
	var out [32]byte
	for w := 0; w < 32; w += 4 {
		out[w] = in[w+3]
		out[w+1] = in[w+2]
		out[w+2] = in[w+1]
		out[w+3] = in[w]
	}
	return out
}

// PrevHashFromStratum decodes the 64-hex-char prevhash field of mining.notify
// into header byte order.
func PrevHashFromStratum(s string) (chainhash.Hash, error) {
	raw, err := DecodeHexFixed(s, 32)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("invalid prevhash: %w", err)
	}
	var in [32]byte
	copy(in[:], raw)
	return chainhash.Hash(WordSwap(in)), nil
}

// DifficultyToTarget converts a pool share difficulty to a 256-bit target:
// target = diff1 / difficulty, truncated. Targets above 2^256-1 are clamped.
func DifficultyToTarget(difficulty float64) (Target, error) {
	if difficulty <= 0 || math.IsNaN(difficulty) || math.IsInf(difficulty, 0) {
		return Target{}, fmt.Errorf("difficulty must be a positive finite number, got %v", difficulty)
	}

	num := getBigFloat()
	defer putBigFloat(num)
	num.SetInt(diff1)

	den := getBigFloat()
	defer putBigFloat(den)
	den.SetFloat64(difficulty)

	num.Quo(num, den)

	target, _ := num.Int(nil)
	if target.Cmp(maxTarget) > 0 {
		target.Set(maxTarget)
	}
	return TargetFromBig(target), nil
}

// TargetFromBig packs a non-negative integer below 2^256 into a Target.
func TargetFromBig(v *big.Int) Target {
	var t Target
	v.FillBytes(t[:])
	return t
}

// Big returns the target as an integer.
func (t Target) Big() *big.Int {
	return new(big.Int).SetBytes(t[:])
}

// String returns the target as 64 hex characters.
func (t Target) String() string {
	return hex.EncodeToString(t[:])
}

// NetworkTarget expands a compact nBits value into the block target.
func NetworkTarget(nbits uint32) Target {
	v := blockchain.CompactToBig(nbits)
	if v.Sign() <= 0 {
		return Target{}
	}
	if v.Cmp(maxTarget) > 0 {
		v = maxTarget
	}
	return TargetFromBig(v)
}

// HashMeetsTarget reports whether hash, interpreted as a little-endian 256-bit
// integer, is less than or equal to target.
func HashMeetsTarget(hash chainhash.Hash, target Target) bool {
	for i := range 32 {
		h := hash[31-i]
		if h < target[i] {
			return true
		}
		if h > target[i] {
			return false
		}
	}
	return true
}

// HashDifficulty returns diff1 / hash, the share difficulty a hash actually achieved.
func HashDifficulty(hash chainhash.Hash) float64 {
	var be [32]byte
	for i := range 32 {
		be[i] = hash[31-i]
	}
	h := new(big.Int).SetBytes(be[:])
	if h.Sign() == 0 {
		return math.Inf(1)
	}

	num := getBigFloat()
	defer putBigFloat(num)
	num.SetInt(diff1)

	den := getBigFloat()
	defer putBigFloat(den)
	den.SetInt(h)

	d, _ := num.Quo(num, den).Float64()
	return d
}

// ParseHexUint32 parses the 8-hex-char big-endian fields Stratum uses for
// version, nbits and ntime.
func ParseHexUint32(s string) (uint32, error) {
	raw, err := DecodeHexFixed(s, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(raw), nil
}

// DecodeHexFixed decodes s and checks it is exactly n bytes long.
func DecodeHexFixed(s string, n int) ([]byte, error) {
	if len(s) != n*2 {
		return nil, fmt.Errorf("expected %d hex characters, got %d", n*2, len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode hex string: %w", err)
	}
	return raw, nil
}
