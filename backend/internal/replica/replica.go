package replica

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// Replica is the opaque convergent state held by a session. Updates are
// byte blobs produced by the editing clients; the server never looks inside
// them. Applying any multiset of updates, in any order, any number of times,
// must converge to the same state.
type Replica interface {
	ApplyUpdate(update []byte) error
	EncodeState() ([]byte, error)
}

// 状态帧魔数。EncodeState 的输出以它开头，用于和原始 update 区分。
var stateMagic = []byte{'c', 's', 'y', '1'}

var (
	ErrEmptyUpdate    = errors.New("empty update")
	ErrCorruptedState = errors.New("corrupted state frame")
)

// Set is the default Replica: a multiset of opaque updates keyed by their
// SHA-256 digest. Merge is set union, so it is commutative, associative and
// idempotent. EncodeState emits a framed, digest-ordered log; because the
// ordering is canonical, two converged replicas encode to identical bytes.
// A full-state frame is itself a valid update, which makes snapshot restore
// and peer catch-up a plain ApplyUpdate.
//
// Set is not safe for concurrent use; the owning session serializes access.
type Set struct {
	entries map[[sha256.Size]byte][]byte
}

func NewSet() *Set {
	return &Set{entries: make(map[[sha256.Size]byte][]byte)}
}

func (s *Set) ApplyUpdate(update []byte) error {
	if len(update) == 0 {
		return ErrEmptyUpdate
	}
	if bytes.HasPrefix(update, stateMagic) {
		// 整帧解析成功后才入集合，坏帧不得污染状态
		parts, err := decodeFrame(update)
		if err != nil {
			return err
		}
		for _, p := range parts {
			s.entries[sha256.Sum256(p)] = p
		}
		return nil
	}
	cp := make([]byte, len(update))
	copy(cp, update)
	s.entries[sha256.Sum256(cp)] = cp
	return nil
}

func (s *Set) EncodeState() ([]byte, error) {
	digests := make([][sha256.Size]byte, 0, len(s.entries))
	for d := range s.entries {
		digests = append(digests, d)
	}
	sort.Slice(digests, func(i, j int) bool {
		return bytes.Compare(digests[i][:], digests[j][:]) < 0
	})

	var buf bytes.Buffer
	buf.Write(stateMagic)
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], uint64(len(digests)))
	buf.Write(scratch[:n])
	for _, d := range digests {
		entry := s.entries[d]
		n = binary.PutUvarint(scratch[:], uint64(len(entry)))
		buf.Write(scratch[:n])
		buf.Write(entry)
	}
	return buf.Bytes(), nil
}

// Len returns the number of distinct updates merged into the replica.
func (s *Set) Len() int { return len(s.entries) }

// decodeFrame splits a state frame back into its update blobs.
func decodeFrame(frame []byte) ([][]byte, error) {
	r := bytes.NewReader(frame[len(stateMagic):])
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, ErrCorruptedState
	}
	// count 来自不可信输入,先用帧长约束再分配。
	// 每个条目至少 2 字节(1 字节长度 + 至少 1 字节内容)。
	if count > uint64(r.Len())/2 {
		return nil, fmt.Errorf("%w: claims %d entries in %d bytes", ErrCorruptedState, count, r.Len())
	}
	parts := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		size, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, ErrCorruptedState
		}
		if size == 0 || size > uint64(r.Len()) {
			return nil, fmt.Errorf("%w: entry %d size %d", ErrCorruptedState, i, size)
		}
		entry := make([]byte, size)
		if _, err := r.Read(entry); err != nil {
			return nil, ErrCorruptedState
		}
		parts = append(parts, entry)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptedState, r.Len())
	}
	return parts, nil
}

// Decode returns the update blobs contained in an encoded state, in
// canonical (digest) order. Used when comparing logical document content.
func Decode(state []byte) ([][]byte, error) {
	if !bytes.HasPrefix(state, stateMagic) {
		return nil, ErrCorruptedState
	}
	return decodeFrame(state)
}
