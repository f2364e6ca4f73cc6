package storage

import "crypto/sha256"

const (
	leafPrefix = 0x00
	nodePrefix = 0x01
)

// MerkleRoot hashes items into a binary merkle tree root. Leaves and inner
// nodes use distinct hash prefixes so a leaf can never be reinterpreted as a
// node. At odd levels the last hash is promoted unchanged. An empty item set
// hashes to the zero digest.
func MerkleRoot(items [][]byte) [32]byte {
	if len(items) == 0 {
		return [32]byte{}
	}
	level := make([][32]byte, len(items))
	for i, item := range items {
		level[i] = hashPrefixed(leafPrefix, item)
	}
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			combined := make([]byte, 0, 2*32)
			combined = append(combined, level[i][:]...)
			combined = append(combined, level[i+1][:]...)
			next = append(next, hashPrefixed(nodePrefix, combined))
		}
		if len(level)%2 == 1 {
			next = append(next, level[len(level)-1])
		}
		level = next
	}
	return level[0]
}

// ListRoot computes the merkle root over a list's elements in index order.
func ListRoot(l *List) ([32]byte, error) {
	var items [][]byte
	err := l.ForEach(func(_ uint64, value []byte) error {
		items = append(items, cloneBytes(value))
		return nil
	})
	if err != nil {
		return [32]byte{}, err
	}
	return MerkleRoot(items), nil
}

func hashPrefixed(prefix byte, data []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte{prefix})
	h.Write(data)
	var out [32]byte
	h.Sum(out[:0])
	return out
}
