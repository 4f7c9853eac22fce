package table

import "sort"

// TableSize is the number of slots of the marker table, one per uint16 hash value.
const TableSize = 1 << 16

const (
	none = iota
	// presentMarker: some stored key has a prefix hashing here.
	presentMarker
	// elemMarker: a complete stored key hashes here.
	elemMarker
)

// PrefixTable maps short byte keys (signature magics) to values and answers
// "which stored keys are a prefix of this buffer" without hashing the whole
// buffer. A 64KiB marker table, indexed by a rolling 16 bit hash of the key
// prefix, lets Walk stop at the first byte no key can continue with.
// Collisions only cost a map lookup; the map holds the exact keys.
type PrefixTable[T any] struct {
	table     [TableSize]byte
	elems     map[string]T
	maxKeyLen int
}

func New[T any]() *PrefixTable[T] {
	return &PrefixTable[T]{
		elems: make(map[string]T),
	}
}

func hashStep(h uint16, b byte) uint16 {
	return (h << 2) + uint16(b)
}

// Insert stores v under key, replacing any previous value.
// Empty keys are ignored.
func (t *PrefixTable[T]) Insert(key []byte, v T) {
	if len(key) == 0 {
		return
	}

	var h uint16
	for _, b := range key {
		h = hashStep(h, b)
		t.table[h] = max(t.table[h], presentMarker)
	}
	t.table[h] = elemMarker
	t.elems[string(key)] = v
	t.maxKeyLen = max(t.maxKeyLen, len(key))
}

func (t *PrefixTable[T]) Get(key []byte) (T, bool) {
	v, found := t.elems[string(key)]
	return v, found
}

// Walk calls onMatch, shortest first, for every stored key that is a prefix of
// data. It never looks further than the longest stored key. Returning true
// from onMatch stops the walk.
func (t *PrefixTable[T]) Walk(data []byte, onMatch func(key []byte, v T) bool) {
	if len(data) > t.maxKeyLen {
		data = data[:t.maxKeyLen]
	}

	var h uint16
	for i, b := range data {
		h = hashStep(h, b)

		switch t.table[h] {
		case none:
			return
		case elemMarker:
			key := data[:i+1]
			if v, ok := t.elems[string(key)]; ok && onMatch(key, v) {
				return
			}
		}
	}
}

// Keys returns the stored keys in lexical order.
func (t *PrefixTable[T]) Keys() []string {
	keys := make([]string, 0, len(t.elems))
	for k := range t.elems {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (t *PrefixTable[T]) Size() int {
	return len(t.elems)
}

func (t *PrefixTable[T]) MaxKeyLen() int {
	return t.maxKeyLen
}
