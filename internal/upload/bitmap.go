package upload

// bitmap tracks which chunk indexes have been received. Not safe for
// concurrent use; callers synchronize through the registry lock.
type bitmap struct {
	words []uint64
	size  int
	count int
}

func newBitmap(size int) *bitmap {
	return &bitmap{
		words: make([]uint64, (size+63)/64),
		size:  size,
	}
}

// set marks index as received and reports whether it was newly set.
func (b *bitmap) set(index int) bool {
	word, bit := index/64, uint(index%64)
	if b.words[word]&(1<<bit) != 0 {
		return false
	}
	b.words[word] |= 1 << bit
	b.count++
	return true
}

func (b *bitmap) get(index int) bool {
	word, bit := index/64, uint(index%64)
	return b.words[word]&(1<<bit) != 0
}

// missing returns the lowest unreceived index, or -1 when full.
func (b *bitmap) missing() int {
	for i := 0; i < b.size; i++ {
		if !b.get(i) {
			return i
		}
	}
	return -1
}

func (b *bitmap) received() int { return b.count }
func (b *bitmap) full() bool    { return b.count == b.size }
