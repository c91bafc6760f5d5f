package ext2

import "math/bits"

// Bitmap is a block or inode allocation bitmap. Bit i lives in byte i/8 at
// position i%8, set meaning in use.
type Bitmap []byte

func (b Bitmap) Test(i int) bool {
	return b[i/8]&(1<<(i%8)) != 0
}

func (b Bitmap) Set(i int) {
	b[i/8] |= 1 << (i % 8)
}

func (b Bitmap) Clear(i int) {
	b[i/8] &^= 1 << (i % 8)
}

// CountFree counts clear bits among the first n.
func (b Bitmap) CountFree(n int) int {
	used := 0
	full := n / 8
	for _, c := range b[:full] {
		used += bits.OnesCount8(c)
	}
	for i := full * 8; i < n; i++ {
		if b.Test(i) {
			used++
		}
	}
	return n - used
}

// FindFirstFree returns the first clear bit below n.
func (b Bitmap) FindFirstFree(n int) (int, bool) {
	for i := 0; i < n; i++ {
		if b[i/8] == 0xff {
			i += 7 - i%8
			continue
		}
		if !b.Test(i) {
			return i, true
		}
	}
	return 0, false
}
