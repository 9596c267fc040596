package sgd

import (
	"crypto/md5"
	"sort"
)

// A Hasher is a SampleList which can hash its samples.
type Hasher interface {
	SampleList
	Hash(i int) []byte
}

// HashSplit deterministically partitions a Hasher, for
// example into training and validation samples.
//
// A sample lands on the left when its hash, read as a
// big-endian fraction, is below leftRatio. The same sample
// therefore always lands on the same side, no matter what
// else is in the list.
//
// h is reordered in the process.
func HashSplit(h Hasher, leftRatio float64) (left, right SampleList) {
	if leftRatio <= 0 {
		return h.Slice(0, 0), h
	} else if leftRatio >= 1 {
		return h, h.Slice(0, 0)
	}
	cutoff := hashCutoff(leftRatio)
	insertIdx := 0
	for i := 0; i < h.Len(); i++ {
		if compareHashes(h.Hash(i), cutoff) < 0 {
			h.Swap(insertIdx, i)
			insertIdx++
		}
	}
	splitIdx := sort.Search(h.Len(), func(i int) bool {
		return compareHashes(h.Hash(i), cutoff) >= 0
	})
	return h.Slice(0, splitIdx), h.Slice(splitIdx, h.Len())
}

// HashName hashes a sample's name for a Hasher.
func HashName(name string) []byte {
	sum := md5.Sum([]byte(name))
	return sum[:]
}

func hashCutoff(ratio float64) []byte {
	res := make([]byte, 8)
	for i := range res {
		ratio *= 256
		value := int(ratio)
		ratio -= float64(value)
		if value > 255 {
			value = 255
		}
		res[i] = byte(value)
	}
	return res
}

func compareHashes(h1, h2 []byte) int {
	n := len(h1)
	if len(h2) > n {
		n = len(h2)
	}
	for i := 0; i < n; i++ {
		var b1, b2 byte
		if i < len(h1) {
			b1 = h1[i]
		}
		if i < len(h2) {
			b2 = h2[i]
		}
		if b1 < b2 {
			return -1
		} else if b1 > b2 {
			return 1
		}
	}
	return 0
}
