package compgen

import (
	"errors"
	"math/rand"
)

// Example is one encoded source/target pair.
type Example struct {
	Src, Trg []int32
}

// Batch is a pair of padded time-major token blocks. Batches are never
// mutated after they are handed out.
type Batch struct {
	Src, Trg TokenMatrix
}

// BatchSource yields the batches of one split.
type BatchSource interface {
	Batches() []Batch
}

// Iterator cuts a split into padded batches. A shuffling iterator draws a
// fresh order every time Batches is called.
type Iterator struct {
	examples   []Example
	batchSize  int
	pad        int32
	shuffle    bool
	rng        *rand.Rand
	numBatches int
}

func NewIterator(examples []Example, batchSize int, pad int32, shuffle bool, seed int64) (*Iterator, error) {
	if batchSize <= 0 {
		return nil, errors.New("error: batch size must be positive")
	}
	return &Iterator{
		examples:   examples,
		batchSize:  batchSize,
		pad:        pad,
		shuffle:    shuffle,
		rng:        rand.New(rand.NewSource(seed)),
		numBatches: (len(examples) + batchSize - 1) / batchSize,
	}, nil
}

func (it *Iterator) NumBatches() int {
	return it.numBatches
}

func (it *Iterator) Len() int {
	return len(it.examples)
}

// Longest is the length of the longest source or target sequence.
func (it *Iterator) Longest() int {
	n := 0
	for _, ex := range it.examples {
		n = max(n, len(ex.Src), len(ex.Trg))
	}
	return n
}

func (it *Iterator) Batches() []Batch {
	order := make([]int, len(it.examples))
	for i := range order {
		order[i] = i
	}
	if it.shuffle {
		it.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	batches := make([]Batch, 0, it.numBatches)
	for start := 0; start < len(order); start += it.batchSize {
		end := min(start+it.batchSize, len(order))
		group := make([]Example, 0, end-start)
		for _, i := range order[start:end] {
			group = append(group, it.examples[i])
		}
		batches = append(batches, makeBatch(group, it.pad))
	}
	return batches
}

func makeBatch(examples []Example, pad int32) Batch {
	src := make([][]int32, len(examples))
	trg := make([][]int32, len(examples))
	for i, ex := range examples {
		src[i], trg[i] = ex.Src, ex.Trg
	}
	return Batch{Src: padColumns(src, pad), Trg: padColumns(trg, pad)}
}

// padColumns lays sequences out as the columns of a time-major matrix,
// padding each to the longest.
func padColumns(seqs [][]int32, pad int32) TokenMatrix {
	T := 0
	for _, s := range seqs {
		T = max(T, len(s))
	}
	B := len(seqs)
	m := TokenMatrix{Data: make([]int32, T*B), T: T, B: B}
	for t := 0; t < T; t++ {
		for b, s := range seqs {
			if t < len(s) {
				m.Data[t*B+b] = s[t]
			} else {
				m.Data[t*B+b] = pad
			}
		}
	}
	return m
}
