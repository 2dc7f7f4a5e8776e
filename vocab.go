package compgen

import (
	"errors"
	"sort"
)

const (
	unkToken = "<unk>"
	padToken = "<pad>"
	sosToken = "<sos>"
	eosToken = "<eos>"
)

// Vocab maps tokens to indices and back. Specials come first in the order
// they were given, then tokens by descending frequency with ties broken
// alphabetically. Unknown tokens map to <unk>.
type Vocab struct {
	itos []string
	stoi map[string]int32
}

func buildVocab(seqs [][]string, specials ...string) *Vocab {
	v := &Vocab{stoi: map[string]int32{}}
	for _, s := range specials {
		v.insert(s)
	}
	freq := map[string]int{}
	for _, seq := range seqs {
		for _, tok := range seq {
			freq[tok]++
		}
	}
	words := make([]string, 0, len(freq))
	for w := range freq {
		if _, ok := v.stoi[w]; !ok {
			words = append(words, w)
		}
	}
	sort.Slice(words, func(i, j int) bool {
		if freq[words[i]] != freq[words[j]] {
			return freq[words[i]] > freq[words[j]]
		}
		return words[i] < words[j]
	})
	for _, w := range words {
		v.insert(w)
	}
	return v
}

func (v *Vocab) insert(tok string) {
	v.stoi[tok] = int32(len(v.itos))
	v.itos = append(v.itos, tok)
}

func (v *Vocab) Len() int {
	return len(v.itos)
}

func (v *Vocab) Index(tok string) int32 {
	if i, ok := v.stoi[tok]; ok {
		return i
	}
	return v.stoi[unkToken]
}

func (v *Vocab) Pad() int32 {
	return v.stoi[padToken]
}

func (v *Vocab) Encode(tokens []string) []int32 {
	ids := make([]int32, len(tokens))
	for i, tok := range tokens {
		ids[i] = v.Index(tok)
	}
	return ids
}

func (v *Vocab) Decode(ids []int32) ([]string, error) {
	toks := make([]string, len(ids))
	for i, id := range ids {
		if id < 0 || int(id) >= len(v.itos) {
			return nil, errors.New("not valid token")
		}
		toks[i] = v.itos[id]
	}
	return toks, nil
}
