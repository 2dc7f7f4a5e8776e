package compgen

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	pickle "github.com/kisielk/og-rek"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpoint_RoundTrip(t *testing.T) {
	for _, arch := range architectures {
		t.Run(arch.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", "best.bin")
			saved := newTinyModel(t, arch, tinyModelConfig())
			require.NoError(t, SaveCheckpoint(path, saved))

			loaded, err := NewModel(arch, tinyModelConfig(), 8, 8, testPad, 99)
			require.NoError(t, err)
			require.NotEqual(t, saved.Parameters().Memory, loaded.Parameters().Memory)
			require.NoError(t, LoadCheckpoint(path, loaded))
			assert.Equal(t, saved.Parameters().Memory, loaded.Parameters().Memory)

			batch := tinyBatch()
			saved.SetTraining(false)
			loaded.SetTraining(false)
			assert.Equal(t, saved.Forward(batch.Src, batch.Trg).Scores, loaded.Forward(batch.Src, batch.Trg).Scores)
		})
	}
}

func TestCheckpoint_Rejects(t *testing.T) {
	m := newTinyModel(t, ArchTransformer, tinyModelConfig())
	var buf bytes.Buffer
	require.NoError(t, writeCheckpoint(&buf, m))
	good := buf.Bytes()

	corrupt := func(word int, value int32) []byte {
		b := bytes.Clone(good)
		binary.LittleEndian.PutUint32(b[4*word:], uint32(value))
		return b
	}
	wider := tinyModelConfig()
	wider.DimFeedforward = 32

	tests := []struct {
		name  string
		data  []byte
		model Model
	}{
		{"bad magic", corrupt(0, 1234), m},
		{"bad version", corrupt(1, 7), m},
		{"other architecture", good, newTinyModel(t, ArchTransformerDefault, tinyModelConfig())},
		{"parameter count", good, newTinyModel(t, ArchTransformer, wider)},
		{"truncated header", good[:100], m},
		{"truncated parameters", good[:len(good)-4], m},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := readCheckpoint(bytes.NewReader(tt.data), tt.model)
			assert.ErrorIs(t, err, ErrBadCheckpoint)
		})
	}
}

func TestLoadCheckpoint_Missing(t *testing.T) {
	m := newTinyModel(t, ArchTransformer, tinyModelConfig())
	assert.Error(t, LoadCheckpoint(filepath.Join(t.TempDir(), "nope.bin"), m))
}

func TestAttention_RoundTrip(t *testing.T) {
	maps := []AttentionMap{
		{Name: "parse", Dims: []int{1, 1, 2, 2}, Weights: []float32{0.25, 0.75, 1, 0}},
		{Name: "cross", Dims: []int{1, 1, 1, 2}, Weights: []float32{0.5, 0.5}},
	}
	path := filepath.Join(t.TempDir(), "results", "attn_0")
	require.NoError(t, WriteAttention(path, maps))
	got, err := ReadAttention(path)
	require.NoError(t, err)
	assert.Equal(t, maps, got)
}

func TestReadAttention_Malformed(t *testing.T) {
	tests := []struct {
		name string
		v    interface{}
	}{
		{"not a list", "cross"},
		{"short entry", []interface{}{[]interface{}{"cross", []int{1}}}},
		{"float dims", []interface{}{[]interface{}{"cross", []float64{1.5}, []float32{1}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "attn.pickle")
			f, err := os.Create(path)
			require.NoError(t, err)
			require.NoError(t, pickle.NewEncoderWithConfig(f, &pickle.EncoderConfig{Protocol: 2}).Encode(tt.v))
			require.NoError(t, f.Close())
			_, err = ReadAttention(path)
			assert.Error(t, err)
		})
	}
}
