package compgen

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	pickle "github.com/kisielk/og-rek"
)

const (
	checkpointMagic   = 20240519
	checkpointVersion = 1
)

var ErrBadCheckpoint = errors.New("bad checkpoint")

// SaveCheckpoint writes the parameters of m to path.
func SaveCheckpoint(path string, m Model) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return fmt.Errorf("failed to create checkpoint directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint %s: %w", path, err)
	}
	if err := writeCheckpoint(f, m); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadCheckpoint overwrites the parameters of m with the snapshot at path.
func LoadCheckpoint(path string, m Model) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("Error opening checkpoint file: %w", err)
	}
	defer f.Close()
	return readCheckpoint(f, m)
}

// The file is a 256 word int32 header followed by the float32 parameter slab.
func writeCheckpoint(w io.Writer, m Model) error {
	header := make([]int32, 256)
	header[0] = checkpointMagic
	header[1] = checkpointVersion
	header[2] = int32(m.Architecture())
	header[3] = int32(m.Parameters().Len())
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("error writing checkpoint header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, m.Parameters().Memory); err != nil {
		return fmt.Errorf("error writing checkpoint: %w", err)
	}
	return nil
}

func readCheckpoint(r io.Reader, m Model) error {
	header := make([]int32, 256)
	if err := binary.Read(r, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("%w: error reading header: %v", ErrBadCheckpoint, err)
	}
	if header[0] != checkpointMagic || header[1] != checkpointVersion {
		return fmt.Errorf("%w: bad file format", ErrBadCheckpoint)
	}
	if Architecture(header[2]) != m.Architecture() {
		return fmt.Errorf("%w: checkpoint is %s, model is %s", ErrBadCheckpoint, Architecture(header[2]), m.Architecture())
	}
	if int(header[3]) != m.Parameters().Len() {
		return fmt.Errorf("%w: checkpoint has %d parameters, model has %d", ErrBadCheckpoint, header[3], m.Parameters().Len())
	}
	if err := binary.Read(r, binary.LittleEndian, m.Parameters().Memory); err != nil {
		return fmt.Errorf("%w: error reading parameters: %v", ErrBadCheckpoint, err)
	}
	return nil
}

// WriteAttention dumps attention maps to path as a protocol 2 pickle: a list
// of [name, dims, weights] entries.
func WriteAttention(path string, maps []AttentionMap) error {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create results directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	entries := make([]interface{}, len(maps))
	for i, am := range maps {
		entries[i] = []interface{}{am.Name, am.Dims, am.Weights}
	}
	enc := pickle.NewEncoderWithConfig(f, &pickle.EncoderConfig{Protocol: 2})
	if err := enc.Encode(entries); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode attention: %w", err)
	}
	return f.Close()
}

func ReadAttention(path string) ([]AttentionMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	v, err := pickle.NewDecoder(f).Decode()
	if err != nil {
		return nil, fmt.Errorf("failed to decode attention: %w", err)
	}
	entries, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("attention file holds %T, want a list", v)
	}
	maps := make([]AttentionMap, len(entries))
	for i, e := range entries {
		if maps[i], err = attentionEntry(e); err != nil {
			return nil, fmt.Errorf("attention entry %d: %w", i, err)
		}
	}
	return maps, nil
}

func attentionEntry(e interface{}) (AttentionMap, error) {
	fields, ok := e.([]interface{})
	if !ok || len(fields) != 3 {
		return AttentionMap{}, errors.New("want [name, dims, weights]")
	}
	name, ok := fields[0].(string)
	if !ok {
		return AttentionMap{}, fmt.Errorf("name is %T", fields[0])
	}
	rawDims, ok := fields[1].([]interface{})
	if !ok {
		return AttentionMap{}, fmt.Errorf("dims are %T", fields[1])
	}
	rawWeights, ok := fields[2].([]interface{})
	if !ok {
		return AttentionMap{}, fmt.Errorf("weights are %T", fields[2])
	}
	am := AttentionMap{Name: name, Dims: make([]int, len(rawDims)), Weights: make([]float32, len(rawWeights))}
	for i, d := range rawDims {
		n, ok := d.(int64)
		if !ok {
			return AttentionMap{}, fmt.Errorf("dim %d is %T", i, d)
		}
		am.Dims[i] = int(n)
	}
	for i, w := range rawWeights {
		x, ok := w.(float64)
		if !ok {
			return AttentionMap{}, fmt.Errorf("weight %d is %T", i, w)
		}
		am.Weights[i] = float32(x)
	}
	return am, nil
}
