package compgen

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Metrics are the per-run histories. Every slice only ever grows.
type Metrics struct {
	LossData  []float64
	TrainAccs []float64
	DevAccs   []float64
	TestAccs  []float64
	GenAccs   []float64
}

// encode renders the metrics as a JSON object with bare NaN and Infinity
// literals, which encoding/json refuses to emit. Accuracy over an empty split
// is NaN.
func (m Metrics) encode(includeGen bool) []byte {
	fields := []struct {
		key    string
		values []float64
	}{
		{"loss_data", m.LossData},
		{"train_accs", m.TrainAccs},
		{"dev_accs", m.DevAccs},
		{"test_accs", m.TestAccs},
	}
	if includeGen {
		fields = append(fields, struct {
			key    string
			values []float64
		}{"gen_accs", m.GenAccs})
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			buf.WriteString(", ")
		}
		fmt.Fprintf(&buf, "%q: [", f.key)
		for j, v := range f.values {
			if j > 0 {
				buf.WriteString(", ")
			}
			buf.WriteString(formatFloat(v))
		}
		buf.WriteByte(']')
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

// formatFloat renders v the way Python's float repr does.
func formatFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "Infinity"
	case math.IsInf(v, -1):
		return "-Infinity"
	}
	abs := math.Abs(v)
	if abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.FormatFloat(v, 'e', -1, 64)
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// WriteMetrics rewrites the metrics file at path, creating its directory.
func WriteMetrics(path string, m Metrics, includeGen bool) error {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create results directory: %w", err)
	}
	if err := os.WriteFile(path, m.encode(includeGen), 0o644); err != nil {
		return fmt.Errorf("failed to write metrics %s: %w", path, err)
	}
	return nil
}
