package compgen

import (
	"bufio"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"
)

var (
	ErrUnknownDataset = errors.New("unknown dataset")
	ErrUnknownSplit   = errors.New("unknown split")
	ErrPadMismatch    = errors.New("source and target pad indices differ")
)

// Dataset is the closed set of benchmarks.
type Dataset int

const (
	Scan Dataset = iota + 1
	Cogs
)

func ParseDataset(tag string) (Dataset, error) {
	switch tag {
	case "scan":
		return Scan, nil
	case "cogs":
		return Cogs, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownDataset, tag)
}

func (d Dataset) String() string {
	switch d {
	case Scan:
		return "scan"
	case Cogs:
		return "cogs"
	}
	return fmt.Sprintf("Dataset(%d)", int(d))
}

// CheckpointsEveryEpoch reports whether evaluation runs after every epoch
// regardless of the checkpoint cadence.
func (d Dataset) CheckpointsEveryEpoch() bool {
	return d == Scan
}

// HasGeneralization reports whether the benchmark ships a generalization split.
func (d Dataset) HasGeneralization() bool {
	return d == Cogs
}

var scanSplits = map[string][2]string{
	"simple":  {"simple_split/tasks_train_simple.txt", "simple_split/tasks_test_simple.txt"},
	"addjump": {"add_prim_split/tasks_train_addprim_jump.txt", "add_prim_split/tasks_test_addprim_jump.txt"},
	"addleft": {"add_prim_split/tasks_train_addprim_turn_left.txt", "add_prim_split/tasks_test_addprim_turn_left.txt"},
	"length":  {"length_split/tasks_train_length.txt", "length_split/tasks_test_length.txt"},
}

var cogsTrainFiles = map[string]string{
	"train":     "train.tsv",
	"train_100": "train_100.tsv",
}

// Data is everything the trainer needs from a benchmark split.
type Data struct {
	Dataset  Dataset
	Src, Trg *Vocab
	Train    *Iterator
	Dev      *Iterator
	Test     *Iterator
	Gen      *Iterator // nil unless the dataset has a generalization split
	Pad      int32
}

type pair struct {
	src, trg []string
}

// LoadData builds the configured benchmark split.
func LoadData(cfg Config) (*Data, error) {
	ds, err := ParseDataset(cfg.Dataset)
	if err != nil {
		return nil, err
	}
	switch ds {
	case Scan:
		return BuildScan(filepath.Join(cfg.DataDir, "scan"), cfg.Split, cfg.BatchSize, cfg.DevFraction, cfg.Seed)
	case Cogs:
		return BuildCogs(filepath.Join(cfg.DataDir, "cogs"), cfg.Split, cfg.BatchSize, cfg.Seed)
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownDataset, int(ds))
}

// BuildScan reads a SCAN split from dir. SCAN has no dev file, so a
// devFraction share of the training pairs is held out as dev.
func BuildScan(dir, split string, batchSize int, devFraction float64, seed int64) (*Data, error) {
	files, ok := scanSplits[split]
	if !ok {
		return nil, fmt.Errorf("%w: scan %q", ErrUnknownSplit, split)
	}
	train, err := readPairs(filepath.Join(dir, files[0]), parseScanLine)
	if err != nil {
		return nil, err
	}
	test, err := readPairs(filepath.Join(dir, files[1]), parseScanLine)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(train), func(i, j int) { train[i], train[j] = train[j], train[i] })
	nDev := int(float64(len(train)) * devFraction)
	dev := train[:nDev]
	train = train[nDev:]
	return newData(Scan, train, dev, test, nil, batchSize, seed)
}

// BuildCogs reads a COGS split from dir.
func BuildCogs(dir, split string, batchSize int, seed int64) (*Data, error) {
	trainFile, ok := cogsTrainFiles[split]
	if !ok {
		return nil, fmt.Errorf("%w: cogs %q", ErrUnknownSplit, split)
	}
	sets := make([][]pair, 4)
	for i, name := range []string{trainFile, "dev.tsv", "test.tsv", "gen.tsv"} {
		ps, err := readPairs(filepath.Join(dir, name), parseCogsLine)
		if err != nil {
			return nil, err
		}
		sets[i] = ps
	}
	return newData(Cogs, sets[0], sets[1], sets[2], sets[3], batchSize, seed)
}

func newData(ds Dataset, train, dev, test, gen []pair, batchSize int, seed int64) (*Data, error) {
	srcSeqs := make([][]string, len(train))
	trgSeqs := make([][]string, len(train))
	for i, p := range train {
		srcSeqs[i], trgSeqs[i] = p.src, p.trg
	}
	d := &Data{
		Dataset: ds,
		Src:     buildVocab(srcSeqs, unkToken, padToken),
		Trg:     buildVocab(trgSeqs, unkToken, padToken, sosToken, eosToken),
	}
	if err := checkPads(d.Src, d.Trg); err != nil {
		return nil, err
	}
	d.Pad = d.Src.Pad()
	var err error
	if d.Train, err = NewIterator(d.encode(train), batchSize, d.Pad, true, seed); err != nil {
		return nil, err
	}
	if d.Dev, err = NewIterator(d.encode(dev), batchSize, d.Pad, false, seed); err != nil {
		return nil, err
	}
	if d.Test, err = NewIterator(d.encode(test), batchSize, d.Pad, false, seed); err != nil {
		return nil, err
	}
	if gen != nil {
		if d.Gen, err = NewIterator(d.encode(gen), batchSize, d.Pad, false, seed); err != nil {
			return nil, err
		}
	}
	klog.InfoS("loaded dataset", "dataset", ds, "train", len(train), "dev", len(dev), "test", len(test), "gen", len(gen),
		"srcVocab", d.Src.Len(), "trgVocab", d.Trg.Len())
	return d, nil
}

// CheckLengths rejects data holding a sequence the model cannot embed.
func (d *Data) CheckLengths(maxLen int) error {
	splits := []struct {
		name string
		it   *Iterator
	}{{"train", d.Train}, {"dev", d.Dev}, {"test", d.Test}, {"gen", d.Gen}}
	for _, s := range splits {
		if s.it == nil {
			continue
		}
		if n := s.it.Longest(); n > maxLen {
			return fmt.Errorf("%w: %s split has a sequence of length %d, max_len is %d", ErrInvalidConfig, s.name, n, maxLen)
		}
	}
	return nil
}

// checkPads enforces the single padding index the loss and the evaluator share.
func checkPads(src, trg *Vocab) error {
	if src.Pad() != trg.Pad() {
		return fmt.Errorf("%w: %d != %d", ErrPadMismatch, src.Pad(), trg.Pad())
	}
	return nil
}

// encode maps a split through the vocabularies and frames every target as
// <sos> ... <eos>.
func (d *Data) encode(ps []pair) []Example {
	out := make([]Example, len(ps))
	sos, eos := d.Trg.Index(sosToken), d.Trg.Index(eosToken)
	for i, p := range ps {
		trg := make([]int32, 0, len(p.trg)+2)
		trg = append(trg, sos)
		trg = append(trg, d.Trg.Encode(p.trg)...)
		trg = append(trg, eos)
		out[i] = Example{Src: d.Src.Encode(p.src), Trg: trg}
	}
	return out
}

func readPairs(path string, parse func(string) (pair, error)) ([]pair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening %s: %w", path, err)
	}
	defer f.Close()
	var ps []pair
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		p, err := parse(text)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		ps = append(ps, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading %s: %w", path, err)
	}
	return ps, nil
}

// parseScanLine splits "IN: <command> OUT: <actions>".
func parseScanLine(line string) (pair, error) {
	rest, ok := strings.CutPrefix(line, "IN:")
	if !ok {
		return pair{}, errors.New("missing IN: marker")
	}
	in, out, ok := strings.Cut(rest, "OUT:")
	if !ok {
		return pair{}, errors.New("missing OUT: marker")
	}
	return pair{src: strings.Fields(in), trg: strings.Fields(out)}, nil
}

// parseCogsLine splits "sentence \t logical form \t category".
func parseCogsLine(line string) (pair, error) {
	cols := strings.Split(line, "\t")
	if len(cols) < 2 {
		return pair{}, fmt.Errorf("expected at least 2 tab separated columns, got %d", len(cols))
	}
	return pair{src: strings.Fields(cols[0]), trg: strings.Fields(cols[1])}, nil
}
