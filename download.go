package compgen

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"
)

var (
	scanBaseURL = "https://raw.githubusercontent.com/brendenlake/SCAN/master"
	cogsBaseURL = "https://raw.githubusercontent.com/najoungkim/COGS/main/data"
)

// benchmarkFiles lists the files of dataset relative to its base URL.
func benchmarkFiles(ds Dataset) []string {
	switch ds {
	case Scan:
		var files []string
		for _, split := range []string{"simple", "addjump", "addleft", "length"} {
			files = append(files, scanSplits[split][0], scanSplits[split][1])
		}
		return files
	case Cogs:
		return []string{"train.tsv", "train_100.tsv", "dev.tsv", "test.tsv", "gen.tsv"}
	}
	return nil
}

// DownloadDataset fetches every file of the benchmark into dataDir, skipping
// files that already exist.
func DownloadDataset(dataDir string, ds Dataset) error {
	base := scanBaseURL
	if ds == Cogs {
		base = cogsBaseURL
	}
	for _, name := range benchmarkFiles(ds) {
		out := filepath.Join(dataDir, ds.String(), name)
		if _, err := os.Stat(out); err == nil {
			klog.InfoS("already present", "file", out)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(out), os.ModePerm); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		if err := downloadFile(out, base+"/"+name); err != nil {
			return err
		}
	}
	return nil
}

func downloadFile(outputPath, url string) error {
	klog.InfoS("downloading", "url", url)
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to get file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	// write to a temporary name so an interrupted download is never mistaken
	// for a finished one
	tmp := outputPath + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", tmp, err)
	}
	n, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write to file %s: %w", outputPath, err)
	}
	if err := os.Rename(tmp, outputPath); err != nil {
		return err
	}
	klog.InfoS("download complete", "file", outputPath, "bytes", n)
	return nil
}
