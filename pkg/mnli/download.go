// Copyright 2026 The DomAdapter Authors. SPDX-License-Identifier: Apache-2.0

package mnli

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Location of the MultiNLI 1.0 release.
const (
	CorpusURL     = "https://cims.nyu.edu/~sbowman/multinli/multinli_1.0.zip"
	CorpusZipFile = "multinli_1.0.zip"
	CorpusDir     = "multinli_1.0"

	RawTrainFile = "multinli_1.0_train.txt"
	RawDevFile   = "multinli_1.0_dev_matched.txt"
)

// progressWriter forwards writes to w while advancing a progress bar sized in bytes.
type progressWriter struct {
	w   io.Writer
	bar *progressbar.ProgressBar
}

func newProgressWriter(w io.Writer, contentLength int64) *progressWriter {
	bar := progressbar.NewOptions64(contentLength,
		progressbar.OptionSetDescription(humanize.IBytes(uint64(max(contentLength, 0)))),
		progressbar.OptionShowBytes(true),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	return &progressWriter{w: w, bar: bar}
}

// Write implements io.Writer.
func (pw *progressWriter) Write(p []byte) (n int, err error) {
	n, err = pw.w.Write(p)
	_ = pw.bar.Add(n)
	return
}

// download fetches url into filePath, creating its directory if needed.
func download(url, filePath string, showProgressBar bool) (size int64, err error) {
	if err = os.MkdirAll(path.Dir(filePath), 0777); err != nil {
		return 0, errors.Wrapf(err, "failed to create the directory for %q", filePath)
	}
	resp, err := http.Get(url)
	if err != nil {
		return 0, errors.Wrapf(err, "failed downloading %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("failed downloading %q: status %s", url, resp.Status)
	}

	// Download to a temporary file, so an interrupted download is not taken as complete.
	tmpPath := filePath + ".partial"
	file, err := os.Create(tmpPath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating file %q", tmpPath)
	}
	var w io.Writer = file
	var pw *progressWriter
	if showProgressBar && resp.ContentLength > 0 {
		pw = newProgressWriter(file, resp.ContentLength)
		w = pw
	}
	size, err = io.Copy(w, resp.Body)
	if pw != nil {
		_ = pw.bar.Close()
		fmt.Println()
	}
	if err != nil {
		_ = file.Close()
		return 0, errors.Wrapf(err, "downloading %q to %q", url, tmpPath)
	}
	if err = file.Close(); err != nil {
		return 0, errors.Wrapf(err, "failed closing %q", tmpPath)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		return 0, errors.Wrapf(err, "failed moving %q to %q", tmpPath, filePath)
	}
	return size, nil
}

// unzip extracts zipFile into dir with the system's unzip tool.
func unzip(zipFile, dir string) error {
	cmd := exec.Command("unzip", "-u", "-q", zipFile)
	cmd.Dir = dir
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "failed to run %q", cmd)
	}
	return nil
}

// RawCorpusPaths returns the paths of the raw train and matched-dev files under cacheDir.
func RawCorpusPaths(cacheDir string) (trainPath, devPath string) {
	base := path.Join(cacheDir, CorpusDir)
	return path.Join(base, RawTrainFile), path.Join(base, RawDevFile)
}

// DownloadIfMissing makes sure the raw MultiNLI corpus is available under cacheDir, downloading
// and unzipping it otherwise.
func DownloadIfMissing(cacheDir string, showProgressBar bool) error {
	cacheDir, err := fsutil.ReplaceTildeInDir(cacheDir)
	if err != nil {
		return err
	}
	trainPath, devPath := RawCorpusPaths(cacheDir)
	if fsutil.MustFileExists(trainPath) && fsutil.MustFileExists(devPath) {
		return nil
	}
	zipPath := path.Join(cacheDir, CorpusZipFile)
	if !fsutil.MustFileExists(zipPath) {
		klog.Infof("Downloading %s ...", CorpusURL)
		size, err := download(CorpusURL, zipPath, showProgressBar)
		if err != nil {
			return err
		}
		klog.Infof("Downloaded %s to %q", humanize.IBytes(uint64(size)), zipPath)
	}
	if err := unzip(zipPath, cacheDir); err != nil {
		return err
	}
	if !fsutil.MustFileExists(trainPath) || !fsutil.MustFileExists(devPath) {
		return errors.Errorf("unzipped %q, but didn't get %q and %q", zipPath, trainPath, devPath)
	}
	return nil
}
