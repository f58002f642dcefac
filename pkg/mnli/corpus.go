// Copyright 2026 The DomAdapter Authors. SPDX-License-Identifier: Apache-2.0

package mnli

import (
	"bufio"
	"math/rand"
	"os"
	"path"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Columns of the per-genre split files.
const (
	ColPremise    = "sentence1"
	ColHypothesis = "sentence2"
	ColLabel      = "label"

	colGenre     = "genre"
	colGoldLabel = "gold_label"
)

// DevFraction is the fraction of a genre's MultiNLI training pairs held out for validation.
// The genre's matched dev set is used as its test set.
const DevFraction = 0.1

// splitSeed makes the train/dev split of a genre independent of the run's seed, so the
// cached splits can be shared among runs.
const splitSeed = 42

// SplitPath returns the CSV file holding the given split of a genre.
func SplitPath(cacheDir string, genre Genre, split Split) string {
	return path.Join(cacheDir, "mnli", string(genre), string(split)+".csv")
}

func hasSplits(cacheDir string, genre Genre) bool {
	for _, split := range Splits {
		if !fsutil.MustFileExists(SplitPath(cacheDir, genre, split)) {
			return false
		}
	}
	return true
}

// PrepareGenres writes the train/dev/test split files of the given genres, reading the raw
// corpus under cacheDir. Genres already prepared are left untouched.
func PrepareGenres(cacheDir string, genres ...Genre) error {
	var missing []Genre
	for _, genre := range genres {
		if !hasSplits(cacheDir, genre) {
			missing = append(missing, genre)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	trainPath, devPath := RawCorpusPaths(cacheDir)
	var rawTrain, rawDev dataframe.DataFrame
	var g errgroup.Group
	g.Go(func() (err error) {
		rawTrain, err = ReadRawCorpus(trainPath)
		return
	})
	g.Go(func() (err error) {
		rawDev, err = ReadRawCorpus(devPath)
		return
	})
	if err := g.Wait(); err != nil {
		return err
	}

	g = errgroup.Group{}
	for _, genre := range missing {
		g.Go(func() error {
			return writeGenreSplits(cacheDir, genre, rawTrain, rawDev)
		})
	}
	return g.Wait()
}

// ReadRawCorpus parses one of the tab-separated MultiNLI files into a dataframe with the
// columns genre, sentence1, sentence2 and gold_label.
//
// The sentences contain unbalanced quotes, so the file is split on tabs line by line instead
// of going through a CSV reader.
func ReadRawCorpus(filePath string) (dataframe.DataFrame, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return dataframe.DataFrame{}, errors.Wrapf(err, "failed to open MultiNLI file %q", filePath)
	}
	defer func() { _ = f.Close() }()

	wanted := []string{colGenre, ColPremise, ColHypothesis, colGoldLabel}
	records := [][]string{wanted}
	columnIdx := make([]int, len(wanted))
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<24)
	lineNum := 0
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		lineNum++
		if lineNum == 1 {
			for ii, name := range wanted {
				columnIdx[ii] = -1
				for jj, header := range fields {
					if header == name {
						columnIdx[ii] = jj
						break
					}
				}
				if columnIdx[ii] < 0 {
					return dataframe.DataFrame{}, errors.Errorf("MultiNLI file %q has no column %q", filePath, name)
				}
			}
			continue
		}
		row := make([]string, len(wanted))
		for ii, idx := range columnIdx {
			if idx >= len(fields) {
				return dataframe.DataFrame{}, errors.Errorf("MultiNLI file %q line %d has only %d columns",
					filePath, lineNum, len(fields))
			}
			row[ii] = fields[idx]
		}
		records = append(records, row)
	}
	if err := scanner.Err(); err != nil {
		return dataframe.DataFrame{}, errors.Wrapf(err, "failed reading MultiNLI file %q", filePath)
	}
	df := dataframe.LoadRecords(records, dataframe.DetectTypes(false), dataframe.DefaultType(series.String))
	if df.Err != nil {
		return dataframe.DataFrame{}, errors.Wrapf(df.Err, "failed to load MultiNLI file %q", filePath)
	}
	return df, nil
}

// GenreExamples selects the labeled pairs of a genre from a raw corpus dataframe, and converts
// the gold label to its Label id. Returns a dataframe with columns sentence1, sentence2 and label.
func GenreExamples(raw dataframe.DataFrame, genre Genre) (dataframe.DataFrame, error) {
	df := raw.
		Filter(dataframe.F{Colname: colGenre, Comparator: series.Eq, Comparando: string(genre)}).
		Filter(dataframe.F{Colname: colGoldLabel, Comparator: series.In, Comparando: labelNames})
	if df.Err != nil {
		return df, errors.Wrapf(df.Err, "failed to filter genre %q", genre)
	}
	if df.Nrow() == 0 {
		return df, errors.Errorf("no labeled examples for genre %q", genre)
	}
	goldLabels := df.Col(colGoldLabel).Records()
	labels := make([]int, len(goldLabels))
	for ii, gold := range goldLabels {
		label, _ := ParseLabel(gold)
		labels[ii] = int(label)
	}
	df = df.Mutate(series.New(labels, series.Int, ColLabel)).
		Select([]string{ColPremise, ColHypothesis, ColLabel})
	if df.Err != nil {
		return df, errors.Wrapf(df.Err, "failed to convert labels of genre %q", genre)
	}
	return df, nil
}

// splitTrainDev shuffles the rows deterministically and holds out DevFraction of them.
func splitTrainDev(df dataframe.DataFrame) (trainDF, devDF dataframe.DataFrame) {
	n := df.Nrow()
	perm := rand.New(rand.NewSource(splitSeed)).Perm(n)
	numDev := int(float64(n) * DevFraction)
	if numDev == 0 && n > 1 {
		numDev = 1
	}
	return df.Subset(perm[numDev:]), df.Subset(perm[:numDev])
}

func writeGenreSplits(cacheDir string, genre Genre, rawTrain, rawDev dataframe.DataFrame) error {
	trainAndDev, err := GenreExamples(rawTrain, genre)
	if err != nil {
		return err
	}
	testDF, err := GenreExamples(rawDev, genre)
	if err != nil {
		return err
	}
	trainDF, devDF := splitTrainDev(trainAndDev)
	dir := path.Dir(SplitPath(cacheDir, genre, Train))
	if err := os.MkdirAll(dir, 0777); err != nil {
		return errors.Wrapf(err, "failed to create directory %q", dir)
	}
	for _, s := range []struct {
		split Split
		df    dataframe.DataFrame
	}{{Train, trainDF}, {Dev, devDF}, {Test, testDF}} {
		if err := writeCSV(SplitPath(cacheDir, genre, s.split), s.df); err != nil {
			return err
		}
	}
	klog.V(1).Infof("Prepared genre %q: %d train, %d dev and %d test examples",
		genre, trainDF.Nrow(), devDF.Nrow(), testDF.Nrow())
	return nil
}

func writeCSV(filePath string, df dataframe.DataFrame) error {
	tmpPath := filePath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", tmpPath)
	}
	if err = df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write %q", tmpPath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %q", tmpPath)
	}
	return errors.Wrapf(os.Rename(tmpPath, filePath), "failed to move %q to %q", tmpPath, filePath)
}

// LoadSplit reads the examples of a prepared split.
func LoadSplit(cacheDir string, genre Genre, split Split) ([]Example, error) {
	filePath := SplitPath(cacheDir, genre, split)
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open split %q of genre %q", split, genre)
	}
	defer func() { _ = f.Close() }()
	df := dataframe.ReadCSV(f, dataframe.HasHeader(true), dataframe.WithTypes(map[string]series.Type{
		ColPremise:    series.String,
		ColHypothesis: series.String,
		ColLabel:      series.Int,
	}))
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "failed to parse %q", filePath)
	}
	premises := df.Col(ColPremise).Records()
	hypotheses := df.Col(ColHypothesis).Records()
	labels, err := df.Col(ColLabel).Int()
	if err != nil {
		return nil, errors.Wrapf(err, "invalid labels in %q", filePath)
	}
	examples := make([]Example, len(premises))
	for ii := range examples {
		if labels[ii] < 0 || labels[ii] >= NumLabels {
			return nil, errors.Errorf("invalid label %d in row %d of %q", labels[ii], ii, filePath)
		}
		examples[ii] = Example{Premise: premises[ii], Hypothesis: hypotheses[ii], Label: Label(labels[ii])}
	}
	return examples, nil
}
