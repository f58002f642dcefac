// Copyright 2026 The DomAdapter Authors. SPDX-License-Identifier: Apache-2.0

package mnli

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"path"
	"strings"
	"testing"

	"github.com/declare-lab/domadapter/pkg/hparams"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testVocab is a tiny WordPiece vocabulary covering the fixture sentences.
var testVocab = []string{
	"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]",
	"the", "a", "man", "woman", "is", "was", "walking", "sleeping", "dog", "cat",
	"play", "##ing", "##s", "in", "park", "city", "he", "she", "not", ".", ",", "\"",
}

func newTestTokenizer(t *testing.T) *WordPieceTokenizer {
	tok, err := NewWordPieceTokenizerFromVocab(testVocab)
	require.NoError(t, err)
	return tok
}

// writeTestCorpus writes a raw MultiNLI-like corpus with numPerGenre pairs per genre and label.
func writeTestCorpus(t *testing.T, cacheDir string, numPerGenre int) {
	header := "gold_label\tsentence1_binary_parse\tsentence2_binary_parse\tsentence1_parse\tsentence2_parse\t" +
		"sentence1\tsentence2\tpromptID\tpairID\tgenre\tlabel1"
	sentences := []struct{ premise, hypothesis string }{
		{`The man is walking in the park.`, `A man is walking.`},
		{`She was playing with a dog.`, `She is sleeping.`},
		{`"He is in the city," she said.`, `The woman is not in the city.`},
	}
	write := func(fileName string) {
		var sb strings.Builder
		sb.WriteString(header + "\n")
		pairID := 0
		for _, genre := range Genres {
			for ii := range numPerGenre {
				for labelIdx, gold := range append([]string{"-"}, labelNames...) {
					s := sentences[(ii+labelIdx)%len(sentences)]
					_, _ = fmt.Fprintf(&sb, "%s\t( x )\t( y )\t(ROOT x)\t(ROOT y)\t%s\t%s\t%d\t%de\t%s\t%s\n",
						gold, s.premise, s.hypothesis, pairID, pairID, genre, gold)
					pairID++
				}
			}
		}
		require.NoError(t, os.WriteFile(path.Join(cacheDir, CorpusDir, fileName), []byte(sb.String()), 0644))
	}
	require.NoError(t, os.MkdirAll(path.Join(cacheDir, CorpusDir), 0777))
	write(RawTrainFile)
	write(RawDevFile)
}

func TestParseGenreAndLabel(t *testing.T) {
	g, err := ParseGenre("slate")
	require.NoError(t, err)
	assert.Equal(t, Slate, g)
	_, err = ParseGenre("news")
	require.Error(t, err)

	label, ok := ParseLabel("contradiction")
	assert.True(t, ok)
	assert.Equal(t, Contradiction, label)
	assert.Equal(t, "contradiction", label.String())
	_, ok = ParseLabel("-")
	assert.False(t, ok)
}

func TestWordPieceTokenizer(t *testing.T) {
	tok := newTestTokenizer(t)
	ids := tok.Encode("The dogs were PLAYING.")
	// "were" is not in the vocabulary: [UNK].
	want := []int{5, 13, 17, 1, 15, 16, 24}
	assert.Equal(t, want, ids)

	special, err := PairTokens(tok)
	require.NoError(t, err)
	assert.Equal(t, PairSpecialTokens{CLS: 2, SEP: 3, PAD: 0}, special)

	_, err = NewWordPieceTokenizerFromVocab([]string{"[CLS]", "[SEP]"})
	require.Error(t, err)
}

func TestEncodePair(t *testing.T) {
	tok := newTestTokenizer(t)
	special := must(PairTokens(tok))
	pair := EncodePair(tok, special, "the man", "a dog", 16)
	assert.Equal(t, []int32{2, 5, 7, 3, 6, 13, 3}, pair.InputIDs)
	assert.Equal(t, []int32{0, 0, 0, 0, 1, 1, 1}, pair.TokenTypeIDs)

	// Truncation takes tokens from the longest segment first.
	pair = EncodePair(tok, special, "the man is walking in the park", "a dog", 8)
	assert.Equal(t, 8, pair.Len())
	assert.Equal(t, []int32{2, 5, 7, 9, 3, 6, 13, 3}, pair.InputIDs)
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func makePairs(n int) ([]EncodedPair, []Label) {
	pairs := make([]EncodedPair, n)
	labels := make([]Label, n)
	for ii := range n {
		length := 3 + ii%5
		pair := EncodedPair{InputIDs: make([]int32, length), TokenTypeIDs: make([]int32, length)}
		for jj := range length {
			pair.InputIDs[jj] = int32(10 + ii)
		}
		pairs[ii] = pair
		labels[ii] = Label(ii % NumLabels)
	}
	return pairs, labels
}

func countBatches(t *testing.T, ds *PairDataset) (numBatches, numExamples int) {
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			return
		}
		require.NoError(t, err)
		require.Len(t, inputs, 3)
		require.Len(t, labels, 1)
		numBatches++
		numExamples += labels[0].Shape().Dimensions[0]
	}
}

func TestPairDataset(t *testing.T) {
	pairs, labels := makePairs(10)
	config := BatchConfig{BatchSize: 4, MaxSeqLength: 16, Padding: PadToMaxLength, PadID: 0}
	ds, err := NewPairDataset("eval", "ev", pairs, labels, config)
	require.NoError(t, err)
	assert.Equal(t, 3, ds.NumBatches())
	numBatches, numExamples := countBatches(t, ds)
	assert.Equal(t, 3, numBatches)
	assert.Equal(t, 10, numExamples)

	// After EOF, it stays at EOF until Reset.
	_, _, _, err = ds.Yield()
	assert.Equal(t, io.EOF, err)
	ds.Reset()
	_, inputs, labelsT, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{4, 16}, inputs[0].Shape().Dimensions)
	assert.Equal(t, []int{4, 1}, labelsT[0].Shape().Dimensions)
	mask := tensors.MustCopyFlatData[int64](inputs[1])
	assert.Equal(t, []int64{1, 1, 1, 0}, mask[:4]) // First example has 3 tokens.
	assert.Equal(t, []int32{0, 1, 2, 0}, tensors.MustCopyFlatData[int32](labelsT[0]))

	// Proportion limits the number of batches: ceil(0.5 * 3) = 2.
	ds.WithProportion(0.5)
	numBatches, _ = countBatches(t, ds)
	assert.Equal(t, 2, numBatches)
	ds.WithProportion(0.01)
	numBatches, _ = countBatches(t, ds)
	assert.Equal(t, 1, numBatches)
}

func TestPairDatasetPadToLongest(t *testing.T) {
	pairs, labels := makePairs(5)
	config := BatchConfig{BatchSize: 5, MaxSeqLength: 6, Padding: PadToLongest, PadID: 99}
	ds, err := NewPairDataset("eval", "ev", pairs, labels, config)
	require.NoError(t, err)
	assert.Equal(t, 4, ds.SeqLenFor(3))
	assert.Equal(t, 6, ds.SeqLenFor(5))
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	// Longest pair has 7 tokens: rounded to 8 but capped to 6.
	assert.Equal(t, []int{5, 6}, inputs[0].Shape().Dimensions)
	ids := tensors.MustCopyFlatData[int64](inputs[0])
	assert.Equal(t, []int64{10, 10, 10, 99, 99, 99}, ids[:6])
}

func TestPairDatasetDropIncompleteAndInfinite(t *testing.T) {
	pairs, labels := makePairs(10)
	config := BatchConfig{BatchSize: 4, MaxSeqLength: 8, Padding: PadToMaxLength,
		DropIncomplete: true, Shuffle: rand.New(rand.NewSource(1))}
	ds, err := NewPairDataset("train", "train", pairs, labels, config)
	require.NoError(t, err)
	numBatches, numExamples := countBatches(t, ds)
	assert.Equal(t, 2, numBatches)
	assert.Equal(t, 8, numExamples)

	config.Infinite = true
	ds, err = NewPairDataset("target", "target", pairs, labels, config)
	require.NoError(t, err)
	for range 7 {
		_, _, labels, err := ds.Yield()
		require.NoError(t, err)
		assert.Equal(t, 4, labels[0].Shape().Dimensions[0])
	}

	_, err = NewPairDataset("small", "small", pairs[:2], labels[:2], config)
	require.Error(t, err)
	_, err = NewPairDataset("mismatch", "mismatch", pairs, labels[:2], config)
	require.Error(t, err)
}

func TestSourceTargetDataset(t *testing.T) {
	pairs, labels := makePairs(6)
	sourceConfig := BatchConfig{BatchSize: 2, MaxSeqLength: 8, Padding: PadToMaxLength}
	source := must(NewPairDataset("source_train", "train", pairs, labels, sourceConfig))
	targetConfig := sourceConfig
	targetConfig.Infinite = true
	target := must(NewPairDataset("target_train", "target_train", pairs[:2], labels[:2], targetConfig))

	_, err := NewSourceTargetDataset("bad", source, must(NewPairDataset("t", "t", pairs, labels, sourceConfig)))
	require.Error(t, err)

	ds := must(NewSourceTargetDataset("source_train", source, target))
	assert.Equal(t, "train", ds.ShortName())
	for epoch := range 2 {
		numBatches := 0
		for {
			_, inputs, labels, err := ds.Yield()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			require.Len(t, inputs, 6)
			require.Len(t, labels, 1)
			numBatches++
		}
		assert.Equalf(t, 3, numBatches, "epoch %d", epoch)
		ds.Reset()
	}
}

func TestPrepareGenresAndDataModule(t *testing.T) {
	cacheDir := t.TempDir()
	writeTestCorpus(t, cacheDir, 10)

	// Preparation: "-" labels are dropped, 10% of train held out as dev.
	require.NoError(t, PrepareGenres(cacheDir, Fiction, Slate))
	trainExamples, err := LoadSplit(cacheDir, Fiction, Train)
	require.NoError(t, err)
	devExamples, err := LoadSplit(cacheDir, Fiction, Dev)
	require.NoError(t, err)
	testExamples, err := LoadSplit(cacheDir, Fiction, Test)
	require.NoError(t, err)
	assert.Len(t, trainExamples, 27)
	assert.Len(t, devExamples, 3)
	assert.Len(t, testExamples, 30)
	assert.Contains(t, []string{
		`The man is walking in the park.`, `She was playing with a dog.`, `"He is in the city," she said.`,
	}, testExamples[0].Premise)
	assert.False(t, hasSplits(cacheDir, Travel))

	hp := &hparams.Hyperparameters{
		BatchSize: 4, TrainProportion: 1, DevProportion: 1, TestProportion: 0.5,
		SourceTarget: "fiction_slate", NumClasses: 3, DatasetCacheDir: cacheDir,
		Seed: 7, MaxSeqLength: 32, Padding: hparams.PaddingLongest,
	}
	dm, err := NewDataModule(hp, newTestTokenizer(t))
	require.NoError(t, err)
	require.Error(t, dm.Setup(StageFit))
	_, err = dm.TrainDataset()
	require.Error(t, err)

	// Raw files are present, so PrepareData doesn't download.
	require.NoError(t, dm.PrepareData())
	require.NoError(t, dm.Setup(StageFit))
	trainDS, err := dm.TrainDataset()
	require.NoError(t, err)
	assert.Equal(t, SourceTrainName, trainDS.Name())
	assert.Equal(t, 6, trainDS.Source().NumBatches()) // 27 examples, incomplete batch dropped.
	valDS, err := dm.ValDatasets()
	require.NoError(t, err)
	require.Len(t, valDS, 2)
	assert.Equal(t, SourceValName, valDS[0].Name())
	assert.Equal(t, TargetValName, valDS[1].Name())
	_, err = dm.TestDatasets()
	require.Error(t, err)

	require.NoError(t, dm.Setup(StageTest))
	testDS, err := dm.TestDatasets()
	require.NoError(t, err)
	require.Len(t, testDS, 2)
	assert.Equal(t, SourceTestName, testDS[0].Name())
	assert.Equal(t, 4, testDS[1].(*PairDataset).NumBatches()) // ceil(0.5 * ceil(30/4))

	// A head with fewer classes than labels can't be trained on the corpus.
	assert.Equal(t, hparams.MinNumClasses, NumLabels)
	twoClasses := *hp
	twoClasses.NumClasses = 2
	dm, err = NewDataModule(&twoClasses, newTestTokenizer(t))
	require.NoError(t, err)
	require.NoError(t, dm.PrepareData())
	err = dm.Setup(StageFit)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contradiction")
}
