// Copyright 2026 The DomAdapter Authors. SPDX-License-Identifier: Apache-2.0

package mnli

import (
	"bufio"
	"os"
	"strings"
	"unicode"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Tokenizer converts text to token ids and knows the ids of the special tokens
// used to build sentence pairs.
//
// The tokenizers from github.com/gomlx/go-huggingface/tokenizers implement it.
type Tokenizer interface {
	Encode(text string) []int
	SpecialTokenID(token api.SpecialToken) (int, error)
}

// PairSpecialTokens holds the ids used to frame a sentence pair.
type PairSpecialTokens struct {
	CLS, SEP, PAD int
}

// PairTokens returns the special tokens of tok needed to encode sentence pairs.
func PairTokens(tok Tokenizer) (PairSpecialTokens, error) {
	var ids PairSpecialTokens
	var err error
	if ids.CLS, err = tok.SpecialTokenID(api.TokClassification); err != nil {
		return ids, errors.WithMessage(err, "tokenizer has no classification token")
	}
	if ids.SEP, err = tok.SpecialTokenID(api.TokEndOfSentence); err != nil {
		return ids, errors.WithMessage(err, "tokenizer has no separator token")
	}
	if ids.PAD, err = tok.SpecialTokenID(api.TokPad); err != nil {
		return ids, errors.WithMessage(err, "tokenizer has no padding token")
	}
	return ids, nil
}

// LoadTokenizer loads the tokenizer of a HuggingFace model.
//
// Repositories without a `tokenizer.json` fall back to a WordPiece tokenizer built from their `vocab.txt`.
func LoadTokenizer(repo *hub.Repo) (Tokenizer, error) {
	tok, err := tokenizers.New(repo)
	if err == nil {
		return tok, nil
	}
	klog.V(1).Infof("No tokenizer configuration (%v), falling back to WordPiece from vocab.txt", err)
	vocabPath, vocabErr := repo.DownloadFile("vocab.txt")
	if vocabErr != nil {
		return nil, errors.Wrapf(err, "failed to load tokenizer, and no vocab.txt available (%v)", vocabErr)
	}
	return NewWordPieceTokenizer(vocabPath)
}

// WordPieceTokenizer is a lower-casing BERT WordPiece tokenizer.
type WordPieceTokenizer struct {
	vocab                      map[string]int
	clsID, sepID, padID, unkID int
	maxWordLen                 int
}

// NewWordPieceTokenizer reads a `vocab.txt` file, one token per line, ids given by line number.
func NewWordPieceTokenizer(vocabPath string) (*WordPieceTokenizer, error) {
	f, err := os.Open(vocabPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open vocabulary %q", vocabPath)
	}
	defer func() { _ = f.Close() }()

	var vocab []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		vocab = append(vocab, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read vocabulary %q", vocabPath)
	}
	return NewWordPieceTokenizerFromVocab(vocab)
}

// NewWordPieceTokenizerFromVocab creates the tokenizer from the list of tokens, the id of each token
// being its position. The vocabulary must include [CLS], [SEP], [PAD] and [UNK].
func NewWordPieceTokenizerFromVocab(vocab []string) (*WordPieceTokenizer, error) {
	t := &WordPieceTokenizer{vocab: make(map[string]int, len(vocab)), maxWordLen: 100}
	for id, token := range vocab {
		t.vocab[token] = id
	}
	for _, special := range []struct {
		token string
		id    *int
	}{{"[CLS]", &t.clsID}, {"[SEP]", &t.sepID}, {"[PAD]", &t.padID}, {"[UNK]", &t.unkID}} {
		id, found := t.vocab[special.token]
		if !found {
			return nil, errors.Errorf("vocabulary is missing special token %s", special.token)
		}
		*special.id = id
	}
	return t, nil
}

// VocabSize returns the number of tokens in the vocabulary.
func (t *WordPieceTokenizer) VocabSize() int { return len(t.vocab) }

// Encode implements Tokenizer. It doesn't add special tokens.
func (t *WordPieceTokenizer) Encode(text string) []int {
	var ids []int
	for _, word := range basicTokenize(text) {
		ids = append(ids, t.wordPiece(word)...)
	}
	return ids
}

// SpecialTokenID implements Tokenizer.
func (t *WordPieceTokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	switch token {
	case api.TokClassification, api.TokBeginningOfSentence:
		return t.clsID, nil
	case api.TokEndOfSentence:
		return t.sepID, nil
	case api.TokPad:
		return t.padID, nil
	case api.TokUnknown:
		return t.unkID, nil
	default:
		return 0, errors.Errorf("WordPiece tokenizer has no special token %v", token)
	}
}

// basicTokenize lower-cases and splits the text on white spaces and punctuation, the
// punctuation marks being kept as words.
func basicTokenize(text string) []string {
	var words []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			words = append(words, current.String())
			current.Reset()
		}
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			words = append(words, string(r))
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return words
}

// wordPiece splits word greedily into the longest tokens of the vocabulary, continuation pieces
// being prefixed with "##". Words that can't be split become [UNK].
func (t *WordPieceTokenizer) wordPiece(word string) []int {
	runes := []rune(word)
	if len(runes) > t.maxWordLen {
		return []int{t.unkID}
	}
	var ids []int
	for start := 0; start < len(runes); {
		end := len(runes)
		found := -1
		for ; end > start; end-- {
			piece := string(runes[start:end])
			if start > 0 {
				piece = "##" + piece
			}
			if id, ok := t.vocab[piece]; ok {
				found = id
				break
			}
		}
		if found < 0 {
			return []int{t.unkID}
		}
		ids = append(ids, found)
		start = end
	}
	return ids
}

// EncodedPair is a tokenized sentence pair, without padding.
type EncodedPair struct {
	InputIDs     []int32
	TokenTypeIDs []int32
}

// Len returns the number of tokens of the pair.
func (p EncodedPair) Len() int { return len(p.InputIDs) }

// EncodePair encodes `[CLS] premise [SEP] hypothesis [SEP]`, with token type 0 for the first
// segment and 1 for the second.
//
// If the pair doesn't fit maxLen tokens, the longest segment is truncated one token at a time
// until it does.
func EncodePair(tok Tokenizer, special PairSpecialTokens, premise, hypothesis string, maxLen int) EncodedPair {
	first := tok.Encode(premise)
	second := tok.Encode(hypothesis)
	room := max(maxLen-3, 0)
	for len(first)+len(second) > room {
		if len(first) >= len(second) {
			first = first[:len(first)-1]
		} else {
			second = second[:len(second)-1]
		}
	}
	total := len(first) + len(second) + 3
	pair := EncodedPair{
		InputIDs:     make([]int32, 0, total),
		TokenTypeIDs: make([]int32, 0, total),
	}
	appendSegment := func(ids []int, typeID int32) {
		for _, id := range ids {
			pair.InputIDs = append(pair.InputIDs, int32(id))
			pair.TokenTypeIDs = append(pair.TokenTypeIDs, typeID)
		}
		pair.InputIDs = append(pair.InputIDs, int32(special.SEP))
		pair.TokenTypeIDs = append(pair.TokenTypeIDs, typeID)
	}
	pair.InputIDs = append(pair.InputIDs, int32(special.CLS))
	pair.TokenTypeIDs = append(pair.TokenTypeIDs, 0)
	appendSegment(first, 0)
	appendSegment(second, 1)
	return pair
}
