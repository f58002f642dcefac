// Copyright 2026 The DomAdapter Authors. SPDX-License-Identifier: Apache-2.0

// Package mnli prepares the MultiNLI corpus for domain adaptation: each genre of the corpus is a
// domain, and a run uses one labeled source genre and one target genre.
//
// The corpus is downloaded once into the dataset cache directory, split per genre into
// train/dev/test CSV files, tokenized into sentence pairs and served as train.Dataset
// implementations.
package mnli

import (
	"github.com/pkg/errors"
)

// Genre of MultiNLI sentence pairs. Each genre is used as a domain.
type Genre string

// Genres with training data in MultiNLI.
const (
	Fiction    Genre = "fiction"
	Government Genre = "government"
	Slate      Genre = "slate"
	Telephone  Genre = "telephone"
	Travel     Genre = "travel"
)

// Genres lists all genres usable as source or target.
var Genres = []Genre{Fiction, Government, Slate, Telephone, Travel}

// ParseGenre validates a genre name.
func ParseGenre(name string) (Genre, error) {
	for _, g := range Genres {
		if string(g) == name {
			return g, nil
		}
	}
	return "", errors.Errorf("unknown MultiNLI genre %q, valid genres are %v", name, Genres)
}

// Label of an NLI pair.
type Label int32

// Labels in the order used by the classification head.
const (
	Entailment Label = iota
	Neutral
	Contradiction
	NumLabels = 3
)

var labelNames = []string{"entailment", "neutral", "contradiction"}

// String implements fmt.Stringer.
func (l Label) String() string {
	if l < 0 || int(l) >= len(labelNames) {
		return "invalid"
	}
	return labelNames[l]
}

// ParseLabel converts a MultiNLI gold label. Pairs without a gold label are marked "-" in
// the corpus, and return ok=false.
func ParseLabel(goldLabel string) (label Label, ok bool) {
	for ii, name := range labelNames {
		if name == goldLabel {
			return Label(ii), true
		}
	}
	return 0, false
}

// Example is one labeled sentence pair.
type Example struct {
	Premise, Hypothesis string
	Label               Label
}

// Split of the data of one genre.
type Split string

// Splits stored in the cache of each genre.
const (
	Train Split = "train"
	Dev   Split = "dev"
	Test  Split = "test"
)

// Splits lists all splits in the order they are prepared.
var Splits = []Split{Train, Dev, Test}
