// Copyright 2026 The DomAdapter Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/declare-lab/domadapter/pkg/hparams"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"golang.org/x/exp/maps"
)

// hparamsScope is the scope shown for the values of the hyperparameters file.
const hparamsScope = "hparams"

type scopeKey struct{ Scope, Key string }

// ParamRow is one hyperparameter: its type and its value in each experiment.
type ParamRow struct {
	Scope, Key, Type string
	Values           []string
}

// Differs reports whether the value is not the same in all experiments.
func (r ParamRow) Differs() bool { return !isAllEqual(r.Values) }

// hparamsValues returns the values of the hyperparameters file by their JSON key.
func hparamsValues(hp *hparams.Hyperparameters) map[string]any {
	values := make(map[string]any)
	data, err := json.Marshal(hp)
	if err != nil {
		return values
	}
	decoder := json.NewDecoder(strings.NewReader(string(data)))
	decoder.UseNumber()
	_ = decoder.Decode(&values)
	return values
}

// ParamRows lists the hyperparameters of the experiments, followed by the settings saved with the
// adapters, sorted by scope and key.
func ParamRows(experiments []*Experiment) []ParamRow {
	values := make([]map[scopeKey]any, len(experiments))
	allKeys := sets.Make[scopeKey]()
	for ii, e := range experiments {
		values[ii] = make(map[scopeKey]any)
		for key, value := range hparamsValues(e.Hparams) {
			sk := scopeKey{hparamsScope, key}
			values[ii][sk] = value
			allKeys.Insert(sk)
		}
		e.Ctx.EnumerateParams(func(scope, key string, value any) {
			sk := scopeKey{scope, key}
			values[ii][sk] = value
			allKeys.Insert(sk)
		})
	}

	keys := maps.Keys(allKeys)
	slices.SortFunc(keys, func(a, b scopeKey) int {
		// Hyperparameters file first.
		if (a.Scope == hparamsScope) != (b.Scope == hparamsScope) {
			if a.Scope == hparamsScope {
				return -1
			}
			return 1
		}
		if c := strings.Compare(a.Scope, b.Scope); c != 0 {
			return c
		}
		return strings.Compare(a.Key, b.Key)
	})

	rows := make([]ParamRow, 0, len(keys))
	for _, sk := range keys {
		row := ParamRow{Scope: sk.Scope, Key: sk.Key, Values: make([]string, len(experiments))}
		for ii := range experiments {
			value, found := values[ii][sk]
			if !found {
				continue
			}
			if row.Type == "" {
				row.Type = fmt.Sprintf("%T", value)
			}
			row.Values[ii] = fmt.Sprintf("%v", value)
		}
		rows = append(rows, row)
	}
	return rows
}

// ParamsTable renders ParamRows, highlighting the rows that differ across experiments.
func ParamsTable(experiments []*Experiment) *HighlightTable {
	table := newHighlightTable()
	headers := []string{"Scope", "Name", "Type"}
	if len(experiments) == 1 {
		headers = append(headers, "Value")
	} else {
		for _, e := range experiments {
			headers = append(headers, e.Name)
		}
	}
	table.Table.Headers(headers...)
	for _, row := range ParamRows(experiments) {
		table.Row(row.Differs(), append([]string{row.Scope, row.Key, row.Type}, row.Values...)...)
	}
	return table
}
