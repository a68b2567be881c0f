// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

package warehouse

import (
	"fmt"
	"regexp"
	"strings"
)

var identPart = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// QuoteIdent validates a plain or schema-qualified identifier and returns
// it double-quoted for interpolation into SQL.
func QuoteIdent(name string) (string, error) {
	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("identifier %q has too many parts", name)
	}
	quoted := make([]string, len(parts))
	for i, p := range parts {
		if !identPart.MatchString(p) {
			return "", fmt.Errorf("invalid identifier %q", name)
		}
		quoted[i] = `"` + p + `"`
	}
	return strings.Join(quoted, "."), nil
}

// MustQuoteIdent is QuoteIdent for identifiers already validated by
// configuration loading. It panics on invalid input.
func MustQuoteIdent(name string) string {
	q, err := QuoteIdent(name)
	if err != nil {
		panic(err)
	}
	return q
}

// QuoteIdents quotes every name, stopping at the first invalid one.
func QuoteIdents(names ...string) ([]string, error) {
	out := make([]string, len(names))
	for i, n := range names {
		q, err := QuoteIdent(n)
		if err != nil {
			return nil, err
		}
		out[i] = q
	}
	return out, nil
}
