// Excubitor - Inline API Traffic Guard and Adaptive Mitigation Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/excubitor

package classify

import "strings"

// DefaultRuleset is the rule text handed to the classifier when the
// operator configures none.
const DefaultRuleset = `Flag actors showing credential abuse (repeated failed logins),
scraping (sustained high request velocity on one endpoint family), or
probing (many distinct 4xx paths). Suggest the mildest level that stops
the behavior; reserve blocks for clear, sustained abuse.`

// Rules resolves the rule text supplied with every classification call.
// A per-category override wins over the global ruleset.
type Rules struct {
	global      string
	perCategory map[string]string
}

// NewRules builds a ruleset resolver. An empty global falls back to
// DefaultRuleset.
func NewRules(global string, perCategory map[string]string) *Rules {
	if strings.TrimSpace(global) == "" {
		global = DefaultRuleset
	}
	return &Rules{global: global, perCategory: perCategory}
}

// For returns the rule text for a category.
func (r *Rules) For(category string) string {
	if text, ok := r.perCategory[category]; ok && strings.TrimSpace(text) != "" {
		return text
	}
	return r.global
}
