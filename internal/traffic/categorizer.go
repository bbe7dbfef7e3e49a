// Excubitor - Inline API Traffic Guard and Adaptive Mitigation Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/excubitor

package traffic

import (
	"strings"
)

// CategoryGeneral is the catch-all category for requests no rule matches.
const CategoryGeneral = "general"

// CategoryRule maps a path fragment to a category. Rules are evaluated in
// order; the first match wins.
type CategoryRule struct {
	// Fragment is matched case-insensitively against path segments.
	Fragment string

	// Category assigned on match.
	Category string
}

// DefaultCategoryRules covers the endpoint families most deployments care
// about. Deployments embedding the gate can supply their own rules.
var DefaultCategoryRules = []CategoryRule{
	{Fragment: "login", Category: "auth"},
	{Fragment: "signin", Category: "auth"},
	{Fragment: "signup", Category: "auth"},
	{Fragment: "register", Category: "auth"},
	{Fragment: "auth", Category: "auth"},
	{Fragment: "token", Category: "auth"},
	{Fragment: "password", Category: "auth"},
	{Fragment: "checkout", Category: "payment"},
	{Fragment: "payment", Category: "payment"},
	{Fragment: "billing", Category: "payment"},
	{Fragment: "cart", Category: "payment"},
	{Fragment: "search", Category: "search"},
	{Fragment: "query", Category: "search"},
	{Fragment: "admin", Category: "admin"},
	{Fragment: "export", Category: "bulk"},
	{Fragment: "download", Category: "bulk"},
	{Fragment: "upload", Category: "bulk"},
}

// Categorizer deterministically assigns a traffic category to each request.
// The same method and path always yield the same category, so a batch
// partitions stably.
type Categorizer struct {
	rules []CategoryRule
}

// NewCategorizer creates a categorizer with the given rules, falling back
// to DefaultCategoryRules when none are supplied.
func NewCategorizer(rules []CategoryRule) *Categorizer {
	if len(rules) == 0 {
		rules = DefaultCategoryRules
	}
	return &Categorizer{rules: rules}
}

// Categorize maps a method and path to a category. Path segments are
// compared against each rule in order; unmatched writes fall into
// "mutation" and everything else into "general".
func (c *Categorizer) Categorize(method, path string) string {
	segments := strings.Split(strings.ToLower(strings.Trim(path, "/")), "/")

	for _, rule := range c.rules {
		for _, seg := range segments {
			if seg == rule.Fragment {
				return rule.Category
			}
		}
	}

	switch method {
	case "POST", "PUT", "PATCH", "DELETE":
		return "mutation"
	default:
		return CategoryGeneral
	}
}
