package common

import (
	"fmt"
	"sort"
	"strings"
)

// Detail categories used by dry-run reports.
const (
	CategoryImage      = "image"
	CategoryProtection = "protection"
	CategoryInjection  = "injection"
)

// OperationDetail represents a single detail of an operation result
type OperationDetail struct {
	Category string
	Message  string
	IsRisky  bool
}

// FormatOperationResult formats a list of details grouped by category.
func FormatOperationResult(title string, details []OperationDetail) string {
	if len(details) == 0 {
		return "No operations performed"
	}

	var result strings.Builder
	result.WriteString(title)

	categories := CategorizeDetails(details)
	names := make([]string, 0, len(categories))
	for name := range categories {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return categoryRank(names[i]) < categoryRank(names[j])
	})

	for _, name := range names {
		result.WriteString(fmt.Sprintf("\n%s:", strings.ToUpper(name)))
		for _, detail := range categories[name] {
			prefix := "\n   ✓ "
			if detail.IsRisky {
				prefix = "\n   ⚠️ "
			}
			result.WriteString(prefix + detail.Message)
		}
	}

	return result.String()
}

// CategorizeDetails groups details by category, keeping their order.
// Details without a category land in "other".
func CategorizeDetails(details []OperationDetail) map[string][]OperationDetail {
	categories := make(map[string][]OperationDetail)
	for _, detail := range details {
		category := detail.Category
		if category == "" {
			category = "other"
		}
		categories[category] = append(categories[category], detail)
	}
	return categories
}

func categoryRank(name string) int {
	switch name {
	case CategoryImage:
		return 0
	case CategoryProtection:
		return 1
	case CategoryInjection:
		return 2
	}
	return 3
}
