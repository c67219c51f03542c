package docstore

import (
	"fmt"
	"sort"
)

// ApplyQuery filters, orders, and limits documents according to query.
// Client implementations that evaluate queries in-process share it so
// filter semantics never drift between them. Unordered queries come back
// sorted by id for determinism.
func ApplyQuery(documents []Document, query Query) []Document {
	matched := make([]Document, 0, len(documents))
	for _, doc := range documents {
		if matchesFilters(doc.Data, query.Filters) {
			matched = append(matched, doc)
		}
	}

	if query.OrderBy != "" {
		field := query.OrderBy
		sort.SliceStable(matched, func(i, j int) bool {
			less := lessByField(matched[i].Data, matched[j].Data, field)
			if query.Descending {
				return !less && !fieldsEqual(matched[i].Data, matched[j].Data, field)
			}
			return less
		})
	} else {
		sort.SliceStable(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	}

	if query.Limit > 0 && len(matched) > query.Limit {
		matched = matched[:query.Limit]
	}
	return matched
}

func matchesFilters(data map[string]any, filters []Filter) bool {
	for _, filter := range filters {
		if !matchesFilter(data, filter) {
			return false
		}
	}
	return true
}

// Numeric comparison applies when both sides coerce to numbers; anything
// else falls back to lexicographic comparison of the printed values.
func matchesFilter(data map[string]any, filter Filter) bool {
	stored, ok := data[filter.Field]
	if !ok {
		return false
	}

	storedNumber, storedIsNumber := toFloat64(stored)
	wantedNumber, wantedIsNumber := toFloat64(filter.Value)
	if storedIsNumber && wantedIsNumber {
		switch filter.Op {
		case OpEqual:
			return storedNumber == wantedNumber
		case OpGreaterThan:
			return storedNumber > wantedNumber
		case OpLessThan:
			return storedNumber < wantedNumber
		case OpGreaterOrEqual:
			return storedNumber >= wantedNumber
		}
		return false
	}

	storedText := fmt.Sprintf("%v", stored)
	wantedText := fmt.Sprintf("%v", filter.Value)
	switch filter.Op {
	case OpEqual:
		return storedText == wantedText
	case OpGreaterThan:
		return storedText > wantedText
	case OpLessThan:
		return storedText < wantedText
	case OpGreaterOrEqual:
		return storedText >= wantedText
	}
	return false
}

func lessByField(left, right map[string]any, field string) bool {
	leftNumber, leftIsNumber := toFloat64(left[field])
	rightNumber, rightIsNumber := toFloat64(right[field])
	if leftIsNumber && rightIsNumber {
		return leftNumber < rightNumber
	}
	return fmt.Sprintf("%v", left[field]) < fmt.Sprintf("%v", right[field])
}

func fieldsEqual(left, right map[string]any, field string) bool {
	leftNumber, leftIsNumber := toFloat64(left[field])
	rightNumber, rightIsNumber := toFloat64(right[field])
	if leftIsNumber && rightIsNumber {
		return leftNumber == rightNumber
	}
	return fmt.Sprintf("%v", left[field]) == fmt.Sprintf("%v", right[field])
}
