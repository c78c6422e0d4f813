package collector

import (
	"fmt"
	"strings"

	isoDuration "github.com/sosodev/duration"

	"github.com/sykim1009/redfish-exporter/config"
)

// Label is one key/value dimension attached to a sample. A category emits
// its labels in configuration order on every scrape, keeping the label set
// stable even when individual values are absent in a given document.
type Label struct {
	Name  string
	Value string
}

// MetricSample is one flat, typed measurement produced from a Redfish
// document. It is immutable once produced; the exposition renderer consumes
// it as-is.
type MetricSample struct {
	Category string
	Name     string
	Value    float64
	Labels   []Label
}

// Interpreter walks a category configuration against a fetched document and
// yields zero or more metric samples, handling scalar documents and
// array-of-objects documents uniformly.
type Interpreter struct {
	mapper StatusMapper
}

// NewInterpreter returns an Interpreter which classifies enumerated values
// through the given StatusMapper.
func NewInterpreter(mapper StatusMapper) *Interpreter {
	return &Interpreter{mapper: mapper}
}

// Interpret produces one sample per value spec per record. A record that is
// not a mapping is treated as a record with all paths absent, and a missing
// or non-array iterate target degrades to a single record covering the
// whole document.
func (i *Interpreter) Interpret(category *config.Category, document any) []MetricSample {
	records := iterateRecords(category, document)

	samples := make([]MetricSample, 0, len(records)*len(category.Values))
	for _, record := range records {
		labels := make([]Label, 0, len(category.Labels))
		for _, spec := range category.Labels {
			labels = append(labels, Label{Name: spec.Name, Value: labelValue(record, spec.Path)})
		}
		for _, spec := range category.Values {
			samples = append(samples, MetricSample{
				Category: category.Name,
				Name:     spec.Name,
				Value:    i.value(record, spec),
				Labels:   labels,
			})
		}
	}
	return samples
}

// iterateRecords splits a document into records. An iterate target that
// resolves to an array yields one record per element, an empty array yields
// no records at all, and anything else falls back to the whole document.
func iterateRecords(category *config.Category, document any) []any {
	if category.Iterate == "" {
		return []any{document}
	}
	target, ok := Resolve(document, []string{category.Iterate})
	if !ok {
		return []any{document}
	}
	elements, ok := target.([]any)
	if !ok {
		return []any{document}
	}
	return elements
}

func (i *Interpreter) value(record any, spec config.ValueSpec) float64 {
	resolved, ok := Resolve(record, spec.Path)
	if !ok {
		return CodeFailed
	}
	switch spec.Type {
	case config.ValueTypeNumber:
		number, ok := asFloat(resolved)
		if !ok {
			return CodeFailed
		}
		return number
	case config.ValueTypeDuration:
		seconds, ok := asDurationSeconds(resolved)
		if !ok {
			return CodeFailed
		}
		return seconds
	}
	if resolved == nil {
		return CodeUnknown
	}
	return i.mapper.Map(stringify(resolved))
}

// asDurationSeconds converts an ISO 8601 duration string (e.g. "PT1H30M")
// into seconds. Values that are already numeric pass through unchanged, the
// way some BMCs report durations as plain seconds.
func asDurationSeconds(value any) (float64, bool) {
	if number, ok := asFloat(value); ok {
		return number, true
	}
	text, ok := value.(string)
	if !ok {
		return 0, false
	}
	parsed, err := isoDuration.Parse(strings.TrimSpace(text))
	if err != nil {
		return 0, false
	}
	return parsed.ToTimeDuration().Seconds(), true
}

func labelValue(record any, path []string) string {
	resolved, ok := Resolve(record, path)
	if !ok || resolved == nil {
		return ""
	}
	return stringify(resolved)
}

func asFloat(value any) (float64, bool) {
	switch number := value.(type) {
	case float64:
		return number, true
	case float32:
		return float64(number), true
	case int:
		return float64(number), true
	case int64:
		return float64(number), true
	}
	return 0, false
}

func stringify(value any) string {
	if text, ok := value.(string); ok {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(fmt.Sprint(value))
}
