package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/itchyny/gojq"

	"github.com/sykim1009/redfish-exporter/config"
)

// Strategy turns one fetched category body into metric samples. The
// declarative strategy covers every profile whose needs fit the value/label
// spec model; a profile that genuinely needs custom extraction selects a
// named strategy through its kind field instead of branching on profile
// identity.
type Strategy interface {
	Interpret(ctx context.Context, category *config.Category, body []byte) ([]MetricSample, error)
}

// DeclarativeStrategy decodes the body and runs the value/label interpreter.
type DeclarativeStrategy struct {
	interpreter *Interpreter
}

func (s *DeclarativeStrategy) Interpret(_ context.Context, category *config.Category, body []byte) ([]MetricSample, error) {
	var document any
	if err := json.Unmarshal(body, &document); err != nil {
		return nil, fmt.Errorf("malformed response for %s: %w", category.BasePath, err)
	}
	return s.interpreter.Interpret(category, document), nil
}

// JQStrategy applies the category's jq filter to the raw body. The filter
// is expected to yield an array of {name, value, labels} objects, mirroring
// what the declarative path produces from specs.
type JQStrategy struct{}

func (s *JQStrategy) Interpret(ctx context.Context, category *config.Category, body []byte) ([]MetricSample, error) {
	query, err := gojq.Parse(category.JQFilter)
	if err != nil {
		return nil, fmt.Errorf("jq parse error for category %s: %w", category.Name, err)
	}

	var intermediary map[string]any
	if err := json.Unmarshal(body, &intermediary); err != nil {
		return nil, fmt.Errorf("malformed response for %s: %w", category.BasePath, err)
	}

	var samples []MetricSample
	var itemErrors []error
	iter := query.RunWithContext(ctx, intermediary)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			if haltErr, ok := err.(*gojq.HaltError); ok && haltErr.Value() == nil {
				break
			}
			return nil, err
		}
		container, ok := v.([]any)
		if !ok {
			continue
		}
		for _, element := range container {
			item, ok := element.(map[string]any)
			if !ok {
				continue
			}
			sample, err := sampleFromItem(category.Name, item)
			if err != nil {
				itemErrors = append(itemErrors, err)
				continue
			}
			samples = append(samples, sample)
		}
	}
	return samples, errors.Join(itemErrors...)
}

// sampleFromItem converts one jq output object into a sample via type
// assertions. Labels are emitted in sorted key order so the label set stays
// deterministic across scrapes.
func sampleFromItem(categoryName string, item map[string]any) (MetricSample, error) {
	sample := MetricSample{Category: categoryName}
	keys := slices.Sorted(maps.Keys(item))

	name, ok := item["name"].(string)
	if !ok {
		return sample, fmt.Errorf("item missing string name, provided keys: %s", keys)
	}
	sample.Name = name

	value, ok := item["value"].(float64)
	if !ok {
		return sample, fmt.Errorf("item missing float value, provided keys: %s", keys)
	}
	sample.Value = value

	if rawLabels, ok := item["labels"].(map[string]any); ok {
		for _, labelName := range slices.Sorted(maps.Keys(rawLabels)) {
			if labelValue, ok := rawLabels[labelName].(string); ok {
				sample.Labels = append(sample.Labels, Label{Name: labelName, Value: labelValue})
			}
		}
	}
	return sample, nil
}
