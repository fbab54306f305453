package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/itchyny/gojq"
)

// Filter decides with a jq query if an event is processed.
// The query is run on the JSON payload of the event, the webhook event type
// is available as $event_type variable. The query must evaluate to exactly
// one bool value.
type Filter struct {
	query string
	code  *gojq.Code
}

func NewFilter(jqQuery string) (*Filter, error) {
	query, err := gojq.Parse(jqQuery)
	if err != nil {
		return nil, fmt.Errorf("parsing query failed: %w", err)
	}

	code, err := gojq.Compile(query, gojq.WithVariables([]string{"$event_type"}))
	if err != nil {
		return nil, fmt.Errorf("compiling query failed: %w", err)
	}

	return &Filter{query: jqQuery, code: code}, nil
}

func (f *Filter) String() string {
	return f.query
}

func goJQIterToSlice(iter gojq.Iter) ([]any, []error) {
	var result []any
	var errs []error

	for {
		res, ok := iter.Next()
		if !ok {
			return result, errs
		}

		if err, isErr := res.(error); isErr {
			errs = append(errs, err)
			continue
		}

		result = append(result, res)
	}
}

func errString(errs []error) string {
	var result strings.Builder

	for i, err := range errs {
		if i > 0 {
			result.WriteString("; ")
		}

		result.WriteString(fmt.Sprintf("error %d: %s", i, err))
	}

	return result.String()
}

// Match returns true if the query evaluates to true for the JSON payload of
// a webhook event of type eventType.
func (f *Filter) Match(ctx context.Context, eventType string, payload []byte) (bool, error) {
	var evUn any

	if len(payload) == 0 {
		return false, errors.New("event payload is empty")
	}

	if err := json.Unmarshal(payload, &evUn); err != nil {
		return false, fmt.Errorf("unmarshaling json failed: %w", err)
	}

	result, errs := goJQIterToSlice(f.code.RunWithContext(ctx, evUn, eventType))
	if len(errs) != 0 {
		return false, fmt.Errorf("json query returned errors, query: %q, errors: %s", f.query, errString(errs))
	}

	if len(result) != 1 {
		return false, fmt.Errorf("json query returned %d results, expected 1, query: %q", len(result), f.query)
	}

	val, ok := result[0].(bool)
	if !ok {
		return false, fmt.Errorf("json query returned non-bool result: %+v (%T), query: %q", result[0], result[0], f.query)
	}

	return val, nil
}
