// Package query implements the CLI's --query flag: a jq-style filter
// applied to any JSON-shaped command output (status, audit tail, ask
// result) before printing, without shelling out to an external jq
// binary.
package query

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
)

// Run compiles expr and applies it to v (any JSON-marshalable value),
// returning one formatted JSON line per result the query yields.
func Run(expr string, v any) ([]string, error) {
	raw, err := toInterface(v)
	if err != nil {
		return nil, fmt.Errorf("query: marshal input: %w", err)
	}

	q, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("query: parse %q: %w", expr, err)
	}
	code, err := gojq.Compile(q)
	if err != nil {
		return nil, fmt.Errorf("query: compile %q: %w", expr, err)
	}

	iter := code.RunWithContext(context.Background(), raw)
	var out []string
	for {
		res, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := res.(error); ok {
			return nil, fmt.Errorf("query: eval %q: %w", expr, err)
		}
		line, err := json.Marshal(res)
		if err != nil {
			return nil, fmt.Errorf("query: marshal result: %w", err)
		}
		out = append(out, string(line))
	}
	return out, nil
}

// toInterface round-trips v through JSON so gojq sees plain
// map[string]any/[]any/primitive values rather than Go structs.
func toInterface(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
