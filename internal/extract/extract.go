// Package extract finds the structured order payload a dialogue engine embeds
// in an otherwise free-form reply.
package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// Extractor returns the candidate payload text embedded in a reply, if any.
// Implementations are stateless: the same reply always yields the same result.
type Extractor interface {
	Extract(reply string) (string, bool)
}

const (
	ModePermissive = "permissive"
	ModeBalanced   = "balanced"
)

// New returns the extractor for a configured mode. An empty mode means
// permissive.
func New(mode string) (Extractor, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModePermissive:
		return Permissive{}, nil
	case ModeBalanced:
		return Balanced{}, nil
	}
	return nil, fmt.Errorf("unknown extractor mode %q", mode)
}

// fenced code blocks first, then the shortest brace-delimited run; one
// alternation so candidates come out in the order they appear in the reply.
var permissivePattern = regexp.MustCompile("(?s)```(?:json)?(.*?)```|(\\{.*?\\})")

// Permissive is the tolerant regex matcher. It accepts the first fenced block
// or non-greedy {...} run whose trimmed text starts with '{' and ends with
// '}', falling back to the whole reply when it is itself brace-delimited.
type Permissive struct{}

func (Permissive) Extract(reply string) (string, bool) {
	for _, m := range permissivePattern.FindAllStringSubmatch(reply, -1) {
		for _, g := range m[1:] {
			g = strings.TrimSpace(g)
			if braced(g) {
				return g, true
			}
		}
	}
	whole := strings.TrimSpace(reply)
	if braced(whole) {
		return whole, true
	}
	return "", false
}

var fencePattern = regexp.MustCompile("(?s)```(?:json)?(.*?)```")

// Balanced only accepts candidates that decode as a complete JSON object. It
// copes with nested objects that the permissive pattern cuts short.
type Balanced struct{}

func (Balanced) Extract(reply string) (string, bool) {
	for _, m := range fencePattern.FindAllStringSubmatch(reply, -1) {
		g := strings.TrimSpace(m[1])
		if braced(g) && isObject(g) {
			return g, true
		}
	}
	for i := 0; i < len(reply); i++ {
		if reply[i] != '{' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(reply[i:]))
		var obj map[string]json.RawMessage
		if err := dec.Decode(&obj); err != nil {
			continue
		}
		return reply[i : i+int(dec.InputOffset())], true
	}
	return "", false
}

func braced(s string) bool {
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")
}

func isObject(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// ParseError reports a candidate that looked structured but did not decode.
type ParseError struct {
	Candidate string
	Err       error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("extract: payload is not a JSON object: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse decodes a candidate into a key-value payload. Numbers are kept as
// json.Number so prices convert to decimals without float rounding.
func Parse(candidate string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(candidate))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, &ParseError{Candidate: candidate, Err: err}
	}
	if out == nil {
		return nil, &ParseError{Candidate: candidate, Err: errors.New("payload is null")}
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, &ParseError{Candidate: candidate, Err: errors.New("trailing data after object")}
	}
	return out, nil
}
