package decision

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// recoveredConfidence marks decisions salvaged from unparseable replies.
const recoveredConfidence = 0.1

const defaultConfidence = 0.5

var actionPattern = regexp.MustCompile(`(?i)["']?action["']?\s*[:=]\s*["']?([a-z_]+)`)

// Parse turns a model reply into a Decision. It never fails: every stage
// either narrows the text or passes it through, and anything that cannot be
// understood becomes a wait.
func Parse(reply string) Decision {
	text := stripFences(reply)
	if obj, ok := extractObject(text); ok {
		if d, err := decode(stripTrailingCommas(obj)); err == nil {
			d.Raw = reply
			return d
		}
	}
	if m := actionPattern.FindStringSubmatch(text); m != nil {
		if action, ok := ParseAction(m[1]); ok {
			return Decision{
				Action:     action,
				Params:     map[string]any{},
				Reasoning:  "recovered action from malformed reply",
				Confidence: recoveredConfidence,
				Recovered:  true,
				Raw:        reply,
			}
		}
	}
	d := Wait("model reply was not a readable decision")
	d.Raw = reply
	return d
}

// stripFences returns the body of the first ``` fenced block, dropping any
// language tag, or the trimmed text when there is no fence.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	start := strings.Index(s, "```")
	if start < 0 {
		return s
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 && !strings.ContainsAny(rest[:nl], "{[") {
		rest = rest[nl+1:]
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

// extractObject finds the first balanced top-level {...}. Braces inside
// JSON strings are ignored. An unterminated object is returned up to the
// last closing brace.
func extractObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	if end := strings.LastIndexByte(s, '}'); end > start {
		return s[start : end+1], true
	}
	return "", false
}

// stripTrailingCommas removes commas that directly precede } or ], outside
// of strings.
func stripTrailingCommas(s string) string {
	var out strings.Builder
	out.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			out.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			out.WriteByte(c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(s) && strings.IndexByte(" \t\r\n", s[j]) >= 0 {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
		}
		out.WriteByte(c)
	}
	return out.String()
}

// decode accepts {"action", "params", "reasoning", "confidence"}. Params
// given at the top level instead of under "params" are collected too.
func decode(obj string) (Decision, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(obj)))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return Decision{}, err
	}

	rawAction, _ := fields["action"].(string)
	action, ok := ParseAction(rawAction)
	if !ok {
		reason := "model reply had no action"
		if strings.TrimSpace(rawAction) != "" {
			reason = fmt.Sprintf("unknown action %q", rawAction)
		} else if fields["action"] != nil {
			reason = fmt.Sprintf("unknown action %v", fields["action"])
		}
		return Wait(reason), nil
	}

	d := Decision{Action: action, Params: map[string]any{}, Confidence: defaultConfidence}
	if nested, ok := fields["params"].(map[string]any); ok {
		for k, v := range nested {
			d.Params[k] = v
		}
	}
	for k, v := range fields {
		switch k {
		case "action", "params", "reasoning", "reason", "rationale", "confidence":
			continue
		}
		if _, exists := d.Params[k]; !exists {
			d.Params[k] = v
		}
	}
	for _, key := range []string{"reasoning", "reason", "rationale"} {
		if s, ok := fields[key].(string); ok && strings.TrimSpace(s) != "" {
			d.Reasoning = strings.TrimSpace(s)
			break
		}
	}
	if c, ok := confidenceOf(fields["confidence"]); ok {
		d.Confidence = c
	}
	return d, nil
}
