package llm

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrEmptyResponse is returned when a reply carries no text in any known shape.
var ErrEmptyResponse = errors.New("model response had no text")

// ExtractText pulls the reply text out of a model response body. It knows
// the chat-completions shape, the message/content shapes used by ollama and
// Anthropic-style APIs, the responses-API output_text, plain response/text
// fields, and finally treats a non-JSON body (or a JSON string) as the text.
func ExtractText(body []byte) (string, error) {
	raw := strings.TrimSpace(string(body))
	if raw == "" {
		return "", ErrEmptyResponse
	}

	var shaped struct {
		Choices []struct {
			Message struct {
				Content json.RawMessage `json:"content"`
			} `json:"message"`
			Text string `json:"text"`
		} `json:"choices"`
		Content json.RawMessage `json:"content"`
		Message *struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
		OutputText string `json:"output_text"`
		Output     []struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
		Response string `json:"response"`
		Text     string `json:"text"`
		Error    json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &shaped); err != nil {
		var s string
		if json.Unmarshal(body, &s) == nil {
			raw = strings.TrimSpace(s)
		}
		if raw == "" {
			return "", ErrEmptyResponse
		}
		return raw, nil
	}

	if len(shaped.Choices) > 0 {
		if text := contentText(shaped.Choices[0].Message.Content); text != "" {
			return text, nil
		}
		if text := strings.TrimSpace(shaped.Choices[0].Text); text != "" {
			return text, nil
		}
	}
	if text := contentText(shaped.Content); text != "" {
		return text, nil
	}
	if shaped.Message != nil {
		if text := contentText(shaped.Message.Content); text != "" {
			return text, nil
		}
	}
	if text := strings.TrimSpace(shaped.OutputText); text != "" {
		return text, nil
	}
	var sb strings.Builder
	for _, item := range shaped.Output {
		for _, c := range item.Content {
			sb.WriteString(c.Text)
		}
	}
	if text := strings.TrimSpace(sb.String()); text != "" {
		return text, nil
	}
	if text := strings.TrimSpace(shaped.Response); text != "" {
		return text, nil
	}
	if text := strings.TrimSpace(shaped.Text); text != "" {
		return text, nil
	}
	if msg := errorText(shaped.Error); msg != "" {
		return "", errors.New("model error: " + msg)
	}
	return "", ErrEmptyResponse
}

// contentText accepts a string or a list of {type,text} parts.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &parts) != nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range parts {
		sb.WriteString(p.Text)
	}
	return strings.TrimSpace(sb.String())
}

func errorText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return strings.TrimSpace(obj.Message)
	}
	return ""
}
