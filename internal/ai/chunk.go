package ai

import "encoding/json"

// ChatChunk is one decoded line of a streaming response.
type ChatChunk struct {
	Content string
	Done    bool
	Error   string
}

// ChatResult is a decoded buffered response.
type ChatResult struct {
	Content string
	Error   string
}

// ollamaWire covers both response shapes. Unknown fields are ignored and
// missing ones decode to their zero value.
type ollamaWire struct {
	Message *struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

func (w ollamaWire) content() string {
	if w.Message == nil {
		return ""
	}
	return w.Message.Content
}

func decodeChunk(line []byte) (ChatChunk, error) {
	var w ollamaWire
	if err := json.Unmarshal(line, &w); err != nil {
		return ChatChunk{}, err
	}
	return ChatChunk{Content: w.content(), Done: w.Done, Error: w.Error}, nil
}

func decodeResult(body []byte) (ChatResult, error) {
	var w ollamaWire
	if err := json.Unmarshal(body, &w); err != nil {
		return ChatResult{}, err
	}
	return ChatResult{Content: w.content(), Error: w.Error}, nil
}
