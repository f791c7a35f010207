// Package render expands task prompt files before they are handed to a model
// client. Prompts are plain text with optional template actions referencing
// the task id and its variables.
package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"text/template"
)

// PromptData is the data available to a prompt template.
type PromptData struct {
	TaskID string
	Vars   map[string]any
}

// Engine renders prompt templates.
type Engine struct {
	funcs template.FuncMap
}

// New initialises an Engine with the prompt helper functions.
func New() *Engine {
	return &Engine{
		funcs: template.FuncMap{
			"json": func(v any) (string, error) {
				data, err := json.Marshal(v)
				if err != nil {
					return "", err
				}
				return string(data), nil
			},
		},
	}
}

// Render executes the prompt text as a template with the provided data.
func (e *Engine) Render(prompt string, data PromptData) (string, error) {
	if e == nil {
		return "", fmt.Errorf("nil engine")
	}

	t, err := template.New("prompt").Funcs(e.funcs).Parse(prompt)
	if err != nil {
		return "", fmt.Errorf("parse prompt: %w", err)
	}

	buf := bytes.NewBuffer(nil)
	if err := t.Execute(buf, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

// RenderFile reads a prompt file and renders it.
func (e *Engine) RenderFile(path string, data PromptData) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	return e.Render(string(raw), data)
}
