// ABOUTME: Entry types for the tool, resource, and prompt registries.
// ABOUTME: Meta carries the common key and timestamp fields shared by all three.

package registry

import (
	"encoding/json"
	"time"
)

// Meta holds the fields common to every registry entry. The key is the
// tool name, resource URI, or prompt id; it is unique within its registry.
type Meta struct {
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// EntryKey returns the entry's registry key.
func (m *Meta) EntryKey() string { return m.Key }

func (m *Meta) meta() *Meta { return m }

// Entry is the closed set of registry entry shapes. Implemented only by
// *Tool, *Resource, and *Prompt via embedded Meta.
type Entry interface {
	EntryKey() string
	meta() *Meta
	hint() string
}

// Tool is a callable definition: how to reach it and what it accepts.
type Tool struct {
	Meta
	Description      string          `json:"description"`
	InputSchema      json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema     json.RawMessage `json:"outputSchema,omitempty"`
	InvocationMethod string          `json:"invocationMethod"`
	InvocationTarget string          `json:"invocationTarget"`
}

func (t *Tool) hint() string { return "tool" }

// Resource is an addressable piece of content, inline or by reference.
type Resource struct {
	Meta
	MIMEType    string `json:"mimeType"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Text        string `json:"text,omitempty"`
	Ref         string `json:"ref,omitempty"`
}

func (r *Resource) hint() string {
	if r.Title != "" {
		return r.Title
	}
	return "resource"
}

// MessagePart is one piece of a prompt message's content.
type MessagePart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// PromptMessage is one templated message in a prompt definition.
type PromptMessage struct {
	Role    string        `json:"role"`
	Content []MessagePart `json:"content"`
}

// Prompt is a parameterized prompt template.
type Prompt struct {
	Meta
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	Messages       []PromptMessage `json:"messages"`
	ArgumentSchema json.RawMessage `json:"argumentSchema,omitempty"`
}

func (p *Prompt) hint() string {
	if p.Name != "" {
		return p.Name
	}
	return "prompt"
}

func cloneTool(t *Tool) *Tool {
	c := *t
	return &c
}

func cloneResource(r *Resource) *Resource {
	c := *r
	return &c
}

func clonePrompt(p *Prompt) *Prompt {
	c := *p
	if p.Messages != nil {
		c.Messages = make([]PromptMessage, len(p.Messages))
		for i, m := range p.Messages {
			c.Messages[i] = m
			if m.Content != nil {
				c.Messages[i].Content = make([]MessagePart, len(m.Content))
				copy(c.Messages[i].Content, m.Content)
			}
		}
	}
	return &c
}
