// internal/model/content.go
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// MaxSMSLength is the concatenated SMS ceiling most aggregators accept.
const MaxSMSLength = 1600

type SuggestionType string

const (
	SuggestionReply SuggestionType = "reply"
	SuggestionURL   SuggestionType = "url"
	SuggestionDial  SuggestionType = "dial"
)

type Suggestion struct {
	Type         SuggestionType `json:"type"`
	Text         string         `json:"text"`
	URL          string         `json:"url,omitempty"`
	PhoneNumber  string         `json:"phone_number,omitempty"`
	PostbackData string         `json:"postback_data,omitempty"`
}

type RichCard struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	MediaURL    string `json:"media_url,omitempty"`
	MediaType   string `json:"media_type,omitempty"`
}

// Content is the rich payload of a message. SMS messages only use Text.
type Content struct {
	Text        string       `json:"text"`
	RichCard    *RichCard    `json:"rich_card,omitempty"`
	Suggestions []Suggestion `json:"suggestions,omitempty"`
}

// SMSText flattens rich content into plain text. Card fields and actionable
// suggestions become inline lines; reply suggestions are dropped.
func (c Content) SMSText() string {
	var b strings.Builder
	b.WriteString(c.Text)

	if card := c.RichCard; card != nil {
		if card.Title != "" {
			b.WriteString("\n\n" + card.Title)
		}
		if card.Description != "" {
			b.WriteString("\n" + card.Description)
		}
		if card.MediaURL != "" {
			b.WriteString("\nView: " + card.MediaURL)
		}
	}

	if len(c.Suggestions) > 0 {
		b.WriteString("\n")
		for _, s := range c.Suggestions {
			switch {
			case s.Type == SuggestionURL && s.URL != "":
				fmt.Fprintf(&b, "\n%s: %s", s.Text, s.URL)
			case s.Type == SuggestionDial && s.PhoneNumber != "":
				b.WriteString("\nCall: " + s.PhoneNumber)
			}
		}
	}

	text := b.String()
	if runes := []rune(text); len(runes) > MaxSMSLength {
		text = string(runes[:MaxSMSLength-3]) + "..."
	}
	return strings.TrimSpace(text)
}

// Render applies fn to every user-visible string of the content.
func (c Content) Render(fn func(string) string) Content {
	out := Content{Text: fn(c.Text)}
	if c.RichCard != nil {
		card := *c.RichCard
		card.Title = fn(card.Title)
		card.Description = fn(card.Description)
		card.MediaURL = fn(card.MediaURL)
		out.RichCard = &card
	}
	if len(c.Suggestions) > 0 {
		out.Suggestions = make([]Suggestion, len(c.Suggestions))
		for i, s := range c.Suggestions {
			s.Text = fn(s.Text)
			s.URL = fn(s.URL)
			out.Suggestions[i] = s
		}
	}
	return out
}

// Value stores content as JSONB.
func (c Content) Value() (driver.Value, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (c *Content) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*c = Content{}
		return nil
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	default:
		return fmt.Errorf("content: unsupported scan type %T", src)
	}
}
