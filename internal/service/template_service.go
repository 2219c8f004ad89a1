// internal/service/template_service.go
package service

import (
	"errors"
	"strings"

	"github.com/unclebandit/rcs-campaign-pipeline/internal/model"
)

// RenderTemplate replaces {key} placeholders with values from data.
func RenderTemplate(template string, data map[string]string) string {
	result := template
	for k, v := range data {
		result = strings.ReplaceAll(result, "{"+k+"}", v)
	}
	return result
}

var ErrEmptyContent = errors.New("rendered content is empty")

// Renderer personalizes a campaign template for one recipient.
type Renderer interface {
	Render(template model.Content, recipient model.Recipient) (model.Content, error)
}

// TemplateRenderer fills {placeholders} in every text field of the template.
type TemplateRenderer struct{}

func (TemplateRenderer) Render(template model.Content, recipient model.Recipient) (model.Content, error) {
	data := recipient.TemplateData()
	out := template.Render(func(s string) string { return RenderTemplate(s, data) })
	if strings.TrimSpace(out.Text) == "" && out.RichCard == nil {
		return model.Content{}, ErrEmptyContent
	}
	return out, nil
}
