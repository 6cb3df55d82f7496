// Package prompt renders prompt templates with named {placeholder} fields.
//
// Templates use single braces around a field name. Doubled braces ("{{" and
// "}}") produce literal braces. Values are formatted with fmt.Sprint.
package prompt

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// ErrMissingPlaceholder is matched by every MissingPlaceholderError.
var ErrMissingPlaceholder = errors.New("missing placeholder")

// ErrMalformedTemplate reports an unterminated placeholder.
var ErrMalformedTemplate = errors.New("malformed template")

// MissingPlaceholderError names the placeholder that had no replacement.
type MissingPlaceholderError struct {
	Name string
}

func (e *MissingPlaceholderError) Error() string {
	return fmt.Sprintf("missing placeholder %q", e.Name)
}

func (e *MissingPlaceholderError) Is(target error) bool {
	return target == ErrMissingPlaceholder
}

// Replacements maps placeholder names to values.
type Replacements map[string]any

const logPreviewChars = 75

// Templater renders templates and logs a preview of every render.
type Templater struct {
	logger *logrus.Logger
}

// NewTemplater creates a templater logging through logger.
func NewTemplater(logger *logrus.Logger) *Templater {
	return &Templater{logger: logger}
}

// Render substitutes replacements into tmpl. A template without placeholders
// is returned untouched when there are no replacements.
func (t *Templater) Render(tmpl string, replacements Replacements) (string, error) {
	out, err := Render(tmpl, replacements)
	if err != nil {
		t.logger.WithError(err).WithField("template", preview(tmpl)).Error("Prompt rendering failed")
		return "", err
	}
	t.logger.WithFields(logrus.Fields{
		"placeholders": len(replacements),
		"prompt":       preview(out),
	}).Debug("Prompt rendered")
	return out, nil
}

// Render is the logging-free form of Templater.Render.
func Render(tmpl string, replacements Replacements) (string, error) {
	if len(replacements) == 0 && len(Placeholders(tmpl)) == 0 {
		return tmpl, nil
	}

	var b strings.Builder
	b.Grow(len(tmpl))

	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		switch {
		case c == '{' && i+1 < len(tmpl) && tmpl[i+1] == '{':
			b.WriteByte('{')
			i++
		case c == '}' && i+1 < len(tmpl) && tmpl[i+1] == '}':
			b.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(tmpl[i+1:], '}')
			if end < 0 {
				return "", fmt.Errorf("%w: unterminated placeholder at offset %d", ErrMalformedTemplate, i)
			}
			name := strings.TrimSpace(tmpl[i+1 : i+1+end])
			value, ok := replacements[name]
			if !ok {
				return "", &MissingPlaceholderError{Name: name}
			}
			b.WriteString(fmt.Sprint(value))
			i += end + 1
		default:
			b.WriteByte(c)
		}
	}

	return b.String(), nil
}

// Placeholders lists the field names referenced by tmpl in order of first use.
func Placeholders(tmpl string) []string {
	var names []string
	seen := make(map[string]bool)
	for i := 0; i < len(tmpl); i++ {
		if tmpl[i] != '{' {
			continue
		}
		if i+1 < len(tmpl) && tmpl[i+1] == '{' {
			i++
			continue
		}
		end := strings.IndexByte(tmpl[i+1:], '}')
		if end < 0 {
			break
		}
		name := strings.TrimSpace(tmpl[i+1 : i+1+end])
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
		i += end + 1
	}
	return names
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= logPreviewChars {
		return s
	}
	return string(r[:logPreviewChars])
}
