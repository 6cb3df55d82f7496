package ai

import (
	"regexp"
	"strings"
)

var leadingNameTag = regexp.MustCompile(`^\s*<<<[^>]*>>>`)

// StripNamePrefix removes leading "<<<name>>>" tags the model tends to copy
// from the history, then any leading colons and spaces.
func StripNamePrefix(text string) string {
	for leadingNameTag.MatchString(text) {
		text = leadingNameTag.ReplaceAllString(text, "")
		text = strings.TrimLeft(text, ": ")
	}
	return strings.TrimLeft(text, ": ")
}
