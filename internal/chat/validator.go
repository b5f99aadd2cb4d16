package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // live channel frame budget
	MaxTextChars    = 2000 // max character count
)

// ErrEmptyMessage is returned for empty or whitespace-only text.
var ErrEmptyMessage = errors.New("message text is empty")

// NormalizeMessage trims text and checks that it meets content requirements.
// It returns the trimmed text that should be sent.
func NormalizeMessage(text string) (string, error) {
	text = strings.TrimSpace(text)
	if err := ValidateMessage(text); err != nil {
		return "", err
	}
	return text, nil
}

// ValidateMessage checks that a chat message meets content requirements.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	return nil
}
