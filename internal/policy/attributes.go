package policy

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxAttributeKeyLength   = 64
	MaxAttributeValueLength = 1000
	MaxAttributesPerBatch   = 100
)

var (
	ErrEmptyBatch    = errors.New("attribute batch is empty")
	ErrBatchTooLarge = errors.New("attribute batch too large")
	ErrInvalidKey    = errors.New("invalid attribute key")
	ErrValueTooLong  = errors.New("attribute value too long")
)

// ValidateAttributes checks a batch before it is sent to the backend.
func ValidateAttributes(attrs map[string]string) error {
	if len(attrs) == 0 {
		return ErrEmptyBatch
	}
	if len(attrs) > MaxAttributesPerBatch {
		return fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(attrs), MaxAttributesPerBatch)
	}
	for k, v := range attrs {
		if err := ValidateKey(k); err != nil {
			return err
		}
		if utf8.RuneCountInString(v) > MaxAttributeValueLength {
			return fmt.Errorf("%w: %q", ErrValueTooLong, k)
		}
	}
	return nil
}

// ValidateKey rejects blank keys, keys with surrounding whitespace and keys
// longer than MaxAttributeKeyLength bytes.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	case strings.TrimSpace(key) != key:
		return fmt.Errorf("%w: %q has surrounding whitespace", ErrInvalidKey, key)
	case len(key) > MaxAttributeKeyLength:
		return fmt.Errorf("%w: %q longer than %d", ErrInvalidKey, key, MaxAttributeKeyLength)
	}
	return nil
}
