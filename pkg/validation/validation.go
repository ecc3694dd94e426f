package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// IDRegex constrains drone, channel and pattern identifiers.
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidateID validates an identifier (drone, channel, pattern).
func ValidateID(id, fieldName string) error {
	if id == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(id) > 100 {
		return fmt.Errorf("%s is too long (max 100 characters)", fieldName)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format (only letters, numbers, _, - allowed)", fieldName)
	}
	return nil
}

// ValidateName validates a human-readable name.
func ValidateName(name, fieldName string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if utf8.RuneCountInString(name) > 100 {
		return fmt.Errorf("%s is too long (max 100 characters)", fieldName)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("%s contains invalid characters", fieldName)
	}
	return nil
}

// ValidateFrequencyMHz checks a radio frequency is within plausible bounds
// for fleet communications (HF through C band).
func ValidateFrequencyMHz(freq float64) error {
	if freq <= 0 {
		return fmt.Errorf("frequency must be positive")
	}
	if freq < 3 || freq > 8000 {
		return fmt.Errorf("frequency %.2f MHz outside supported range (3-8000 MHz)", freq)
	}
	return nil
}

// ValidateBandwidthMHz checks a channel bandwidth.
func ValidateBandwidthMHz(bw float64) error {
	if bw <= 0 {
		return fmt.Errorf("bandwidth must be positive")
	}
	if bw > 500 {
		return fmt.Errorf("bandwidth %.2f MHz is too wide (max 500 MHz)", bw)
	}
	return nil
}

// ValidateReliability checks a reliability figure is a valid probability.
func ValidateReliability(r float64) error {
	if r < 0 || r > 1 {
		return fmt.Errorf("reliability must be in [0, 1], got %v", r)
	}
	return nil
}

// ValidateNonEmptyString validates that a string is not empty after trimming.
func ValidateNonEmptyString(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}
