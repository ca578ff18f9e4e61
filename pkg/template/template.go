// Package template handles {{key}} delimiter extraction, reconciliation
// against a previously configured delimiter set, and value substitution.
package template

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/accordsai/signlane/pkg/domain"
)

var placeholderRE = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

var validate = validator.New()

// ExtractKeys scans text for {{identifier}} placeholders and returns the
// unique keys in first-seen order.
func ExtractKeys(text string) []string {
	seen := map[string]struct{}{}
	var keys []string
	for _, m := range placeholderRE.FindAllStringSubmatch(text, -1) {
		key := m[1]
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys
}

// Reconcile merges freshly extracted keys with existing delimiter definitions.
// Extracted keys keep their prior definition when present and get a text
// default otherwise. Prior definitions missing from the extraction are kept
// with Unused set so operator configuration survives template edits.
func Reconcile(extracted []string, existing []domain.Delimiter) []domain.Delimiter {
	prior := make(map[string]domain.Delimiter, len(existing))
	for _, d := range existing {
		prior[d.Key] = d
	}

	out := make([]domain.Delimiter, 0, len(extracted)+len(existing))
	inText := make(map[string]struct{}, len(extracted))
	for _, key := range extracted {
		inText[key] = struct{}{}
		if d, ok := prior[key]; ok {
			d.Unused = false
			out = append(out, d)
			continue
		}
		out = append(out, domain.Delimiter{Key: key, Type: domain.DelimiterText})
	}
	for _, d := range existing {
		if _, ok := inText[d.Key]; ok {
			continue
		}
		d.Unused = true
		out = append(out, d)
	}
	return out
}

// Substitute replaces known keys with their values (absent values become the
// empty string), then strips any remaining placeholders. The result contains
// no placeholders, so a second pass is a no-op.
func Substitute(text string, values map[string]string) string {
	return placeholderRE.ReplaceAllStringFunc(text, func(m string) string {
		key := placeholderRE.FindStringSubmatch(m)[1]
		return values[key]
	})
}

var phoneRE = regexp.MustCompile(`^\+?[0-9][0-9 \-()]*$`)

var dateLayouts = []string{time.RFC3339, "2006-01-02", "01/02/2006", "2006/01/02"}

// ValidateTypedValue checks every delimiter value against its declared type.
// All failures are accumulated; a single bad value never hides the rest.
func ValidateTypedValue(delimiters []domain.Delimiter, values map[string]string) error {
	var errs []error
	for _, d := range delimiters {
		v, ok := values[d.Key]
		if !ok || strings.TrimSpace(v) == "" {
			if d.Required && !d.Unused {
				errs = append(errs, fmt.Errorf("delimiter %q: required value missing", d.Key))
			}
			continue
		}
		if err := checkTyped(d.Type, v); err != nil {
			errs = append(errs, fmt.Errorf("delimiter %q: %w", d.Key, err))
		}
	}
	return errors.Join(errs...)
}

func checkTyped(typ domain.DelimiterType, v string) error {
	switch typ {
	case domain.DelimiterEmail:
		if err := validate.Var(v, "email"); err != nil {
			return fmt.Errorf("invalid email %q", v)
		}
	case domain.DelimiterPhone:
		digits := 0
		for _, r := range v {
			if r >= '0' && r <= '9' {
				digits++
			}
		}
		if !phoneRE.MatchString(strings.TrimSpace(v)) || digits < 7 || digits > 15 {
			return fmt.Errorf("invalid phone %q", v)
		}
	case domain.DelimiterDate:
		if _, err := parseDate(v); err != nil {
			return fmt.Errorf("invalid date %q", v)
		}
	case domain.DelimiterNumber:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			return fmt.Errorf("invalid number %q", v)
		}
	}
	return nil
}

func parseDate(v string) (time.Time, error) {
	s := strings.TrimSpace(v)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", v)
}
