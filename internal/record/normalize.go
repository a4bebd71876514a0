package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jmerrifield20/ledgerpublisher/internal/canonical"
	"golang.org/x/net/idna"
)

// ErrUnknownNormalizer is returned for a normaliser name not in the registry.
var ErrUnknownNormalizer = errors.New("unknown normalizer")

// ErrInvalidValue is wrapped when a value does not match its normaliser's
// format.
var ErrInvalidValue = errors.New("invalid field value")

// Normalizer maps one raw field value to its canonical string form.
type Normalizer func(v any) (string, error)

var (
	hexDigestPattern = regexp.MustCompile(`^0x[0-9a-f]{64}$`)
	addressPattern   = regexp.MustCompile(`^0x[0-9a-f]{40}$`)
	decimalPattern   = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)
)

// utcLayout is the output layout of iso8601_to_utc.
const utcLayout = "2006-01-02T15:04:05Z"

// naive timestamps carry no zone and are read as UTC.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

var normalizers = map[string]Normalizer{
	"trim_ascii":                    str(trimASCII),
	"lower":                         str(strings.ToLower),
	"upper":                         str(strings.ToUpper),
	"idna_lower_strip_trailing_dot": str(idnaLower),
	"lower_hex":                     checked(lowerMatching(hexDigestPattern, "hex digest")),
	"lower_address_optional":        optional(checked(lowerMatching(addressPattern, "address"))),
	"iso8601_to_utc":                checked(isoToUTC),
	"decimal_string":                checked(decimalString),
	"decimal_string_optional":       optional(checked(decimalString)),
	"lower_enum":                    str(strings.ToLower),
	"lower_enum_optional":           optional(str(strings.ToLower)),
	"trim_ascii_optional":           optional(str(trimASCII)),
	"deterministic_json_optional":   optional(deterministicJSON),
}

// LookupNormalizer returns the normaliser registered under name.
func LookupNormalizer(name string) (Normalizer, error) {
	n, ok := normalizers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNormalizer, name)
	}
	return n, nil
}

// NormalizerNames lists every registered normaliser.
func NormalizerNames() []string {
	out := make([]string, 0, len(normalizers))
	for name := range normalizers {
		out = append(out, name)
	}
	return out
}

// isOptional reports whether an absent value is allowed for name.
func isOptional(name string) bool {
	return strings.HasSuffix(name, "_optional")
}

// isEmpty treats nil, "" and false as absent.
func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case bool:
		return !t
	case json.Number:
		return t == "" || t == "0"
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	}
	return false
}

// Stringify renders a scalar JSON value as text. Objects and arrays are
// rendered as canonical JSON.
func Stringify(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case bool:
		return strconv.FormatBool(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	default:
		b, err := canonical.Marshal(t)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

func str(f func(string) string) Normalizer {
	return func(v any) (string, error) {
		s, err := Stringify(v)
		if err != nil {
			return "", err
		}
		return f(s), nil
	}
}

func checked(f func(string) (string, error)) Normalizer {
	return func(v any) (string, error) {
		s, err := Stringify(v)
		if err != nil {
			return "", err
		}
		return f(s)
	}
}

func optional(n Normalizer) Normalizer {
	return func(v any) (string, error) {
		if isEmpty(v) {
			return "", nil
		}
		return n(v)
	}
}

func trimASCII(s string) string {
	return strings.Trim(s, " \t\n\v\f\r")
}

// idnaLower converts a domain to its lowercase ASCII form without a trailing
// dot. Values the IDNA profile rejects are only lowercased.
func idnaLower(s string) string {
	s = strings.TrimSuffix(s, ".")
	if ascii, err := idna.Lookup.ToASCII(s); err == nil {
		s = ascii
	}
	return strings.TrimSuffix(strings.ToLower(s), ".")
}

func lowerMatching(re *regexp.Regexp, what string) func(string) (string, error) {
	return func(s string) (string, error) {
		s = strings.ToLower(s)
		if !re.MatchString(s) {
			return "", fmt.Errorf("%w: %s %q", ErrInvalidValue, what, s)
		}
		return s, nil
	}
}

func isoToUTC(s string) (string, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC().Format(utcLayout), nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Format(utcLayout), nil
		}
	}
	return "", fmt.Errorf("%w: timestamp %q", ErrInvalidValue, s)
}

func decimalString(s string) (string, error) {
	if !decimalPattern.MatchString(s) {
		return "", fmt.Errorf("%w: decimal %q", ErrInvalidValue, s)
	}
	return s, nil
}

func deterministicJSON(v any) (string, error) {
	b, err := canonical.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return string(b), nil
}
