// Package sanitize turns untrusted filenames into names that are safe to join
// with a storage root, and verifies that the joined path stays inside it.
//
// Clean is a string-level filter. Guard.Resolve is the authoritative check:
// it canonicalizes the joined path, following symlinks, and rejects anything
// that is not a descendant of the root.
package sanitize

import (
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
)

const (
	// MaxNameLength bounds both runes and UTF-8 bytes; filesystems limit bytes.
	MaxNameLength = 255

	// percent-decoding rounds applied when looking for encoded traversal
	maxDecodeRounds = 3
)

const (
	RuleInvalidFilename  = "INVALID_FILENAME"
	RuleReservedFilename = "RESERVED_FILENAME"
	RulePathTraversal    = "PATH_TRAVERSAL_ATTEMPT"
)

var reservedNames = func() map[string]struct{} {
	m := map[string]struct{}{"CON": {}, "PRN": {}, "AUX": {}, "NUL": {}}
	for i := '1'; i <= '9'; i++ {
		m["COM"+string(i)] = struct{}{}
		m["LPT"+string(i)] = struct{}{}
	}
	return m
}()

// separators includes lookalikes that some filesystems or later decoders
// fold into real separators.
var separators = []string{"/", "\\", "／", "＼", "∕", "⁄", "⧸"}

// Clean validates raw and strips characters that are illegal on common
// filesystems. modified reports whether the returned name differs from raw.
func Clean(raw string) (name string, modified bool, err error) {
	if raw == "" {
		return "", false, apperror.Validation(RuleInvalidFilename, "filename is empty")
	}
	if !utf8.ValidString(raw) {
		return "", false, apperror.Validation(RuleInvalidFilename, "filename is not valid UTF-8")
	}
	if utf8.RuneCountInString(raw) > MaxNameLength || len(raw) > MaxNameLength {
		return "", false, apperror.Validation(RuleInvalidFilename, "filename is too long")
	}

	for _, form := range decodedForms(raw) {
		if hasTraversal(form) {
			return "", false, apperror.Containment(RulePathTraversal, "filename contains a path component")
		}
	}

	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || strings.ContainsRune(`<>:"|?*`, r) {
			return -1
		}
		return r
	}, raw)
	name = strings.Trim(name, ". ")

	if name == "" {
		return "", false, apperror.Validation(RuleInvalidFilename, "filename has no usable characters")
	}
	if isReserved(name) {
		return "", false, apperror.Validation(RuleReservedFilename, "filename is a reserved device name")
	}

	return name, name != raw, nil
}

// decodedForms returns raw followed by each successive percent-decoding of
// it, stopping when decoding fails or no longer changes the string.
func decodedForms(raw string) []string {
	forms := []string{raw}
	cur := raw
	for i := 0; i < maxDecodeRounds; i++ {
		next, err := url.PathUnescape(cur)
		if err != nil || next == cur {
			break
		}
		forms = append(forms, next)
		cur = next
	}
	return forms
}

func hasTraversal(s string) bool {
	if strings.Contains(s, "..") || strings.ContainsRune(s, 0) {
		return true
	}
	for _, sep := range separators {
		if strings.Contains(s, sep) {
			return true
		}
	}
	// drive-letter forms such as C: or c:evil
	if len(s) >= 2 && s[1] == ':' && ('a' <= s[0] && s[0] <= 'z' || 'A' <= s[0] && s[0] <= 'Z') {
		return true
	}
	return false
}

func isReserved(name string) bool {
	base, _, _ := strings.Cut(name, ".")
	base = strings.ToUpper(strings.TrimRight(base, " "))
	_, ok := reservedNames[base]
	return ok
}
