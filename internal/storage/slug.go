package storage

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var slugFolder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// slugify lowercases the name and folds diacritics so the slug is safe to use
// in URLs. Image names are already restricted to letters, digits and hyphens,
// but slugs may also be assembled from admin-provided catalog names.
func slugify(name string) string {
	folded, _, err := transform.String(slugFolder, name)
	if err != nil {
		folded = name
	}
	var builder strings.Builder
	lastHyphen := false
	for _, r := range strings.ToLower(folded) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			builder.WriteRune(r)
			lastHyphen = false
		case r == '-' || r == ' ' || r == '_':
			if !lastHyphen && builder.Len() > 0 {
				builder.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimSuffix(builder.String(), "-")
}

// imageSlug combines the slugified name with the record id, guaranteeing
// uniqueness even when two uploads share a name.
func imageSlug(name, id string) string {
	base := slugify(name)
	if base == "" {
		return id
	}
	return base + "-" + id
}
