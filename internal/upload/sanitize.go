package upload

import (
	"path/filepath"
	"strings"

	"github.com/keithlinneman/reqguard/internal/cryptoutil"
	"github.com/keithlinneman/reqguard/internal/pathutil"
	"github.com/keithlinneman/reqguard/internal/reqmeta"
)

const maxStemLen = 100

// Sanitize produces the stored form of an accepted file. It never fails:
// a name with nothing usable left becomes "upload".
func Sanitize(f File) reqmeta.File {
	digest := cryptoutil.SHA256Hex(f.Data)

	return reqmeta.File{
		Field:        f.Field,
		OriginalName: f.Filename,
		SafeName:     SafeName(f.Filename, digest),
		ContentType:  DetectType(f.Filename, f.DeclaredType),
		Size:         int64(len(f.Data)),
		SHA256:       digest,
	}
}

// SafeName strips directories, restricts the name to [A-Za-z0-9._-] and
// appends the first 8 hex digits of digest before the extension.
func SafeName(name, digest string) string {
	base := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, pathutil.BaseName(name))
	base = strings.TrimLeft(base, ".")

	ext := strings.ToLower(filepath.Ext(base))
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	stem = strings.Trim(stem, "._")
	if stem == "" {
		stem = "upload"
	}
	if len(stem) > maxStemLen {
		stem = stem[:maxStemLen]
	}
	if ext == "." {
		ext = ""
	}

	suffix := digest
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	if suffix == "" {
		return stem + ext
	}
	return stem + "_" + suffix + ext
}
