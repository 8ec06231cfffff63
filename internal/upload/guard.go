// Package upload validates multipart file uploads: size, extension, MIME
// type, magic numbers and a best-effort malicious-content scan. Accepted
// files are sanitized and attached to the request for the handler.
package upload

import (
	"bytes"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/keithlinneman/reqguard/internal/reject"
)

// File is one uploaded part as received.
type File struct {
	Field        string
	Filename     string
	DeclaredType string
	Data         []byte
}

// Policy configures a Guard.
type Policy struct {
	MaxFileSize       int64
	BlockedExtensions []string
	AllowedTypes      []string
	// ScanContent enables the malicious-pattern scan.
	ScanContent bool
}

// Guard checks uploaded files against a Policy.
type Guard struct {
	maxSize int64
	blocked map[string]struct{}
	allowed map[string]struct{}
	scan    bool
}

func NewGuard(p Policy) *Guard {
	g := &Guard{
		maxSize: p.MaxFileSize,
		blocked: make(map[string]struct{}, len(p.BlockedExtensions)),
		allowed: make(map[string]struct{}, len(p.AllowedTypes)),
		scan:    p.ScanContent,
	}
	for _, e := range p.BlockedExtensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" && !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		g.blocked[e] = struct{}{}
	}
	for _, t := range p.AllowedTypes {
		g.allowed[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	return g
}

// knownTypes resolves the extensions the magic table covers without
// depending on the host's mime.types files.
var knownTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".pdf":  "application/pdf",
	".txt":  "text/plain",
	".csv":  "text/csv",
}

// DetectType resolves a file's MIME type from its name, falling back to the
// declared content type. Parameters such as charset are dropped.
func DetectType(filename, declared string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	t, ok := knownTypes[ext]
	if !ok && ext != "" {
		t = mime.TypeByExtension(ext)
	}
	if t == "" {
		t = declared
	}
	if mt, _, err := mime.ParseMediaType(t); err == nil {
		return mt
	}
	return strings.ToLower(strings.TrimSpace(t))
}

var magic = map[string][][]byte{
	"image/jpeg":      {{0xFF, 0xD8, 0xFF}},
	"image/png":       {{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}},
	"image/gif":       {[]byte("GIF87a"), []byte("GIF89a")},
	"application/pdf": {[]byte("%PDF")},
}

// contentMatches reports whether data is plausible for mimeType. Types
// without a signature pass.
func contentMatches(mimeType string, data []byte) bool {
	if sigs, ok := magic[mimeType]; ok {
		for _, s := range sigs {
			if bytes.HasPrefix(data, s) {
				return true
			}
		}
		return false
	}
	if strings.HasPrefix(mimeType, "text/") {
		return bytes.IndexByte(data, 0) < 0
	}
	return true
}

// Validate runs the structural checks and returns every problem found.
func (g *Guard) Validate(f File) []reject.FileProblem {
	var out []reject.FileProblem

	size := int64(len(f.Data))
	if g.maxSize > 0 && size > g.maxSize {
		out = append(out, reject.FileProblem{
			Reason: reject.TooLarge,
			Detail: fmt.Sprintf("file is %d bytes, limit is %d", size, g.maxSize),
		})
	}

	ext := strings.ToLower(filepath.Ext(f.Filename))
	if _, blocked := g.blocked[ext]; blocked && ext != "" {
		out = append(out, reject.FileProblem{
			Reason: reject.DisallowedType,
			Detail: "extension " + ext + " is not allowed",
		})
		return out
	}

	mt := DetectType(f.Filename, f.DeclaredType)
	if _, ok := g.allowed[mt]; !ok {
		shown := mt
		if shown == "" {
			shown = "unknown"
		}
		out = append(out, reject.FileProblem{
			Reason: reject.DisallowedType,
			Detail: "type " + shown + " is not allowed",
		})
		return out
	}

	if !contentMatches(mt, f.Data) {
		out = append(out, reject.FileProblem{
			Reason: reject.ContentMismatch,
			Detail: "content does not match " + mt,
		})
	}
	return out
}

// malwarePatterns are lowercase byte sequences that indicate embedded code.
var malwarePatterns = [][]byte{
	[]byte("<?php"),
	[]byte("<script"),
	[]byte("eval("),
	[]byte("exec("),
	[]byte("system("),
	[]byte("shell_exec("),
	[]byte("passthru("),
	[]byte("base64_decode("),
}

// Scan greps the raw bytes for malicious-code patterns. It is a cheap
// filter, not antivirus. Returns nil when scanning is disabled.
func (g *Guard) Scan(f File) []reject.FileProblem {
	if !g.scan {
		return nil
	}
	lower := bytes.ToLower(f.Data)
	for _, p := range malwarePatterns {
		if bytes.Contains(lower, p) {
			return []reject.FileProblem{{
				Reason: reject.MalwareSignature,
				Detail: "content matches pattern " + string(p),
			}}
		}
	}
	return nil
}

// Check runs Validate then Scan.
func (g *Guard) Check(f File) []reject.FileProblem {
	return append(g.Validate(f), g.Scan(f)...)
}
