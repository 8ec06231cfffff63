// Package threat scans request parameters and bodies for SQL injection,
// script injection and path traversal, and flags known scanner user agents.
//
// Every SQL, XSS or traversal hit is critical and blocks the request. A
// suspicious user agent is a warning and is only logged.
package threat

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/keithlinneman/reqguard/internal/clock"
	"github.com/keithlinneman/reqguard/internal/pathutil"
)

type Severity string

const (
	Warning  Severity = "warning"
	Critical Severity = "critical"
)

// Violation types.
const (
	TypeSQLInjection  = "sql_injection"
	TypeXSS           = "xss"
	TypePathTraversal = "path_traversal"
	TypeSuspiciousUA  = "suspicious_user_agent"
	opaqueBodyField   = "body"
	opaqueQueryField  = "query"
)

// Violation is one finding. It is an append-only audit record.
type Violation struct {
	Type     string    `json:"type"`
	Severity Severity  `json:"severity"`
	Field    string    `json:"field"`
	Detail   string    `json:"detail"`
	At       time.Time `json:"at"`
	Client   string    `json:"client"`
}

// Input is the request data a scan covers.
type Input struct {
	Client      string
	Path        string
	Query       url.Values
	// RawQuery, when set, is parsed in place of Query. A query that does
	// not parse cleanly is also scanned whole.
	RawQuery    string
	ContentType string
	Body        []byte
	UserAgent   string
}

// Scanner runs the fixed pattern families over an Input.
type Scanner struct {
	clock  clock.Clock
	agents []string
}

// NewScanner returns a Scanner. A nil agents list uses the built-in list.
func NewScanner(clk clock.Clock, agents []string) *Scanner {
	if clk == nil {
		clk = clock.System()
	}
	if agents == nil {
		agents = defaultSuspiciousAgents
	}
	lower := make([]string, 0, len(agents))
	for _, a := range agents {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			lower = append(lower, a)
		}
	}
	return &Scanner{clock: clk, agents: lower}
}

// ScanValue checks one whole scalar and returns the first matching family,
// if any. SQL patterns run before XSS patterns. Input size is bounded by the
// body limit and RE2 matching is linear, so values are never truncated.
func ScanValue(v string) (typ string, matched bool) {
	for _, re := range sqlPatterns {
		if re.MatchString(v) {
			return TypeSQLInjection, true
		}
	}
	for _, re := range xssPatterns {
		if re.MatchString(v) {
			return TypeXSS, true
		}
	}
	return "", false
}

// Scan returns every violation in in. Each field stops at its first match;
// all fields are visited.
func (s *Scanner) Scan(in Input) []Violation {
	now := s.clock.Now()
	var out []Violation
	add := func(typ string, sev Severity, field, detail string) {
		out = append(out, Violation{Type: typ, Severity: sev, Field: field, Detail: detail, At: now, Client: in.Client})
	}
	check := func(field, v string) {
		if typ, ok := ScanValue(v); ok {
			add(typ, Critical, field, "pattern matched in "+field)
		}
	}

	if pathutil.HasTraversal(in.Path) {
		add(TypePathTraversal, Critical, "path", "dot segments in request path")
	}

	query := in.Query
	if in.RawQuery != "" {
		q, err := url.ParseQuery(in.RawQuery)
		query = q
		if err != nil {
			// ParseQuery drops pairs with bad escapes, a lenient handler would not
			checkAny(check, opaqueQueryField, in.RawQuery, lenientUnescape(in.RawQuery))
		}
	}
	for _, k := range sortedKeys(query) {
		for i, v := range query[k] {
			field := "query." + k
			if len(query[k]) > 1 {
				field += "[" + strconv.Itoa(i) + "]"
			}
			check(field, v)
		}
	}

	s.scanBody(in, check)

	if ua := strings.ToLower(in.UserAgent); ua != "" {
		for _, a := range s.agents {
			if strings.Contains(ua, a) {
				add(TypeSuspiciousUA, Warning, "header.user-agent", "scanner user agent: "+a)
				break
			}
		}
	}
	return out
}

func (s *Scanner) scanBody(in Input, check func(field, v string)) {
	if len(in.Body) == 0 {
		return
	}
	mt, params, _ := mime.ParseMediaType(in.ContentType)

	switch {
	case mt == "application/json" || strings.HasSuffix(mt, "+json"):
		var doc any
		dec := json.NewDecoder(bytes.NewReader(in.Body))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			// declared JSON that does not parse is scanned as one opaque value
			check(opaqueBodyField, string(in.Body))
			return
		}
		walkJSON("body", doc, check)

	case mt == "application/x-www-form-urlencoded":
		form, err := url.ParseQuery(string(in.Body))
		if err != nil {
			check(opaqueBodyField, string(in.Body))
			return
		}
		for _, k := range sortedKeys(form) {
			for _, v := range form[k] {
				check("form."+k, v)
			}
		}

	case mt == "multipart/form-data":
		scanMultipartFields(in.Body, params["boundary"], check)

	case strings.HasPrefix(mt, "text/") || mt == "":
		check(opaqueBodyField, string(in.Body))
	}
	// other binary types are the upload guard's concern
}

// walkJSON visits every string scalar at any depth.
func walkJSON(path string, v any, check func(field, v string)) {
	switch t := v.(type) {
	case string:
		check(path, t)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walkJSON(path+"."+k, t[k], check)
		}
	case []any:
		for i, e := range t {
			walkJSON(path+"["+strconv.Itoa(i)+"]", e, check)
		}
	}
}

// scanMultipartFields checks non-file form parts. File parts belong to the
// upload guard.
func scanMultipartFields(body []byte, boundary string, check func(field, v string)) {
	if boundary == "" {
		check(opaqueBodyField, string(body))
		return
	}
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			return
		}
		if err != nil {
			// a framing error hides the remaining parts, so scan the lot
			check(opaqueBodyField, string(body))
			return
		}
		if p.FileName() != "" {
			p.Close()
			continue
		}
		// the whole body is already bounded by the capture stage
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(p)
		check("form."+p.FormName(), buf.String())
		p.Close()
	}
}

// checkAny reports field at most once, for the first variant that matches.
func checkAny(check func(field, v string), field string, variants ...string) {
	for _, v := range variants {
		if _, ok := ScanValue(v); ok {
			check(field, v)
			return
		}
	}
}

// lenientUnescape decodes '+' and every well formed %XX, leaving malformed
// escapes as they are.
func lenientUnescape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '+':
			b.WriteByte(' ')
		case c == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]):
			b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func unhex(c byte) byte {
	switch {
	case c <= '9':
		return c - '0'
	case c >= 'a':
		return c - 'a' + 10
	}
	return c - 'A' + 10
}

func sortedKeys(v url.Values) []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
