package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/go-cmp/cmp"

	"github.com/keithlinneman/reqguard/internal/reject"
	"github.com/keithlinneman/reqguard/internal/reqmeta"
)

var (
	pngData  = append([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, bytes.Repeat([]byte{1}, 32)...)
	jpegData = append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, bytes.Repeat([]byte{2}, 32)...)
	pdfData  = []byte("%PDF-1.7\n1 0 obj\n")
)

func testPolicy() Policy {
	return Policy{
		MaxFileSize:       1024,
		BlockedExtensions: []string{".exe", "php", ".sh"},
		AllowedTypes:      []string{"image/jpeg", "image/png", "image/gif", "application/pdf", "text/plain", "text/csv"},
		ScanContent:       true,
	}
}

func reasons(ps []reject.FileProblem) []reject.UploadReason {
	out := make([]reject.UploadReason, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Reason)
	}
	return out
}

func TestDetectType(t *testing.T) {
	tests := []struct {
		name, declared, want string
	}{
		{"photo.JPG", "", "image/jpeg"},
		{"scan.pdf", "application/octet-stream", "application/pdf"},
		{"notes.txt", "", "text/plain"},
		{"noext", "image/png", "image/png"},
		{"noext", "text/plain; charset=utf-8", "text/plain"},
		{"noext", "", ""},
	}
	for _, tt := range tests {
		if got := DetectType(tt.name, tt.declared); got != tt.want {
			t.Errorf("DetectType(%q, %q) = %q, want %q", tt.name, tt.declared, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	g := NewGuard(testPolicy())
	tests := []struct {
		name string
		file File
		want []reject.UploadReason
	}{
		{"png ok", File{Filename: "a.png", Data: pngData}, nil},
		{"jpeg ok", File{Filename: "a.jpeg", Data: jpegData}, nil},
		{"gif ok", File{Filename: "a.gif", Data: []byte("GIF89a....")}, nil},
		{"pdf ok", File{Filename: "a.pdf", Data: pdfData}, nil},
		{"text ok", File{Filename: "a.txt", Data: []byte("hello\n")}, nil},
		{"csv ok", File{Filename: "a.csv", Data: []byte("a,b\n1,2\n")}, nil},
		{"too large", File{Filename: "a.txt", Data: bytes.Repeat([]byte("x"), 1025)}, []reject.UploadReason{reject.TooLarge}},
		{"blocked ext without dot in policy", File{Filename: "shell.php", DeclaredType: "text/plain", Data: []byte("x")},
			[]reject.UploadReason{reject.DisallowedType}},
		{"type not allowed", File{Filename: "a.zip", DeclaredType: "application/zip", Data: []byte("PK")},
			[]reject.UploadReason{reject.DisallowedType}},
		{"png extension with jpeg bytes", File{Filename: "a.png", Data: jpegData}, []reject.UploadReason{reject.ContentMismatch}},
		{"text with nul", File{Filename: "a.txt", Data: []byte("ab\x00cd")}, []reject.UploadReason{reject.ContentMismatch}},
		{"declared type used without extension", File{Filename: "blob", DeclaredType: "image/png", Data: pdfData},
			[]reject.UploadReason{reject.ContentMismatch}},
		{"every problem reported", File{Filename: "big.png", Data: append(append([]byte{}, jpegData...), bytes.Repeat([]byte{0}, 1024)...)},
			[]reject.UploadReason{reject.TooLarge, reject.ContentMismatch}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := reasons(g.Validate(tt.file))
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("problems mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestScan(t *testing.T) {
	g := NewGuard(testPolicy())
	hostile := []string{
		"<?php system($_GET['c']); ?>",
		"GIF89a<SCRIPT>alert(1)</script>",
		"x = Eval(payload)",
		"base64_decode('aGk=')",
	}
	for _, s := range hostile {
		got := reasons(g.Scan(File{Filename: "a.txt", Data: []byte(s)}))
		if diff := cmp.Diff([]reject.UploadReason{reject.MalwareSignature}, got); diff != "" {
			t.Errorf("Scan(%q) (-want +got):\n%s", s, diff)
		}
	}
	if ps := g.Scan(File{Filename: "a.txt", Data: []byte("the system is fine")}); len(ps) != 0 {
		t.Errorf("benign text flagged: %v", ps)
	}

	p := testPolicy()
	p.ScanContent = false
	if ps := NewGuard(p).Scan(File{Data: []byte("<?php")}); ps != nil {
		t.Errorf("scan disabled but got %v", ps)
	}
}

func TestSafeName(t *testing.T) {
	const digest = "0123456789abcdef"
	tests := []struct{ in, want string }{
		{"report.pdf", "report_01234567.pdf"},
		{"../../etc/passwd", "passwd_01234567"},
		{`C:\Users\x\photo.JPG`, "photo_01234567.jpg"},
		{"my report (1).pdf", "my_report__1_01234567.pdf"},
		{".htaccess", "htaccess_01234567"},
		{"..", "upload_01234567"},
		{"", "upload_01234567"},
		{"résumé.txt", "r_sum_01234567.txt"},
		{"archive.tar.gz", "archive.tar_01234567.gz"},
	}
	for _, tt := range tests {
		if got := SafeName(tt.in, digest); got != tt.want {
			t.Errorf("SafeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := SafeName(strings.Repeat("a", 300)+".png", digest); len(got) != maxStemLen+len("_01234567.png") {
		t.Errorf("long name not truncated: %d chars", len(got))
	}
}

func TestSanitize(t *testing.T) {
	sum := sha256.Sum256(pngData)
	want := reqmeta.File{
		Field:        "avatar",
		OriginalName: "../me.png",
		SafeName:     "me_" + hex.EncodeToString(sum[:])[:8] + ".png",
		ContentType:  "image/png",
		Size:         int64(len(pngData)),
		SHA256:       hex.EncodeToString(sum[:]),
	}
	got := Sanitize(File{Field: "avatar", Filename: "../me.png", Data: pngData})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Sanitize mismatch (-want +got):\n%s", diff)
	}
}

type part struct {
	field, filename, ctype string
	data                   []byte
}

func multipartRequest(t *testing.T, parts ...part) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		if p.filename == "" {
			if err := mw.WriteField(p.field, string(p.data)); err != nil {
				t.Fatal(err)
			}
			continue
		}
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", `form-data; name="`+p.field+`"; filename="`+p.filename+`"`)
		if p.ctype != "" {
			h.Set("Content-Type", p.ctype)
		}
		w, err := mw.CreatePart(h)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = w.Write(p.data)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	r := httptest.NewRequest(http.MethodPost, "/api/uploads", bytes.NewReader(buf.Bytes()))
	r.Header.Set("Content-Type", mw.FormDataContentType())
	return r.WithContext(reqmeta.WithBody(r.Context(), buf.Bytes()))
}

type fakeQuarantine struct {
	mu     sync.Mutex
	stored []reqmeta.File
	err    error
}

func (q *fakeQuarantine) Store(_ context.Context, f reqmeta.File, _ []byte, _ []reject.FileProblem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stored = append(q.stored, f)
	return q.err
}

func TestMiddleware_AcceptsAndAttachesFiles(t *testing.T) {
	var got []reqmeta.File
	h := Middleware(Options{Guard: NewGuard(testPolicy())})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = reqmeta.UploadsFrom(r.Context())
	}))
	r := multipartRequest(t,
		part{field: "title", data: []byte("holiday")},
		part{field: "photo", filename: "beach.png", ctype: "image/png", data: pngData},
		part{field: "doc", filename: "itinerary.pdf", data: pdfData},
	)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if len(got) != 2 || got[0].Field != "photo" || got[1].ContentType != "application/pdf" {
		t.Fatalf("uploads = %+v", got)
	}
	if !strings.HasPrefix(got[0].SafeName, "beach_") {
		t.Fatalf("safe name = %q", got[0].SafeName)
	}
}

func TestMiddleware_RejectsWithPerFileReport(t *testing.T) {
	q := &fakeQuarantine{err: errors.New("s3 down")}
	var seen []reject.UploadReason
	called := false
	h := Middleware(Options{
		Guard:      NewGuard(testPolicy()),
		Quarantine: q,
		OnRejected: func(r reject.UploadReason) { seen = append(seen, r) },
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	r := multipartRequest(t,
		part{field: "ok", filename: "fine.txt", data: []byte("hello")},
		part{field: "bad", filename: "tool.exe", ctype: "application/octet-stream", data: []byte("MZ")},
		part{field: "shell", filename: "notes.txt", data: []byte("<?php eval($x);")},
	)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if called {
		t.Fatal("handler ran for rejected upload")
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Error string              `json:"error"`
		Files []reject.FileReport `json:"files"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error != "File upload rejected" || len(body.Files) != 2 {
		t.Fatalf("body = %+v", body)
	}
	if body.Files[0].Field != "bad" || body.Files[1].Field != "shell" {
		t.Fatalf("reported fields = %q, %q", body.Files[0].Field, body.Files[1].Field)
	}
	if got := reasons(body.Files[1].Problems); !cmp.Equal(got, []reject.UploadReason{reject.MalwareSignature}) {
		t.Fatalf("shell problems = %v", got)
	}
	if len(q.stored) != 1 || q.stored[0].Field != "shell" {
		t.Fatalf("quarantined = %+v, want only the malware file", q.stored)
	}
	if len(seen) != len(body.Files[0].Problems)+1 {
		t.Fatalf("OnRejected calls = %v", seen)
	}
}

func TestMiddleware_MalformedMultipart(t *testing.T) {
	h := Middleware(Options{Guard: NewGuard(testPolicy())})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler ran")
	}))
	body := []byte("--xyz\r\nContent-Disposition: form-data; name=\"f\"; filename=\"a.txt\"\r\n\r\nunterminated")
	r := httptest.NewRequest(http.MethodPost, "/api/uploads", bytes.NewReader(body))
	r.Header.Set("Content-Type", "multipart/form-data; boundary=xyz")
	r = r.WithContext(reqmeta.WithBody(r.Context(), body))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "could not be parsed") {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
}

func TestMiddleware_NonMultipartPassesThrough(t *testing.T) {
	called := false
	h := Middleware(Options{Guard: NewGuard(testPolicy())})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	r := httptest.NewRequest(http.MethodPost, "/api/items", strings.NewReader(`{}`))
	r.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(httptest.NewRecorder(), r)
	if !called {
		t.Fatal("json request was blocked")
	}
}

type fakeS3 struct {
	in *s3.PutObjectInput
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	return &s3.PutObjectOutput{}, nil
}

func TestS3Quarantine_Store(t *testing.T) {
	if _, err := NewS3Quarantine(nil, "b", "p"); err == nil {
		t.Fatal("nil client accepted")
	}
	if _, err := NewS3Quarantine(&fakeS3{}, "", "p"); err == nil {
		t.Fatal("empty bucket accepted")
	}

	fake := &fakeS3{}
	q, err := NewS3Quarantine(fake, "security-quarantine", "/reqguard/quarantine/")
	if err != nil {
		t.Fatal(err)
	}
	f := reqmeta.File{Field: "shell", SafeName: "notes_abcd1234.txt", SHA256: "abcd1234ef"}
	problems := []reject.FileProblem{{Reason: reject.MalwareSignature}, {Reason: reject.ContentMismatch}}
	if err := q.Store(context.Background(), f, []byte("<?php"), problems); err != nil {
		t.Fatal(err)
	}

	if *fake.in.Bucket != "security-quarantine" || *fake.in.Key != "reqguard/quarantine/abcd1234ef" {
		t.Fatalf("location = s3://%s/%s", *fake.in.Bucket, *fake.in.Key)
	}
	if fake.in.Metadata["reasons"] != "malware_signature,content_mismatch" {
		t.Fatalf("metadata = %v", fake.in.Metadata)
	}
	data, _ := io.ReadAll(fake.in.Body)
	if string(data) != "<?php" {
		t.Fatalf("body = %q", data)
	}
}
