package parser

import (
	"encoding/base64"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func crlf(s string) string {
	return strings.ReplaceAll(s, "\n", "\r\n")
}

func TestParsePlainText(t *testing.T) {
	raw := crlf(`From: Alice <Alice@Example.com>
To: bob@example.com
Subject: Hello
Content-Type: text/plain

This is the body.
`)

	p := NewEmailParser()
	email, attachments, err := p.Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if len(attachments) != 0 {
		t.Errorf("expected no attachments, got %d", len(attachments))
	}
	if email.Subject != "Hello" {
		t.Errorf("subject = %q", email.Subject)
	}
	if !strings.Contains(email.Text, "This is the body.") {
		t.Errorf("text = %q", email.Text)
	}
	if email.From == nil || len(email.From.Value) != 1 {
		t.Fatalf("from = %+v", email.From)
	}
	if email.From.Value[0].Address != "alice@example.com" {
		t.Errorf("address should be lowercased, got %q", email.From.Value[0].Address)
	}
	if email.From.Value[0].Name != "Alice" {
		t.Errorf("display name = %q", email.From.Value[0].Name)
	}
}

func TestParseEmptyMessage(t *testing.T) {
	p := NewEmailParser()
	if _, _, err := p.Parse(nil); err == nil {
		t.Fatal("empty message must fail")
	}
}

func TestParseHTMLOnly(t *testing.T) {
	raw := crlf(`From: a@b.c
To: d@e.f
Subject: html
Content-Type: text/html

<p>hi</p>
`)

	p := NewEmailParser()
	email, _, err := p.Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if email.Text != "" || !strings.Contains(email.HTML, "<p>hi</p>") {
		t.Errorf("text=%q html=%q", email.Text, email.HTML)
	}
}

func TestParseMultipartAlternative(t *testing.T) {
	raw := crlf(`From: a@b.c
To: d@e.f
Subject: multi
Content-Type: multipart/alternative; boundary="BOUND"

--BOUND
Content-Type: text/plain

plain body
--BOUND
Content-Type: text/html

<b>html body</b>
--BOUND--
`)

	p := NewEmailParser()
	email, attachments, err := p.Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if len(attachments) != 0 {
		t.Errorf("alternative parts are not attachments")
	}
	if !strings.Contains(email.Text, "plain body") || !strings.Contains(email.HTML, "html body") {
		t.Errorf("text=%q html=%q", email.Text, email.HTML)
	}
}

func TestParseAttachment(t *testing.T) {
	content := []byte("PDF-CONTENT-BYTES")
	encoded := base64.StdEncoding.EncodeToString(content)

	raw := crlf(`From: a@b.c
To: d@e.f
Subject: attach
Content-Type: multipart/mixed; boundary="BOUND"

--BOUND
Content-Type: text/plain

see attachment
--BOUND
Content-Type: application/pdf; name="doc.pdf"
Content-Disposition: attachment; filename="doc.pdf"
Content-Transfer-Encoding: base64

`) + encoded + crlf(`
--BOUND--
`)

	p := NewEmailParser()
	email, attachments, err := p.Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if len(attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(attachments))
	}
	att := attachments[0]
	if att.Filename != "doc.pdf" || att.ContentType != "application/pdf" {
		t.Errorf("attachment meta = %+v", att)
	}
	if string(att.Data) != string(content) {
		t.Errorf("attachment data = %q", att.Data)
	}
	if att.Size != int64(len(content)) {
		t.Errorf("attachment size = %d", att.Size)
	}
	if !strings.Contains(email.Text, "see attachment") {
		t.Errorf("text = %q", email.Text)
	}
}

func TestParseNestedMultipart(t *testing.T) {
	raw := crlf(`From: a@b.c
Subject: nested
Content-Type: multipart/mixed; boundary="OUTER"

--OUTER
Content-Type: multipart/alternative; boundary="INNER"

--INNER
Content-Type: text/plain

inner plain
--INNER
Content-Type: text/html

<i>inner html</i>
--INNER--
--OUTER
Content-Type: text/csv; name="data.csv"
Content-Disposition: attachment; filename="data.csv"

a,b,c
--OUTER--
`)

	p := NewEmailParser()
	email, attachments, err := p.Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(email.Text, "inner plain") || !strings.Contains(email.HTML, "inner html") {
		t.Errorf("nested bodies lost: text=%q html=%q", email.Text, email.HTML)
	}
	if len(attachments) != 1 || attachments[0].Filename != "data.csv" {
		t.Fatalf("attachments = %+v", attachments)
	}
}

func TestParseQuotedPrintable(t *testing.T) {
	raw := crlf(`From: a@b.c
Subject: qp
Content-Type: text/plain
Content-Transfer-Encoding: quoted-printable

caf=C3=A9
`)

	p := NewEmailParser()
	email, _, err := p.Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(email.Text, "café") {
		t.Errorf("quoted-printable not decoded: %q", email.Text)
	}
}

func TestParseEncodedSubject(t *testing.T) {
	raw := crlf(`From: a@b.c
Subject: =?UTF-8?B?SGVsbG8gV8O2cmxk?=
Content-Type: text/plain

body
`)

	p := NewEmailParser()
	email, _, err := p.Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if email.Subject != "Hello Wörld" {
		t.Errorf("subject = %q", email.Subject)
	}
}

func TestHeaderLookupCaseInsensitive(t *testing.T) {
	raw := crlf(`From: a@b.c
X-Custom-Header: value-1
Subject: s
Content-Type: text/plain

body
`)

	p := NewEmailParser()
	email, _, err := p.Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if got := email.Header("x-custom-header"); got != "value-1" {
		t.Errorf("Header lookup = %q", got)
	}
}

func TestHeaderTruncation(t *testing.T) {
	long := strings.Repeat("a", 2*MaxHeaderLength)
	raw := crlf(`From: a@b.c
X-Long: `) + long + crlf(`
Subject: s

body
`)

	p := NewEmailParser()
	email, _, err := p.Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if got := len(email.Header("X-Long")); got != MaxHeaderLength {
		t.Errorf("truncated header length = %d, want %d", got, MaxHeaderLength)
	}
}

func TestUnparseableAddressKeepsText(t *testing.T) {
	raw := crlf(`From: Not An Address
Subject: s
Content-Type: text/plain

body
`)

	p := NewEmailParser()
	email, _, err := p.Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if email.From == nil || email.From.Text != "Not An Address" {
		t.Fatalf("from = %+v", email.From)
	}
	if len(email.From.Value) != 0 {
		t.Errorf("unparseable address should have no parsed values")
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"doc.pdf", "doc.pdf"},
		{"../../etc/passwd", "passwd"},
		{`..\..\windows\system32\evil.exe`, "evil.exe"},
		{".hidden", "hidden"},
		{"", ""},
		{"a/b/c.txt", "c.txt"},
	}
	for _, tt := range tests {
		if got := SanitizeFilename(tt.in); got != tt.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// Sanitized names never contain separators and never exceed 255 bytes.
func TestSanitizeFilenameProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.String().Draw(t, "name")
		got := SanitizeFilename(name)
		if strings.ContainsAny(got, "/\\\x00") {
			t.Fatalf("sanitized name %q contains a separator", got)
		}
		if len(got) > 255 {
			t.Fatalf("sanitized name too long: %d bytes", len(got))
		}
	})
}
