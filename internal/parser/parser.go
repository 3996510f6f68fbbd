// Package parser turns a raw RFC 5322 message into the structured email
// delivered to webhooks. Bodies and attachments come out of one multipart
// walk; attachment storage is the caller's concern.
package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"path/filepath"
	"strings"
)

// MaxHeaderLength caps a single stored header value.
const MaxHeaderLength = 1000

// EmailParser parses raw messages. It carries no per-message state and is
// safe for concurrent use.
type EmailParser struct{}

// NewEmailParser creates an EmailParser.
func NewEmailParser() *EmailParser {
	return &EmailParser{}
}

// Parse parses raw into the structured email plus its decoded attachments.
// Attachment slots in the returned email (attachmentInfo, storageSummary)
// are left empty for the ingest pipeline to fill after storage.
func (p *EmailParser) Parse(raw []byte) (*ParsedEmail, []*Attachment, error) {
	if len(raw) == 0 {
		return nil, nil, &ParseError{Stage: "read", Message: "empty message"}
	}

	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, &ParseError{Stage: "read", Message: err.Error()}
	}

	email := &ParsedEmail{
		From:    p.parseAddressHeader(msg.Header.Get("From")),
		To:      p.parseAddressHeader(msg.Header.Get("To")),
		Cc:      p.parseAddressHeader(msg.Header.Get("Cc")),
		Subject: decodeWords(msg.Header.Get("Subject")),
		Headers: p.extractHeaders(msg),
	}

	text, html, attachments, err := p.walkBody(msg)
	if err != nil {
		return nil, nil, &ParseError{Stage: "body", Message: err.Error()}
	}
	email.Text = text
	email.HTML = html

	return email, attachments, nil
}

// extractHeaders copies all headers into a canonical-key multimap, truncating
// oversized values so a hostile message cannot balloon the task file.
func (p *EmailParser) extractHeaders(msg *mail.Message) map[string][]string {
	headers := make(map[string][]string, len(msg.Header))
	for name, values := range msg.Header {
		key := textproto.CanonicalMIMEHeaderKey(name)
		for _, v := range values {
			decoded := decodeWords(v)
			if len(decoded) > MaxHeaderLength {
				decoded = decoded[:MaxHeaderLength]
			}
			headers[key] = append(headers[key], decoded)
		}
	}
	return headers
}

// parseAddressHeader parses an address header into an AddressList. Headers
// that fail strict parsing still surface their raw text so routing on the
// header remains possible.
func (p *EmailParser) parseAddressHeader(value string) *AddressList {
	if value == "" {
		return nil
	}

	list := &AddressList{Text: decodeWords(value)}
	parsed, err := mail.ParseAddressList(value)
	if err != nil {
		return list
	}
	for _, a := range parsed {
		list.Value = append(list.Value, Address{
			Name:    decodeWords(a.Name),
			Address: strings.ToLower(a.Address),
		})
	}
	return list
}

// walkBody extracts text/html bodies and attachments from the message.
func (p *EmailParser) walkBody(msg *mail.Message) (text, html string, attachments []*Attachment, err error) {
	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// Some real-world senders emit unparseable Content-Type; fall back
		// to treating the whole body as plain text.
		mediaType, params = "text/plain", nil
	}

	if !strings.HasPrefix(mediaType, "multipart/") {
		body, err := decodeTransferEncoding(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			return "", "", nil, err
		}
		if mediaType == "text/html" {
			return "", string(body), nil, nil
		}
		return string(body), "", nil, nil
	}

	boundary := params["boundary"]
	if boundary == "" {
		return "", "", nil, fmt.Errorf("multipart message without boundary")
	}

	return p.walkMultipart(msg.Body, boundary)
}

// walkMultipart recursively walks a multipart body. The first text/plain and
// text/html parts win; parts with a filename become attachments.
func (p *EmailParser) walkMultipart(body io.Reader, boundary string) (text, html string, attachments []*Attachment, err error) {
	reader := multipart.NewReader(body, boundary)

	for {
		part, perr := reader.NextPart()
		if perr == io.EOF {
			break
		}
		if perr != nil {
			// A truncated part list is common with forwarding MTAs; keep
			// what was extracted so far.
			return text, html, attachments, nil
		}

		partType := part.Header.Get("Content-Type")
		mediaType, params, merr := mime.ParseMediaType(partType)
		if merr != nil {
			mediaType = "text/plain"
		}

		if strings.HasPrefix(mediaType, "multipart/") && params["boundary"] != "" {
			nestedText, nestedHTML, nested, _ := p.walkMultipart(part, params["boundary"])
			if text == "" {
				text = nestedText
			}
			if html == "" {
				html = nestedHTML
			}
			attachments = append(attachments, nested...)
			continue
		}

		filename := partFilename(part)
		if filename != "" {
			att, aerr := p.readAttachment(part, filename, mediaType)
			if aerr != nil {
				continue
			}
			attachments = append(attachments, att)
			continue
		}

		data, derr := decodeTransferEncoding(part, part.Header.Get("Content-Transfer-Encoding"))
		if derr != nil {
			continue
		}

		switch mediaType {
		case "text/html":
			if html == "" {
				html = string(data)
			}
		default:
			if text == "" {
				text = string(data)
			}
		}
	}

	return text, html, attachments, nil
}

// readAttachment decodes one attachment part.
func (p *EmailParser) readAttachment(part *multipart.Part, filename, mediaType string) (*Attachment, error) {
	data, err := decodeTransferEncoding(part, part.Header.Get("Content-Transfer-Encoding"))
	if err != nil {
		return nil, err
	}

	if mediaType == "" {
		mediaType = "application/octet-stream"
	}

	return &Attachment{
		Filename:    SanitizeFilename(filename),
		ContentType: mediaType,
		Data:        data,
		Size:        int64(len(data)),
	}, nil
}

// partFilename resolves the filename of a part, if any. Content-Disposition
// wins; the Content-Type name parameter is the fallback some clients use.
func partFilename(part *multipart.Part) string {
	disposition := part.Header.Get("Content-Disposition")
	if disposition != "" {
		dispType, params, err := mime.ParseMediaType(disposition)
		if err == nil {
			if name := params["filename"]; name != "" {
				if dispType == "attachment" || dispType == "inline" {
					return decodeWords(name)
				}
			}
		}
	}

	if _, params, err := mime.ParseMediaType(part.Header.Get("Content-Type")); err == nil {
		if name := params["name"]; name != "" {
			return decodeWords(name)
		}
	}

	return ""
}

// decodeTransferEncoding reads r and reverses its Content-Transfer-Encoding.
func decodeTransferEncoding(r io.Reader, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		r = base64.NewDecoder(base64.StdEncoding, newBase64Cleaner(r))
	case "quoted-printable":
		r = quotedprintable.NewReader(r)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		// Keep whatever decoded before the error; partial bodies beat
		// dropped messages for a relay.
		if len(data) > 0 {
			return data, nil
		}
		return nil, err
	}
	return data, nil
}

// decodeWords reverses RFC 2047 encoded-words in a header value.
func decodeWords(value string) string {
	decoder := &mime.WordDecoder{}
	decoded, err := decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// SanitizeFilename strips path components and oversized names so stored
// filenames are safe to join into storage keys and local paths.
func SanitizeFilename(filename string) string {
	if filename == "" {
		return ""
	}

	filename = strings.ReplaceAll(filename, "\\", "/")
	filename = filepath.Base(filename)
	// Base("///") is "/", not a name.
	filename = strings.ReplaceAll(filename, "/", "")
	filename = strings.ReplaceAll(filename, "\x00", "")
	filename = strings.TrimLeft(filename, ".")

	if len(filename) > 255 {
		ext := filepath.Ext(filename)
		name := filename[:len(filename)-len(ext)]
		if len(name) > 255-len(ext) {
			name = name[:255-len(ext)]
		}
		filename = name + ext
	}

	return filename
}

// base64Cleaner filters whitespace out of base64 bodies, which arrive
// line-wrapped per RFC 2045.
type base64Cleaner struct {
	r io.Reader
}

func newBase64Cleaner(r io.Reader) *base64Cleaner {
	return &base64Cleaner{r: r}
}

func (c *base64Cleaner) Read(p []byte) (int, error) {
	buf := make([]byte, len(p))
	n, err := c.r.Read(buf)
	out := 0
	for _, b := range buf[:n] {
		switch b {
		case '\r', '\n', ' ', '\t':
		default:
			p[out] = b
			out++
		}
	}
	if out == 0 && err == nil && n > 0 {
		// The chunk was all whitespace; report progress as zero bytes but
		// no error so the decoder retries.
		return 0, nil
	}
	return out, err
}
