package parser

import (
	"net/textproto"
	"strings"
)

// Address is a single mailbox from an address header.
type Address struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// AddressList is the JSON shape webhook consumers see for from/to/cc: the
// parsed mailboxes plus the original header text.
type AddressList struct {
	Value []Address `json:"value"`
	Text  string    `json:"text"`
}

// Addresses returns the bare address strings.
func (l *AddressList) Addresses() []string {
	if l == nil {
		return nil
	}
	out := make([]string, 0, len(l.Value))
	for _, a := range l.Value {
		out = append(out, a.Address)
	}
	return out
}

// ParsedEmail is the structured form of one inbound message. This is the
// payload POSTed to webhooks (plus _webhookMeta added at dispatch time).
type ParsedEmail struct {
	From    *AddressList        `json:"from,omitempty"`
	To      *AddressList        `json:"to,omitempty"`
	Cc      *AddressList        `json:"cc,omitempty"`
	Subject string              `json:"subject"`
	Headers map[string][]string `json:"headers"`
	Text    string              `json:"text"`
	HTML    string              `json:"html"`

	AttachmentInfo     []AttachmentInfo     `json:"attachmentInfo"`
	SkippedAttachments []SkippedAttachment  `json:"skippedAttachments,omitempty"`
	StorageSummary     *StorageSummary      `json:"storageSummary,omitempty"`
}

// Header returns the concatenated values of a header, case-insensitively.
func (e *ParsedEmail) Header(name string) string {
	if e.Headers == nil {
		return ""
	}
	values := e.Headers[textproto.CanonicalMIMEHeaderKey(name)]
	return strings.Join(values, " ")
}

// HasAttachments reports whether any attachment survived storage (skipped
// ones do not count).
func (e *ParsedEmail) HasAttachments() bool {
	return len(e.AttachmentInfo) > 0
}

// AttachmentInfo describes where one stored attachment ended up.
type AttachmentInfo struct {
	Filename    string  `json:"filename"`
	ContentType string  `json:"contentType"`
	Size        int64   `json:"size"`
	Location    *string `json:"location"`
	StorageType string  `json:"storageType"`
	Note        string  `json:"note,omitempty"`
	AttachmentID string `json:"attachmentId,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// SkippedAttachment records an attachment dropped by the size cap.
type SkippedAttachment struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Reason   string `json:"reason"`
}

// StorageSummary is present only when the message carried attachments.
type StorageSummary struct {
	Total         int `json:"total"`
	UploadedToS3  int `json:"uploadedToS3"`
	StoredLocally int `json:"storedLocally"`
	Skipped       int `json:"skipped"`
}

// Attachment is a decoded MIME part with a filename, before storage.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
	Size        int64
}

// ParseError reports which parsing stage failed.
type ParseError struct {
	Stage   string
	Message string
}

func (e *ParseError) Error() string {
	return e.Stage + ": " + e.Message
}
