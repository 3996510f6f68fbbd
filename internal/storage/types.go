package storage

// Kind discriminates where an attachment ended up.
type Kind string

const (
	// KindObject means the attachment is durably stored in the primary
	// object store.
	KindObject Kind = "object"
	// KindLocal means the attachment is staged on local disk awaiting
	// reconciliation into the object store.
	KindLocal Kind = "local"
	// KindSkipped means the attachment exceeded the size cap and no backend
	// was consulted.
	KindSkipped Kind = "skipped"
	// KindFailed means every backend failed; the attachment bytes are gone.
	KindFailed Kind = "failed"
)

// LocalNote is surfaced to webhook consumers for locally staged attachments.
const LocalNote = "Temporarily stored locally, will be uploaded to S3 when available"

// SkipReason is surfaced for attachments over the size cap.
const SkipReason = "File size exceeds maximum allowed"

// Stored is the value-typed result of saving one attachment. Exactly the
// fields for its Kind are populated; there are no back-references into the
// tier.
type Stored struct {
	Kind Kind

	// KindObject
	URL string

	// KindLocal
	Path         string
	AttachmentID string
	Note         string

	// KindSkipped
	Reason string

	// KindFailed
	Err error
}
