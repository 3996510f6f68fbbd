package smtp

import (
	"context"
	"log/slog"

	"github.com/mailhook/mailhook/internal/metrics"
	"github.com/mailhook/mailhook/internal/parser"
	"github.com/mailhook/mailhook/internal/queue"
	"github.com/mailhook/mailhook/internal/storage"
)

// TaskSink is where accepted tasks go. The dispatcher implements it.
type TaskSink interface {
	Enqueue(id string) error
	Full() bool
}

// Processor is the ingest pipeline behind DATA: parse, apply post-parse
// policy, store attachments, persist the task and hand it to the sink.
type Processor struct {
	parser *parser.EmailParser
	tier   *storage.Tier
	queue  *queue.Queue
	sink   TaskSink
	policy *Policy
	log    *slog.Logger
}

// NewProcessor wires the pipeline.
func NewProcessor(p *parser.EmailParser, tier *storage.Tier, q *queue.Queue,
	sink TaskSink, policy *Policy, log *slog.Logger) *Processor {
	return &Processor{
		parser: p,
		tier:   tier,
		queue:  q,
		sink:   sink,
		policy: policy,
		log:    log,
	}
}

// Handle runs the pipeline for one accepted message. Attachment storage
// failures never fail the message; only parse errors, policy rejections and
// queue pressure do.
func (p *Processor) Handle(ctx context.Context, env *Envelope) Decision {
	if p.sink.Full() {
		metrics.SMTPRejectionsTotal.WithLabelValues("queue_full").Inc()
		p.log.Warn("rejecting message, dispatch queue full",
			slog.String("remote_ip", env.RemoteIP))
		return reject(codeTempFailure, "Server busy, try again later")
	}

	parsed, attachments, err := p.parser.Parse(env.Data)
	if err != nil {
		metrics.SMTPRejectionsTotal.WithLabelValues("parse").Inc()
		p.log.Warn("failed to parse message",
			slog.String("remote_ip", env.RemoteIP),
			slog.String("error", err.Error()))
		return reject(codeTempFailure, "Failed to process message")
	}

	if d := p.policy.CheckAuthResults(parsed, env.RemoteIP); !d.Accept {
		p.log.Info("message rejected by authentication policy",
			slog.String("remote_ip", env.RemoteIP),
			slog.String("from", env.MailFrom))
		return d
	}

	p.storeAttachments(ctx, parsed, attachments)

	id, err := p.queue.Create(parsed)
	if err != nil {
		p.log.Error("failed to persist task",
			slog.String("error", err.Error()))
		return reject(codeTempFailure, "Failed to queue message")
	}

	if err := p.sink.Enqueue(id); err != nil {
		// The task is durable; a replay on next start picks it up.
		p.log.Warn("dispatch queue filled during ingest, task left for replay",
			slog.String("task", id))
	}

	metrics.EmailsAcceptedTotal.Inc()
	p.log.Info("message accepted",
		slog.String("task", id),
		slog.String("from", env.MailFrom),
		slog.Int("recipients", len(env.Recipients)),
		slog.Int("attachments", len(attachments)))

	return Decision{Accept: true, Message: "OK queued as " + id}
}

// storeAttachments runs each attachment through the storage tier and fills
// in the attachment sections of the parsed email.
func (p *Processor) storeAttachments(ctx context.Context, parsed *parser.ParsedEmail, attachments []*parser.Attachment) {
	parsed.AttachmentInfo = []parser.AttachmentInfo{}
	if len(attachments) == 0 {
		return
	}

	summary := &parser.StorageSummary{Total: len(attachments)}

	for _, att := range attachments {
		stored := p.tier.Save(ctx, att)

		switch stored.Kind {
		case storage.KindObject:
			url := stored.URL
			parsed.AttachmentInfo = append(parsed.AttachmentInfo, parser.AttachmentInfo{
				Filename:    att.Filename,
				ContentType: att.ContentType,
				Size:        att.Size,
				Location:    &url,
				StorageType: "s3",
			})
			summary.UploadedToS3++

		case storage.KindLocal:
			parsed.AttachmentInfo = append(parsed.AttachmentInfo, parser.AttachmentInfo{
				Filename:     att.Filename,
				ContentType:  att.ContentType,
				Size:         att.Size,
				StorageType:  "local",
				Note:         stored.Note,
				AttachmentID: stored.AttachmentID,
			})
			summary.StoredLocally++

		case storage.KindSkipped:
			parsed.SkippedAttachments = append(parsed.SkippedAttachments, parser.SkippedAttachment{
				Filename: att.Filename,
				Size:     att.Size,
				Reason:   stored.Reason,
			})
			summary.Skipped++

		case storage.KindFailed:
			parsed.AttachmentInfo = append(parsed.AttachmentInfo, parser.AttachmentInfo{
				Filename:    att.Filename,
				ContentType: att.ContentType,
				Size:        att.Size,
				StorageType: "failed",
				Error:       stored.Err.Error(),
			})
		}
	}

	parsed.StorageSummary = summary
}
