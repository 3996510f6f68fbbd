package smtp

import (
	"fmt"
	"strings"

	"github.com/mailhook/mailhook/internal/config"
	"github.com/mailhook/mailhook/internal/metrics"
	"github.com/mailhook/mailhook/internal/parser"
	"github.com/mailhook/mailhook/internal/ratelimit"
)

// Decision is the outcome of an admission check. A non-accepting decision
// carries the SMTP code and message sent to the client.
type Decision struct {
	Accept  bool
	Code    int
	Message string
}

func accept() Decision {
	return Decision{Accept: true}
}

func reject(code int, message string) Decision {
	return Decision{Code: code, Message: message}
}

// Policy holds the admission checks applied across a session: connect-time
// IP policy and rate limiting, envelope domain policy, and the post-parse
// auth-results requirement.
type Policy struct {
	cfg     *config.SMTPConfig
	limiter *ratelimit.Limiter

	allowedClients map[string]bool
	trustedRelays  map[string]bool
}

// NewPolicy builds the policy from configuration. IP sets are normalized
// once here so per-connection checks are map lookups.
func NewPolicy(cfg *config.SMTPConfig, limiter *ratelimit.Limiter) *Policy {
	return &Policy{
		cfg:            cfg,
		limiter:        limiter,
		allowedClients: ipSet(cfg.AllowedClients),
		trustedRelays:  ipSet(cfg.TrustedRelayIPs),
	}
}

func ipSet(ips []string) map[string]bool {
	if len(ips) == 0 {
		return nil
	}
	set := make(map[string]bool, len(ips))
	for _, ip := range ips {
		set[NormalizeIP(ip)] = true
	}
	return set
}

// NormalizeIP strips the IPv4-mapped IPv6 prefix and lowercases, so policy
// sets match regardless of how the kernel reports the peer.
func NormalizeIP(ip string) string {
	ip = strings.ToLower(strings.TrimSpace(ip))
	return strings.TrimPrefix(ip, "::ffff:")
}

// CheckConnect runs the connect-time checks in order: allow-list, trusted
// relay requirement, then the sliding-window rate limit.
func (p *Policy) CheckConnect(remoteIP string) Decision {
	ip := NormalizeIP(remoteIP)

	if p.allowedClients != nil && !p.allowedClients[ip] {
		metrics.SMTPRejectionsTotal.WithLabelValues("allow_list").Inc()
		return reject(codeRejected, "Access denied")
	}

	if p.cfg.RequireTrustedRelay && !p.trustedRelays[ip] {
		metrics.SMTPRejectionsTotal.WithLabelValues("trusted_relay").Inc()
		return reject(codeRejected, "Access denied")
	}

	if !p.limiter.Allow(ip) {
		metrics.SMTPRejectionsTotal.WithLabelValues("rate_limit").Inc()
		return reject(codeRateLimited, "Too many connections, try again later")
	}

	return accept()
}

// CheckSender enforces the sender-domain allow-list. An empty list admits
// everything; a null sender (bounce) passes.
func (p *Policy) CheckSender(address string) Decision {
	if len(p.cfg.AllowedSenderDomains) == 0 || address == "" {
		return accept()
	}
	if domainAllowed(address, p.cfg.AllowedSenderDomains) {
		return accept()
	}
	metrics.SMTPRejectionsTotal.WithLabelValues("sender_domain").Inc()
	return reject(codeBadMailbox, "Sender domain not allowed")
}

// CheckRecipient enforces the recipient-domain allow-list.
func (p *Policy) CheckRecipient(address string) Decision {
	if len(p.cfg.AllowedRecipientDomains) == 0 {
		return accept()
	}
	if domainAllowed(address, p.cfg.AllowedRecipientDomains) {
		return accept()
	}
	metrics.SMTPRejectionsTotal.WithLabelValues("recipient_domain").Inc()
	return reject(codeBadMailbox, "Recipient domain not allowed")
}

// CheckAuthResults runs the post-parse authentication policy: when tokens
// are required, the message must come from a trusted relay and its
// Authentication-Results header must contain every token.
func (p *Policy) CheckAuthResults(email *parser.ParsedEmail, remoteIP string) Decision {
	if len(p.cfg.RequiredAuthResults) == 0 {
		return accept()
	}

	if !p.trustedRelays[NormalizeIP(remoteIP)] {
		metrics.SMTPRejectionsTotal.WithLabelValues("auth_results").Inc()
		return reject(codeRejected, "Message rejected by authentication policy")
	}

	results := strings.ToLower(email.Header("Authentication-Results"))
	for _, token := range p.cfg.RequiredAuthResults {
		if !strings.Contains(results, strings.ToLower(token)) {
			metrics.SMTPRejectionsTotal.WithLabelValues("auth_results").Inc()
			return reject(codeRejected,
				fmt.Sprintf("Message missing required authentication result: %s", token))
		}
	}

	return accept()
}

// domainAllowed matches the address's domain case-insensitively against the
// allow-list.
func domainAllowed(address string, domains []string) bool {
	at := strings.LastIndex(address, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(address[at+1:])
	for _, allowed := range domains {
		if strings.ToLower(allowed) == domain {
			return true
		}
	}
	return false
}
