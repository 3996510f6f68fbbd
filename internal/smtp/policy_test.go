package smtp

import (
	"testing"
	"time"

	"github.com/mailhook/mailhook/internal/config"
	"github.com/mailhook/mailhook/internal/parser"
	"github.com/mailhook/mailhook/internal/ratelimit"
)

func testPolicy(cfg *config.SMTPConfig) *Policy {
	if cfg.RateLimitMax == 0 {
		cfg.RateLimitMax = 100
	}
	if cfg.RateLimitWindow == 0 {
		cfg.RateLimitWindow = time.Minute
	}
	return NewPolicy(cfg, ratelimit.New(cfg.RateLimitMax, cfg.RateLimitWindow))
}

func TestNormalizeIP(t *testing.T) {
	tests := []struct{ in, want string }{
		{"192.168.1.1", "192.168.1.1"},
		{"::ffff:192.168.1.1", "192.168.1.1"},
		{"::FFFF:10.0.0.1", "10.0.0.1"},
		{"2001:DB8::1", "2001:db8::1"},
		{"  10.0.0.1 ", "10.0.0.1"},
	}
	for _, tt := range tests {
		if got := NormalizeIP(tt.in); got != tt.want {
			t.Errorf("NormalizeIP(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConnectAllowList(t *testing.T) {
	p := testPolicy(&config.SMTPConfig{
		AllowedClients: []string{"10.0.0.1"},
	})

	if d := p.CheckConnect("10.0.0.1"); !d.Accept {
		t.Error("listed IP should be admitted")
	}
	if d := p.CheckConnect("::ffff:10.0.0.1"); !d.Accept {
		t.Error("mapped form of a listed IP should be admitted")
	}
	if d := p.CheckConnect("10.0.0.2"); d.Accept || d.Code != codeRejected {
		t.Errorf("unlisted IP decision = %+v, want 550", d)
	}
}

func TestConnectTrustedRelay(t *testing.T) {
	p := testPolicy(&config.SMTPConfig{
		RequireTrustedRelay: true,
		TrustedRelayIPs:     []string{"172.16.0.1"},
	})

	if d := p.CheckConnect("172.16.0.1"); !d.Accept {
		t.Error("trusted relay should be admitted")
	}
	if d := p.CheckConnect("8.8.8.8"); d.Accept || d.Code != codeRejected {
		t.Errorf("untrusted IP decision = %+v, want 550", d)
	}
}

func TestConnectRateLimit(t *testing.T) {
	cfg := &config.SMTPConfig{RateLimitMax: 2, RateLimitWindow: time.Minute}
	p := NewPolicy(cfg, ratelimit.New(cfg.RateLimitMax, cfg.RateLimitWindow))

	for i := 0; i < 2; i++ {
		if d := p.CheckConnect("10.0.0.1"); !d.Accept {
			t.Fatalf("connection %d within the window should be admitted", i+1)
		}
	}
	if d := p.CheckConnect("10.0.0.1"); d.Accept || d.Code != codeRateLimited {
		t.Errorf("over-limit decision = %+v, want 421", d)
	}
}

func TestSenderDomainPolicy(t *testing.T) {
	p := testPolicy(&config.SMTPConfig{
		AllowedSenderDomains: []string{"example.com"},
	})

	if d := p.CheckSender("user@example.com"); !d.Accept {
		t.Error("allowed domain should pass")
	}
	if d := p.CheckSender("user@EXAMPLE.COM"); !d.Accept {
		t.Error("domain match should be case-insensitive")
	}
	if d := p.CheckSender(""); !d.Accept {
		t.Error("null sender (bounce) should pass")
	}
	if d := p.CheckSender("user@evil.com"); d.Accept || d.Code != codeBadMailbox {
		t.Errorf("disallowed domain decision = %+v, want 553", d)
	}
}

func TestRecipientDomainPolicy(t *testing.T) {
	p := testPolicy(&config.SMTPConfig{
		AllowedRecipientDomains: []string{"inbound.example.com"},
	})

	if d := p.CheckRecipient("hook@inbound.example.com"); !d.Accept {
		t.Error("allowed recipient domain should pass")
	}
	if d := p.CheckRecipient("hook@other.com"); d.Accept || d.Code != codeBadMailbox {
		t.Errorf("disallowed recipient decision = %+v, want 553", d)
	}
}

func TestEmptyPoliciesAdmitEverything(t *testing.T) {
	p := testPolicy(&config.SMTPConfig{})

	if d := p.CheckConnect("any.ip"); !d.Accept {
		t.Error("no IP policy configured, connect should pass")
	}
	if d := p.CheckSender("a@b.c"); !d.Accept {
		t.Error("no sender policy configured, sender should pass")
	}
	if d := p.CheckRecipient("a@b.c"); !d.Accept {
		t.Error("no recipient policy configured, recipient should pass")
	}
}

func TestAuthResultsPolicy(t *testing.T) {
	p := testPolicy(&config.SMTPConfig{
		TrustedRelayIPs:     []string{"172.16.0.1"},
		RequiredAuthResults: []string{"spf=pass", "dkim=pass"},
	})

	email := &parser.ParsedEmail{Headers: map[string][]string{
		"Authentication-Results": {"mx.example.com; SPF=PASS smtp.mailfrom=a@b; DKIM=pass header.d=b"},
	}}

	if d := p.CheckAuthResults(email, "172.16.0.1"); !d.Accept {
		t.Errorf("all tokens present from trusted relay, decision = %+v", d)
	}

	if d := p.CheckAuthResults(email, "8.8.8.8"); d.Accept || d.Code != codeRejected {
		t.Errorf("untrusted source must fail auth policy, decision = %+v", d)
	}

	missing := &parser.ParsedEmail{Headers: map[string][]string{
		"Authentication-Results": {"mx.example.com; spf=pass"},
	}}
	if d := p.CheckAuthResults(missing, "172.16.0.1"); d.Accept || d.Code != codeRejected {
		t.Errorf("missing token must fail, decision = %+v", d)
	}

	none := &parser.ParsedEmail{}
	if d := p.CheckAuthResults(none, "172.16.0.1"); d.Accept {
		t.Error("absent header must fail when tokens are required")
	}
}

func TestAuthResultsNotRequired(t *testing.T) {
	p := testPolicy(&config.SMTPConfig{})
	if d := p.CheckAuthResults(&parser.ParsedEmail{}, "1.2.3.4"); !d.Accept {
		t.Error("no required tokens, any message should pass")
	}
}
