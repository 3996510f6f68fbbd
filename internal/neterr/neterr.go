// Package neterr classifies transient network failures. Errors recognized
// here are logged at warn level and retried; everything else escalates to
// the shutdown path.
package neterr

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// recoverableErrnos are socket-level faults that come and go with peer or
// network conditions rather than indicating a bug.
var recoverableErrnos = []syscall.Errno{
	syscall.ECONNRESET,
	syscall.EPIPE,
	syscall.ETIMEDOUT,
	syscall.ECONNABORTED,
	syscall.EHOSTUNREACH,
	syscall.ECONNREFUSED,
}

// recoverableFragments match error text from TLS probes, half-closed sockets
// and DNS hiccups that carry no typed cause.
var recoverableFragments = []string{
	"unknown protocol",
	"wrong version number",
	"tlsv1 alert",
	"read etimedout",
	"socket hang up",
	"client network socket disconnected",
	"stream premature close",
	"connection reset",
	"broken pipe",
	"use of closed network connection",
}

// Recoverable reports whether err is a transient network fault.
func Recoverable(err error) bool {
	if err == nil {
		return false
	}

	for _, errno := range recoverableErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		// Covers both NXDOMAIN-style lookups against flaky resolvers and
		// EAI_AGAIN temporary failures.
		return dnsErr.IsNotFound || dnsErr.IsTemporary || dnsErr.IsTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range recoverableFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}

	return false
}
