package runtime

import (
	"crypto/x509"
	"errors"
	"net"
	"net/url"
	"syscall"

	"github.com/ory/dockertest/docker"
)

// ErrUnreachable wraps failures to reach the container engine.
var ErrUnreachable = errors.New("container engine unreachable")

// IsNotFound reports whether err means the container or image does not
// exist.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}

	var noContainer *docker.NoSuchContainer
	if errors.As(err, &noContainer) {
		return true
	}
	if errors.Is(err, docker.ErrNoSuchImage) {
		return true
	}

	var apiErr *docker.Error
	if errors.As(err, &apiErr) {
		return apiErr.Status == 404
	}

	return false
}

// IsUnreachable reports whether err means the engine could not be reached
// at all: connection refused, DNS or TLS failures, timeouts.
func IsUnreachable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnreachable) || errors.Is(err, docker.ErrConnectionRefused) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var certErr x509.UnknownAuthorityError
	if errors.As(err, &certErr) {
		return true
	}
	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// IsConflict reports whether err means a container name is already in use.
func IsConflict(err error) bool {
	if errors.Is(err, docker.ErrContainerAlreadyExists) {
		return true
	}
	var apiErr *docker.Error
	if errors.As(err, &apiErr) {
		return apiErr.Status == 409
	}
	return false
}
