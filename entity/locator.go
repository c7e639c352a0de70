package entity

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var ErrInvalidLocator = errors.New("invalid blob locator")

// BlobLocator is a credential-free reference to one stored object.
// Path is kept decoded; String percent-encodes each segment.
type BlobLocator struct {
	Scheme    string
	Host      string
	Container string
	Path      string
}

// ParseLocator accepts the canonical https://{account}.{host}/{container}/{path}
// form. Any query string (e.g. a stale grant) is dropped.
func ParseLocator(raw string) (BlobLocator, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return BlobLocator{}, fmt.Errorf("%w: %v", ErrInvalidLocator, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return BlobLocator{}, fmt.Errorf("%w: missing scheme or host in %q", ErrInvalidLocator, raw)
	}

	parts := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return BlobLocator{}, fmt.Errorf("%w: expected /{container}/{path} in %q", ErrInvalidLocator, raw)
	}

	return BlobLocator{
		Scheme:    u.Scheme,
		Host:      u.Host,
		Container: parts[0],
		Path:      parts[1],
	}, nil
}

// Account is the storage account name, the first label of the host.
func (l BlobLocator) Account() string {
	host := l.Host
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	if i := strings.IndexByte(host, '.'); i >= 0 {
		return host[:i]
	}
	return host
}

// EscapedPath is the container-relative path with every segment percent-encoded.
func (l BlobLocator) EscapedPath() string {
	segments := strings.Split(l.Path, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

func (l BlobLocator) String() string {
	scheme := l.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, l.Host, url.PathEscape(l.Container), l.EscapedPath())
}

func (l BlobLocator) IsZero() bool {
	return l.Host == "" && l.Container == "" && l.Path == ""
}
