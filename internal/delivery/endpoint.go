package delivery

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidDSN is returned when a DSN cannot be turned into an endpoint
var ErrInvalidDSN = errors.New("delivery: invalid DSN")

// protocolVersion is sent with every upload
const protocolVersion = "7"

// clientName identifies replay uploads to the ingest backend
const clientName = "replay"

// DSN is a parsed ingest address: scheme://key@host[:port][/path]/project
type DSN struct {
	Scheme    string
	PublicKey string
	Host      string
	Path      string
	ProjectID string
}

// ParseDSN parses a DSN string
func ParseDSN(raw string) (DSN, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return DSN{}, fmt.Errorf("%w: %v", ErrInvalidDSN, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return DSN{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidDSN, u.Scheme)
	}
	if u.User == nil || u.User.Username() == "" {
		return DSN{}, fmt.Errorf("%w: missing public key", ErrInvalidDSN)
	}
	if u.Host == "" {
		return DSN{}, fmt.Errorf("%w: missing host", ErrInvalidDSN)
	}

	path := strings.Trim(u.Path, "/")
	idx := strings.LastIndex(path, "/")
	project := path[idx+1:]
	if project == "" {
		return DSN{}, fmt.Errorf("%w: missing project id", ErrInvalidDSN)
	}
	prefix := ""
	if idx > 0 {
		prefix = path[:idx]
	}

	return DSN{
		Scheme:    u.Scheme,
		PublicKey: u.User.Username(),
		Host:      u.Host,
		Path:      prefix,
		ProjectID: project,
	}, nil
}

// Endpoint returns the attachment upload URL for a replay
func (d DSN) Endpoint(replayID string) string {
	var b strings.Builder
	b.WriteString(d.Scheme)
	b.WriteString("://")
	b.WriteString(d.Host)
	if d.Path != "" {
		b.WriteString("/")
		b.WriteString(d.Path)
	}
	b.WriteString("/api/")
	b.WriteString(d.ProjectID)
	b.WriteString("/events/")
	b.WriteString(url.PathEscape(replayID))
	b.WriteString("/attachments/?")

	// ingest authenticates on these keys; order follows the browser client
	b.WriteString("sentry_key=" + url.QueryEscape(d.PublicKey))
	b.WriteString("&sentry_version=" + protocolVersion)
	b.WriteString("&sentry_client=" + clientName)
	return b.String()
}

// EndpointFromDSN parses dsn and returns the upload URL for replayID
func EndpointFromDSN(dsn, replayID string) (string, error) {
	if strings.TrimSpace(replayID) == "" {
		return "", errors.New("delivery.EndpointFromDSN: replay id is required")
	}
	d, err := ParseDSN(dsn)
	if err != nil {
		return "", err
	}
	return d.Endpoint(replayID), nil
}
