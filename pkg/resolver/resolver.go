// Package resolver maps virtual paths below the mount root to remote
// targets.
//
// The first path segment names the remote host, remaining segments
// form the remote path, and a trailing ".." on the final segment marks
// the path as a file:
//
//	example.com/data/tiny.txt..  ->  <scheme>://example.com/data/tiny.txt
//
// Every path whose final segment lacks the marker is an unresolved
// directory prefix. Resolution is pure: no network I/O and no hidden
// state beyond the scheme bound at mount time.
package resolver

import (
	"net/url"
	"strings"

	"github.com/higlass/simple-httpfs/pkg/fserr"
)

// Marker is the terminal suffix distinguishing files from directory
// prefixes.
const Marker = ".."

// Target identifies a remote resource. Immutable once constructed.
type Target struct {
	Scheme string
	Host   string
	Path   string // empty, or beginning with "/"
}

// URL renders the fetch URL for the target.
func (t Target) URL() string {
	return t.Scheme + "://" + t.Host + t.Path
}

func (t Target) String() string {
	return t.URL()
}

// Kind classifies a virtual path.
type Kind int

const (
	Directory Kind = iota
	File
)

// Result is the outcome of resolving a virtual path. Target is only
// meaningful when Kind is File.
type Result struct {
	Kind   Kind
	Target Target
}

// Resolve classifies a slash-separated path relative to the mount
// root. A leading slash is accepted and ignored.
func Resolve(scheme, path string) (Result, error) {
	var segments []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return ResolveSegments(scheme, segments)
}

// ResolveSegments classifies a pre-split virtual path. Errors are
// always of kind NotFound: a path that cannot be decoded names
// nothing.
func ResolveSegments(scheme string, segments []string) (Result, error) {
	if len(segments) == 0 {
		return Result{Kind: Directory}, nil
	}

	last := segments[len(segments)-1]
	if !strings.HasSuffix(last, Marker) {
		return Result{Kind: Directory}, nil
	}

	// The marker belongs to the path convention, not the resource
	// name: strip it before building the URL.
	stripped := strings.TrimSuffix(last, Marker)
	if stripped == "" && len(segments) == 1 {
		return Result{}, fserr.Newf(fserr.NotFound, strings.Join(segments, "/"), "empty host")
	}

	host := segments[0]
	var rest []string
	if len(segments) == 1 {
		host = stripped
	} else {
		rest = append(rest, segments[1:len(segments)-1]...)
		if stripped != "" {
			rest = append(rest, stripped)
		}
	}

	if err := validate(host, rest); err != nil {
		return Result{}, err
	}

	target := Target{Scheme: scheme, Host: host}
	if len(rest) > 0 {
		target.Path = "/" + strings.Join(rest, "/")
	}
	return Result{Kind: File, Target: target}, nil
}

// validate rejects hosts and segments that cannot form a well-formed
// URL (malformed percent-encoding, embedded whitespace).
func validate(host string, segments []string) error {
	if host == "" {
		return fserr.Newf(fserr.NotFound, host, "empty host")
	}
	if _, err := url.Parse("//" + host); err != nil || strings.ContainsAny(host, " \t/?#") {
		return fserr.Newf(fserr.NotFound, host, "malformed host %q", host)
	}
	for _, s := range segments {
		if _, err := url.PathUnescape(s); err != nil {
			return fserr.New(fserr.NotFound, s, err)
		}
	}
	return nil
}
