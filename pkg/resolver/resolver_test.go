package resolver

import (
	"testing"

	"github.com/higlass/simple-httpfs/pkg/fserr"
)

func TestResolve_Classification(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		kind    Kind
		wantURL string
	}{
		{"root", "", Directory, ""},
		{"host prefix", "example.com", Directory, ""},
		{"nested prefix", "example.com/data/genomes", Directory, ""},
		{"marked file", "example.com/data/tiny.txt..", File, "https://example.com/data/tiny.txt"},
		{"marked file at host", "example.com/robots.txt..", File, "https://example.com/robots.txt"},
		{"host only file", "example.com..", File, "https://example.com"},
		{"leading slash", "/example.com/a/b.bin..", File, "https://example.com/a/b.bin"},
		{"double slash collapsed", "example.com//a//b.bin..", File, "https://example.com/a/b.bin"},
		{"marker mid-path ignored", "example.com/a../b", Directory, ""},
		{"dotfile unmarked", "example.com/.hidden", Directory, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Resolve("https", tt.path)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Kind != tt.kind {
				t.Fatalf("expected kind %v, got %v", tt.kind, res.Kind)
			}
			if tt.kind == File && res.Target.URL() != tt.wantURL {
				t.Errorf("expected URL %s, got %s", tt.wantURL, res.Target.URL())
			}
		})
	}
}

func TestResolve_SchemeBinding(t *testing.T) {
	res, err := Resolve("http", "example.com/file.txt..")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Target.URL() != "http://example.com/file.txt" {
		t.Errorf("expected http URL, got %s", res.Target.URL())
	}
}

func TestResolve_Invalid(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"bare marker", ".."},
		{"host with space", "bad host/file.txt.."},
		{"host with question mark", "bad?host/file.txt.."},
		{"malformed percent encoding", "example.com/a%zz.."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve("https", tt.path)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !fserr.Is(err, fserr.NotFound) {
				t.Errorf("expected NotFound, got %v", err)
			}
		})
	}
}

func TestResolveSegments_Empty(t *testing.T) {
	res, err := ResolveSegments("https", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Kind != Directory {
		t.Errorf("expected Directory for empty segments, got %v", res.Kind)
	}
}

func TestTarget_URL(t *testing.T) {
	target := Target{Scheme: "https", Host: "example.com", Path: "/a/b.txt"}
	if got := target.URL(); got != "https://example.com/a/b.txt" {
		t.Errorf("unexpected URL: %s", got)
	}

	bare := Target{Scheme: "http", Host: "example.com"}
	if got := bare.URL(); got != "http://example.com" {
		t.Errorf("unexpected URL: %s", got)
	}
}
