package idmatch

import (
	"errors"
	"strings"
	"testing"

	"github.com/keelhost/keel/pkg/apierr"
)

func TestResolveExactMatchWinsOverPrefix(t *testing.T) {
	// "abc" is both an exact id and a prefix of "abcdef"; exact wins.
	got, err := Resolve("abc", "container", []string{"abcdef", "abc", "xyz"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "abc" {
		t.Fatalf("got %q, want %q", got, "abc")
	}
}

func TestResolveUniquePrefix(t *testing.T) {
	got, err := Resolve("ab", "container", []string{"abcdef", "xyz"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "abcdef" {
		t.Fatalf("got %q, want %q", got, "abcdef")
	}
}

func TestResolveAmbiguousPrefixFails(t *testing.T) {
	_, err := Resolve("ab", "container", []string{"abcdef", "ab1234"})
	if !errors.Is(err, apierr.ErrInvalidArgument) {
		t.Fatalf("want InvalidArgument, got %v", err)
	}
	if !strings.Contains(err.Error(), "ambiguous") {
		t.Fatalf("error should name ambiguity: %v", err)
	}
}

func TestResolveNoMatchIsNotFound(t *testing.T) {
	_, err := Resolve("zz", "image", []string{"abcdef"})
	if !errors.Is(err, apierr.ErrNotFound) {
		t.Fatalf("want NotFound, got %v", err)
	}
}

func TestResolveEmptyQueryIsInvalid(t *testing.T) {
	_, err := Resolve("", "volume", []string{"abc"})
	if !errors.Is(err, apierr.ErrInvalidArgument) {
		t.Fatalf("want InvalidArgument, got %v", err)
	}
}
