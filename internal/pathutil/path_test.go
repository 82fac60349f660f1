package pathutil

import "testing"

func TestClean(t *testing.T) {
	cases := map[string]string{
		"":           "",
		".":          "",
		"/":          "",
		"/a/b":       "a/b",
		"a/b/":       "a/b",
		"a//b":       "a/b",
	}
	for in, want := range cases {
		got, err := Clean(in)
		if err != nil {
			t.Fatalf("Clean(%q) error: %v", in, err)
		}
		if got != want {
			t.Errorf("Clean(%q) = %q, want %q", in, got, want)
		}
	}

	if _, err := Clean("../etc/passwd"); err == nil {
		t.Error("expected traversal rejection")
	}
}

func TestJoinParentNameDepth(t *testing.T) {
	if got := Join("a/b", "c"); got != "a/b/c" {
		t.Errorf("Join = %q", got)
	}
	if got := Join("", "c"); got != "c" {
		t.Errorf("Join root = %q", got)
	}
	if got := Parent("a/b/c"); got != "a/b" {
		t.Errorf("Parent = %q", got)
	}
	if got := Parent("a"); got != "" {
		t.Errorf("Parent top-level = %q", got)
	}
	if got := Name("a/b/c"); got != "c" {
		t.Errorf("Name = %q", got)
	}
	if Depth("") != 0 || Depth("a") != 1 || Depth("a/b") != 2 {
		t.Error("unexpected depth values")
	}
}

func TestHasPrefixSegment(t *testing.T) {
	if !HasPrefixSegment("a/b", "a") {
		t.Error("expected a/b to be within a")
	}
	if HasPrefixSegment("ab/c", "a") {
		t.Error("ab/c should not be considered within a")
	}
	if !HasPrefixSegment("a", "a") {
		t.Error("a path is within itself")
	}
	if !HasPrefixSegment("anything", "") {
		t.Error("root prefix contains everything")
	}
}
