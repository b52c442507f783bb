package engine

import (
	"strings"
	"testing"
)

func TestCappedBuffer(t *testing.T) {
	cases := []struct {
		name      string
		limit     int64
		writes    []string
		want      string
		truncated bool
	}{
		{name: "under limit", limit: 8, writes: []string{"abc", "de"}, want: "abcde"},
		{name: "exact limit", limit: 4, writes: []string{"ab", "cd"}, want: "abcd"},
		{name: "split write", limit: 4, writes: []string{"abc", "def"}, want: "abcd", truncated: true},
		{name: "after full", limit: 2, writes: []string{"ab", "", "c"}, want: "ab", truncated: true},
		{name: "zero limit", limit: 0, writes: []string{"x"}, want: "", truncated: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := newCappedBuffer(tc.limit)
			for _, w := range tc.writes {
				n, err := buf.Write([]byte(w))
				if err != nil || n != len(w) {
					t.Fatalf("write %q = (%d, %v), want full write", w, n, err)
				}
			}
			if got := string(buf.Bytes()); got != tc.want {
				t.Fatalf("bytes = %q, want %q", got, tc.want)
			}
			if buf.Truncated() != tc.truncated {
				t.Fatalf("truncated = %v, want %v", buf.Truncated(), tc.truncated)
			}
		})
	}
}

func TestRelativeDir(t *testing.T) {
	ok := map[string]string{"": ".", ".": ".", "build": "build", "a/../b": "b"}
	for in, want := range ok {
		got, err := relativeDir(in)
		if err != nil || got != want {
			t.Fatalf("relativeDir(%q) = (%q, %v), want %q", in, got, err, want)
		}
	}
	for _, in := range []string{"/etc", "..", "../x", "a/../../x"} {
		if _, err := relativeDir(in); err == nil {
			t.Fatalf("relativeDir(%q) should fail", in)
		}
	}
}

func TestBuildEnvPinsHomeAndTmp(t *testing.T) {
	env := buildEnv([]string{"HOME=/root", "PYTHONUNBUFFERED=1", "PATH=/opt/bin", "junk"}, "/work")
	joined := strings.Join(env, "\n")
	for _, want := range []string{"HOME=/work", "TMPDIR=/work", "PYTHONUNBUFFERED=1", "PATH=/opt/bin"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("env missing %q: %v", want, env)
		}
	}
	if strings.Contains(joined, "HOME=/root") || strings.Contains(joined, "junk") {
		t.Fatalf("env kept overridden entries: %v", env)
	}
}
