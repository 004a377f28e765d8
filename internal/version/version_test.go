package version

import "testing"

func TestString(t *testing.T) {
	v, sha, built := Version, GitSHA, BuildTime
	t.Cleanup(func() { Version, GitSHA, BuildTime = v, sha, built })

	Version, GitSHA, BuildTime = "1.2.0", "0123456789abcdef", "2026-10-17T09:00:00Z"
	if got, want := String(), "1.2.0 (0123456, built 2026-10-17T09:00:00Z)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	GitSHA = "abc"
	if got, want := String(), "1.2.0 (abc, built 2026-10-17T09:00:00Z)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
