package buildinfo

import "testing"

func withBuild(t *testing.T, version, commit, date string) {
	t.Helper()
	oldVersion, oldCommit, oldDate := Version, Commit, Date
	Version, Commit, Date = version, commit, date
	t.Cleanup(func() {
		Version, Commit, Date = oldVersion, oldCommit, oldDate
	})
}

func TestString(t *testing.T) {
	withBuild(t, "1.2.3", "deadbeef", "2026-01-30")

	got := String()
	want := "remotelabz-worker version=1.2.3 commit=deadbeef date=2026-01-30"
	if got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestClientName(t *testing.T) {
	withBuild(t, "1.2.3", "deadbeef", "2026-01-30")

	if got := ClientName("worker-a"); got != "remotelabz-worker/1.2.3@worker-a" {
		t.Fatalf("ClientName(worker-a) = %q", got)
	}
	if got := ClientName(""); got != "remotelabz-worker/1.2.3" {
		t.Fatalf("ClientName(\"\") = %q", got)
	}
}
