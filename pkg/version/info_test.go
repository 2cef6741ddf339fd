package version

import (
	"testing"
	"time"
)

func stamp(t *testing.T, version, commit, built string) {
	t.Helper()
	prev := [3]string{AppVersion, GitCommit, BuildTime}
	t.Cleanup(func() { AppVersion, GitCommit, BuildTime = prev[0], prev[1], prev[2] })
	AppVersion, GitCommit, BuildTime = version, commit, built
}

func TestCurrent_BlankStampsFallBack(t *testing.T) {
	stamp(t, " ", "", "")

	got := Current("")
	want := Info{Service: Unknown, Version: DevelopmentVersion, Commit: Unknown, BuildTime: Unknown}
	if got != want {
		t.Fatalf("Current = %+v, want %+v", got, want)
	}
	if _, ok := got.Built(); ok {
		t.Fatal("unknown build time must not parse")
	}
	if _, ok := got.Released(); ok {
		t.Fatal("dev build must not be a release")
	}
}

func TestCurrent_Stamped(t *testing.T) {
	built := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stamp(t, "v1.4.0", "abc123", built.Format(time.RFC3339))

	info := Current("txctl")
	if info.String() != "txctl v1.4.0 (commit abc123, built 2026-03-01T12:00:00Z)" {
		t.Fatalf("unexpected String %q", info)
	}
	ts, ok := info.Built()
	if !ok || !ts.Equal(built) {
		t.Fatalf("Built = %v, %v", ts, ok)
	}
	v, ok := info.Released()
	if !ok || v.String() != "1.4.0" {
		t.Fatalf("Released = %v, %v", v, ok)
	}
}

func TestInfo_Satisfies(t *testing.T) {
	tests := []struct {
		version string
		minimum string
		want    bool
		wantErr bool
	}{
		{version: "v1.4.0", minimum: "1.3.9", want: true},
		{version: "v1.4.0", minimum: "v1.4.0", want: true},
		{version: "v1.4.0-rc.1", minimum: "1.4.0", want: false},
		{version: "v0.9.0", minimum: "1.0.0", want: false},
		{version: DevelopmentVersion, minimum: "9.9.9", want: true},
		{version: "v1.0.0", minimum: "latest", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.version+">="+tt.minimum, func(t *testing.T) {
			got, err := Info{Version: tt.version}.Satisfies(tt.minimum)
			if (err != nil) != tt.wantErr {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Satisfies(%q) = %v, want %v", tt.minimum, got, tt.want)
			}
		})
	}
}
