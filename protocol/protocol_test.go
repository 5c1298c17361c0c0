package protocol

import "testing"

func TestNegotiate(t *testing.T) {
	cases := []struct {
		name      string
		requested string
		want      FeatureSet
	}{
		{"latest", VersionLatest, FeatureSet{Version: VersionLatest, Cursors: true, ExtendedMeta: true}},
		{"cursors", VersionCursors, FeatureSet{Version: VersionCursors, Cursors: true}},
		{"baseline", VersionBaseline, FeatureSet{Version: VersionBaseline}},
		{"unknown falls back", "2031-01-01", FeatureSet{Version: VersionBaseline}},
		{"empty falls back", "", FeatureSet{Version: VersionBaseline}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Negotiate(tc.requested); got != tc.want {
				t.Fatalf("Negotiate(%q) = %+v, want %+v", tc.requested, got, tc.want)
			}
		})
	}
}

func TestIsSupported(t *testing.T) {
	for _, v := range SupportedVersions() {
		if !IsSupported(v) {
			t.Fatalf("IsSupported(%q) = false", v)
		}
	}
	if IsSupported("1999-01-01") {
		t.Fatal("IsSupported accepted an unknown revision")
	}
}
