package storage

import "testing"

func TestSlugify(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Holiday-Sunset", "holiday-sunset"},
		{"ALLCAPS", "allcaps"},
		{"already-lower-123", "already-lower-123"},
		{"Crème Brûlée", "creme-brulee"},
		{"under_score and space", "under-score-and-space"},
		{"--leading--trailing--", "leading-trailing"},
		{"!!!", ""},
	}
	for _, tc := range cases {
		if got := slugify(tc.in); got != tc.want {
			t.Errorf("slugify(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestImageSlugFallsBackToID(t *testing.T) {
	if got := imageSlug("Photo", "abc123"); got != "photo-abc123" {
		t.Fatalf("imageSlug = %q", got)
	}
	if got := imageSlug("***", "abc123"); got != "abc123" {
		t.Fatalf("unbuildable name should fall back to the id, got %q", got)
	}
}
