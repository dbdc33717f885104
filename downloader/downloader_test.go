package downloader

import "testing"

func TestIsPlaylistMatchesKnownPatterns(t *testing.T) {
	cases := map[string]bool{
		"https://video.example-source.net/watch?v=abc123":               false,
		"https://video.example-source.net/watch?v=abc&list=PLxyz":       true,
		"https://video.example-source.net/playlist?list=PLxyz":          true,
		"https://video.example-source.net/channel/UCabc123":             true,
		"https://video.example-source.net/@somecreator/videos":          true,
	}
	for url, want := range cases {
		if got := IsPlaylist(url); got != want {
			t.Errorf("IsPlaylist(%q) = %v, want %v", url, got, want)
		}
	}
}

func TestSanitizeRedactsSecrets(t *testing.T) {
	in := "error: Cookie: session=abc123 Authorization: Bearer xyz"
	got := sanitize(in)
	if got == in {
		t.Fatal("expected sanitize to redact cookie/auth tokens")
	}
}
