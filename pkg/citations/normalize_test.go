package citations

import "testing"

func TestNormalizeURL(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases scheme and host", "HTTPS://Example.COM/Path", "https://example.com/Path"},
		{"strips default https port", "https://example.com:443/a", "https://example.com/a"},
		{"strips default http port", "http://example.com:80/a", "http://example.com/a"},
		{"keeps explicit port", "https://example.com:8443/a", "https://example.com:8443/a"},
		{"drops fragment", "https://example.com/a#section-2", "https://example.com/a"},
		{"drops tracking params", "https://example.com/a?utm_source=x&utm_medium=y&id=7", "https://example.com/a?id=7"},
		{"drops fbclid", "https://example.com/a?fbclid=abc", "https://example.com/a"},
		{"sorts query params", "https://example.com/a?b=2&a=1", "https://example.com/a?a=1&b=2"},
		{"strips bare root path", "https://example.com/", "https://example.com"},
		{"keeps root path with query", "https://example.com/?id=1", "https://example.com/?id=1"},
		{"trims whitespace", "  https://example.com/a  ", "https://example.com/a"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeURL(tc.in)
			if err != nil {
				t.Fatalf("NormalizeURL(%q) returned an error: %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("NormalizeURL(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizeURLRejectsNonHTTP(t *testing.T) {
	for _, raw := range []string{"ftp://example.com/file", "mailto:a@example.com", "not a url at all"} {
		if _, err := NormalizeURL(raw); err == nil {
			t.Errorf("NormalizeURL(%q) accepted a non-http URL", raw)
		}
	}
}

func TestEquivalentURLsNormalizeIdentically(t *testing.T) {
	a, err := NormalizeURL("https://Example.com:443/paper?utm_source=feed&ref=1#abstract")
	if err != nil {
		t.Fatal(err)
	}
	b, err := NormalizeURL("https://example.com/paper?ref=1")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("equivalent URLs normalized differently: %q vs %q", a, b)
	}
}
