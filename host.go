package ccindex

import "strings"

// NormalizeHost extracts (host, host_rev) from a raw URL: strip scheme,
// lowercase, drop a leading "www.", strip a port, then reverse and
// comma-join the remaining dot-separated labels. host_rev is the
// sort-friendly prefix used throughout the domain-mode index, e.g.
// "gov,18f" for "18f.gov".
func NormalizeHost(rawURL string) (host, hostRev string) {
	s := rawURL
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.ToLower(s)
	if i := strings.LastIndexByte(s, ':'); i >= 0 && !strings.Contains(s, "]") {
		s = s[:i]
	}
	s = strings.TrimPrefix(s, "www.")
	if s == "" {
		return "", ""
	}
	labels := strings.Split(s, ".")
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	return s, strings.Join(labels, ",")
}

// HostRevPrefix computes the host_rev value for domain, used as the exact
// or prefix key in a "host_rev = ? OR host_rev LIKE ? || ',%'" query.
func HostRevPrefix(domain string) string {
	_, rev := NormalizeHost("http://" + strings.TrimPrefix(strings.TrimPrefix(domain, "https://"), "http://"))
	return rev
}
