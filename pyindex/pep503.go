// Package pyindex checks that a package version is published on a PEP 503
// simple package index.
package pyindex

import (
	"net/url"
	"regexp"
	"strings"
)

var separators = regexp.MustCompile(`[-_.]+`)

// Normalize returns the PEP 503 normalized form of a project name.
func Normalize(name string) string {
	return strings.TrimSpace(separators.ReplaceAllString(strings.ToLower(name), "-"))
}

// IndexPageURL returns the simple index page URL for project under base.
func IndexPageURL(base, project string) string {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + url.PathEscape(Normalize(project)) + "/"
}

// candidates returns the filename prefixes a distribution of project at
// version may be published under.
func candidates(project, version string) []string {
	normalized := Normalize(project)
	return []string{
		project + "-" + version,
		strings.ReplaceAll(project, "-", "_") + "-" + version,
		strings.ReplaceAll(normalized, "-", "_") + "-" + version,
		normalized + "-" + version,
	}
}

// VersionExistsInHTML reports whether an index page mentions a distribution
// file of project at version.
//
// This is a case-insensitive substring search, not a parse of the page's
// links. It tolerates index servers with unusual markup, at the cost of
// matching "pkg-1.2.0" inside "pkg-1.2.0rc1" or "otherpkg-1.2.0".
func VersionExistsInHTML(html, project, version string) bool {
	page := strings.ToLower(html)
	for _, c := range candidates(project, version) {
		if strings.Contains(page, strings.ToLower(c)) {
			return true
		}
	}
	return false
}

// snippetAround returns lowercased page text around the first mention of
// project, with whitespace collapsed. It is used for debug diagnostics.
func snippetAround(html, project string) (string, bool) {
	page := strings.ToLower(html)
	idx := strings.Index(page, strings.ReplaceAll(strings.ToLower(project), "_", "-"))
	if idx < 0 {
		return "", false
	}
	end := min(len(page), idx+120)
	return strings.Join(strings.Fields(page[max(0, idx-40):end]), " "), true
}
