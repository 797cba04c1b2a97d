// Package resource derives canonical keys for provider locators.
package resource

import (
	"net/url"
	"regexp"
	"strings"
)

// TitleParam is the query parameter used only to carry a post title between
// pages. It never identifies a resource.
const TitleParam = "gdl_title"

const canonicalBunkrHost = "bunkr.ws"

// legacyBunkrHosts maps retired bunkr domains to the current one.
var legacyBunkrHosts = []string{
	"bunkr.si",
	"bunkrrr.org",
	"bunkr.site",
	"bunkr.ru",
}

var (
	bunkrTLD      = regexp.MustCompile(`(?i)bunkr[\w-]*\.[^.]+$`)
	legacyPrefix  = regexp.MustCompile(`^/[vd]/`)
	unsafeSegment = regexp.MustCompile(`[\\/:*?"<>|]`)
	spaceRun      = regexp.MustCompile(`\s+`)
	underscoreRun = regexp.MustCompile(`_+`)
	threadPath    = regexp.MustCompile(`/threads/([^/]+)`)
)

var supportedHosts = []string{"pixeldrain", "bunkr", "gofile", "cyberdrop", "redgifs", "saint2"}

// Normalize returns the canonical key for locator. It strips the title
// parameter, folds renamed provider hosts and legacy path prefixes, and sorts
// the remaining query. Input that is not an absolute URL is returned as is.
func Normalize(locator string) string {
	u, ok := parse(locator)
	if !ok {
		return locator
	}
	canonicalize(u)
	return u.String()
}

// AttachTitle returns the normalized locator carrying title in the title
// parameter. An empty title strips the parameter.
func AttachTitle(locator, title string) string {
	u, ok := parse(locator)
	if !ok {
		return locator
	}
	canonicalize(u)
	if title == "" {
		return u.String()
	}
	q := u.Query()
	q.Set(TitleParam, title)
	u.RawQuery = q.Encode()
	return u.String()
}

// TitleFrom extracts the title parameter from locator, if any.
func TitleFrom(locator string) string {
	u, ok := parse(locator)
	if !ok {
		return ""
	}
	return u.Query().Get(TitleParam)
}

// IsSupported reports whether locator points at a provider the downloader
// service knows how to fetch.
func IsSupported(locator string) bool {
	lower := strings.ToLower(locator)
	for _, h := range supportedHosts {
		if strings.Contains(lower, h) {
			return true
		}
	}
	return false
}

// SanitizeSegment makes s safe to use as a folder name on the service side.
func SanitizeSegment(s string) string {
	if s == "" {
		return ""
	}
	out := unsafeSegment.ReplaceAllString(strings.TrimSpace(s), "_")
	out = spaceRun.ReplaceAllString(out, "_")
	out = underscoreRun.ReplaceAllString(out, "_")
	out = strings.Trim(out, "_")
	if out == "" {
		return "untitled"
	}
	return out
}

// ThreadTitle derives an origin title from a forum thread URL such as
// https://forum.example/threads/some-thread.123/. It returns "" when the
// path carries no thread slug.
func ThreadTitle(pageURL string) string {
	path := pageURL
	if u, err := url.Parse(pageURL); err == nil && u.Path != "" {
		path = u.Path
	}
	m := threadPath.FindStringSubmatch(path)
	if m == nil {
		return ""
	}
	return SanitizeSegment(m[1])
}

func parse(locator string) (*url.URL, bool) {
	u, err := url.Parse(strings.TrimSpace(locator))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, false
	}
	return u, true
}

func canonicalize(u *url.URL) {
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.RawQuery != "" || u.ForceQuery {
		q := u.Query()
		q.Del(TitleParam)
		u.RawQuery = q.Encode()
		u.ForceQuery = false
	}

	host := u.Hostname()
	if !strings.Contains(host, "bunkr") {
		return
	}
	mapped := host
	for _, legacy := range legacyBunkrHosts {
		if strings.HasSuffix(host, legacy) {
			mapped = strings.TrimSuffix(host, legacy) + canonicalBunkrHost
			break
		}
	}
	if mapped == host && !strings.HasSuffix(host, canonicalBunkrHost) {
		mapped = bunkrTLD.ReplaceAllString(host, canonicalBunkrHost)
	}
	if port := u.Port(); port != "" {
		u.Host = mapped + ":" + port
	} else {
		u.Host = mapped
	}
	if legacyPrefix.MatchString(u.Path) {
		u.Path = legacyPrefix.ReplaceAllString(u.Path, "/f/")
		u.RawPath = ""
	}
}
