package service

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// RepoRef is what a submitted clone URL resolves to.
type RepoRef struct {
	URL      string // canonical https form, no credentials
	Name     string // owner/repo when available, else last path segment
	Platform string // github | gitlab | bitbucket | custom
}

var scpLikeRe = regexp.MustCompile(`^(?:[\w.-]+)@([\w.-]+):(.+)$`)

// ParseRepoURL validates a clone URL and derives name and hosting platform.
// Accepted forms: https://host/owner/repo(.git), and the scp-like
// git@host:owner/repo.git, which is rewritten to https. Embedded credentials
// are rejected; tokens travel out of band.
func ParseRepoURL(raw string) (*RepoRef, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, &ValidationError{Field: "repo_url", Reason: "empty"}
	}
	if m := scpLikeRe.FindStringSubmatch(raw); m != nil {
		raw = "https://" + m[1] + "/" + strings.TrimPrefix(m[2], "/")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, &ValidationError{Field: "repo_url", Reason: "not a valid URL"}
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, &ValidationError{Field: "repo_url", Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	if u.User != nil {
		return nil, &ValidationError{Field: "repo_url", Reason: "embedded credentials not allowed"}
	}

	path := strings.Trim(strings.TrimSuffix(u.Path, "/"), "/")
	path = strings.TrimSuffix(path, ".git")
	if path == "" {
		return nil, &ValidationError{Field: "repo_url", Reason: "missing repository path"}
	}
	segs := strings.Split(path, "/")
	name := segs[len(segs)-1]
	if len(segs) >= 2 {
		name = segs[len(segs)-2] + "/" + segs[len(segs)-1]
	}

	return &RepoRef{
		URL:      u.Scheme + "://" + u.Host + "/" + path,
		Name:     name,
		Platform: platformOf(u.Hostname()),
	}, nil
}

func platformOf(host string) string {
	host = strings.ToLower(host)
	switch {
	case host == "github.com" || strings.HasSuffix(host, ".github.com"):
		return "github"
	case strings.Contains(host, "gitlab"):
		return "gitlab"
	case strings.Contains(host, "bitbucket"):
		return "bitbucket"
	default:
		return "custom"
	}
}
