package auth

import (
	"regexp"
	"strings"

	"github.com/tomnet/tom/internal/config"
	"github.com/tomnet/tom/internal/tomerr"
)

// Policy restricts which authenticated users may call the API. An empty
// policy admits every authenticated principal.
type Policy struct {
	users   map[string]struct{}
	domains []string
	regexes []*regexp.Regexp
}

// NewPolicy compiles the configured allow lists.
func NewPolicy(cfg config.Policy) (*Policy, error) {
	p := &Policy{users: make(map[string]struct{})}
	for _, u := range cfg.AllowedUsers {
		p.users[strings.ToLower(u)] = struct{}{}
	}
	for _, d := range cfg.AllowedDomains {
		p.domains = append(p.domains, strings.ToLower(strings.TrimPrefix(d, "@")))
	}
	for _, expr := range cfg.AllowedUserRegex {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, tomerr.New(tomerr.KindValidation, "allowed_user_regex %q: %s", expr, err)
		}
		p.regexes = append(p.regexes, re)
	}
	return p, nil
}

// Empty reports whether the policy admits everyone.
func (p *Policy) Empty() bool {
	return len(p.users) == 0 && len(p.domains) == 0 && len(p.regexes) == 0
}

// Check evaluates the principal against the allow lists. The user identity
// is the token email when present, then preferred_username, then the subject.
func (p *Policy) Check(principal *Principal) error {
	if p.Empty() {
		return nil
	}
	user := principal.Email
	if user == "" {
		user = principal.PreferredUsername
	}
	if user == "" {
		user = principal.Subject
	}
	lower := strings.ToLower(user)
	if _, ok := p.users[lower]; ok {
		return nil
	}
	if at := strings.LastIndex(lower, "@"); at >= 0 {
		domain := lower[at+1:]
		for _, d := range p.domains {
			if domain == d {
				return nil
			}
		}
	}
	for _, re := range p.regexes {
		if re.MatchString(user) {
			return nil
		}
	}
	return tomerr.New(tomerr.KindAuthDenied, "user %q is not authorized", user)
}
