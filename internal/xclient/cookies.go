package xclient

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/chromedp/cdproto/network"

	"cadencebot/internal/agent"
)

// Session cookies X requires for an authenticated browser.
var requiredCookies = []string{"auth_token", "ct0"}

// storedCookies is the on-disk shape written by browser cookie exporters.
type storedCookies struct {
	Cookies    []*network.Cookie `json:"cookies"`
	CapturedAt time.Time         `json:"captured_at,omitempty"`
	ExpiresAt  time.Time         `json:"expires_at,omitempty"`
}

// LoadCookies reads a cookie file in any of three shapes:
//
//	{"cookies": [{"name": ..., "value": ..., "domain": ...}, ...]}
//	[{"name": ..., "value": ..., "domain": ...}, ...]
//	{"auth_token": "...", "ct0": "..."}
//
// Cookies without a domain are scoped to ".x.com".
func LoadCookies(path string) ([]*network.Cookie, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cookies, err := parseCookies(b)
	if err != nil {
		return nil, fmt.Errorf("cookies %s: %w", path, err)
	}
	for _, c := range cookies {
		if c.Domain == "" {
			c.Domain = ".x.com"
		}
		if c.Path == "" {
			c.Path = "/"
		}
	}
	return cookies, nil
}

func parseCookies(b []byte) ([]*network.Cookie, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, errors.New("empty file")
	}
	if b[0] == '[' {
		var list []*network.Cookie
		if err := json.Unmarshal(b, &list); err != nil {
			return nil, err
		}
		return list, nil
	}

	var wrapped storedCookies
	if err := json.Unmarshal(b, &wrapped); err == nil && len(wrapped.Cookies) > 0 {
		return wrapped.Cookies, nil
	}

	var flat map[string]any
	if err := json.Unmarshal(b, &flat); err != nil {
		return nil, err
	}
	out := make([]*network.Cookie, 0, len(flat))
	for name, v := range flat {
		s, ok := v.(string)
		if !ok {
			continue
		}
		out = append(out, &network.Cookie{Name: name, Value: s, Secure: true})
	}
	if len(out) == 0 {
		return nil, errors.New("no cookies found")
	}
	return out, nil
}

// CheckCookies verifies the session cookies are present and unexpired.
// Failures are auth errors: credentials are a precondition, not something to retry.
func CheckCookies(cookies []*network.Cookie, now time.Time) error {
	for _, name := range requiredCookies {
		c := findCookie(cookies, name)
		if c == nil || c.Value == "" {
			return agent.Auth(fmt.Errorf("cookie %q missing", name))
		}
		// Expires is seconds since epoch; 0 or -1 means a session cookie.
		if c.Expires > 0 && time.Unix(int64(c.Expires), 0).Before(now) {
			return agent.Auth(fmt.Errorf("cookie %q expired at %s", name, time.Unix(int64(c.Expires), 0).UTC().Format(time.RFC3339)))
		}
	}
	return nil
}

func findCookie(cookies []*network.Cookie, name string) *network.Cookie {
	for _, c := range cookies {
		if c != nil && c.Name == name {
			return c
		}
	}
	return nil
}
