package cache

import (
	"crypto/md5"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
)

// Key normalizes a request path into the key its entry is stored under.
// Query parameters are sorted so equivalent requests share an entry.
func Key(rawPath string) string {
	u, err := url.Parse(strings.TrimSpace(rawPath))
	if err != nil {
		return hashKey(rawPath)
	}

	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	p = path.Clean("/" + p)

	key := p
	if u.RawQuery != "" {
		var parts []string
		for k, vs := range u.Query() {
			for _, v := range vs {
				parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
			}
		}
		sort.Strings(parts)
		key += "?" + strings.Join(parts, "&")
	}

	// Long keys would hit storage key limits
	if len(key) > 200 {
		return hashKey(key)
	}
	return key
}

func hashKey(s string) string {
	return fmt.Sprintf("hash_%x", md5.Sum([]byte(s)))
}
