package anacrolix

import (
	"fmt"
	"net/url"
	"strings"

	"torrentdeck/internal/domain"
)

// sanitizeMagnet validates a magnet URI and drops trackers with schemes the
// client cannot use. It returns the rebuilt URI and the dropped trackers.
func sanitizeMagnet(m string) (string, []string, error) {
	m = strings.TrimSpace(m)
	if m == "" {
		return "", nil, fmt.Errorf("%w: empty magnet URI", domain.ErrInvalidSource)
	}
	u, err := url.Parse(m)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", domain.ErrInvalidSource, err)
	}
	if u.Scheme != "magnet" {
		return "", nil, fmt.Errorf("%w: missing 'magnet:' scheme", domain.ErrInvalidSource)
	}
	q := u.Query()
	if len(q["xt"]) == 0 {
		return "", nil, fmt.Errorf("%w: missing xt parameter", domain.ErrInvalidSource)
	}

	var good, dropped []string
	for _, tr := range q["tr"] {
		tu, err := url.Parse(tr)
		if err != nil || tu.Scheme == "" {
			dropped = append(dropped, tr)
			continue
		}
		switch strings.ToLower(tu.Scheme) {
		case "http", "https", "udp":
			good = append(good, tr)
		default:
			dropped = append(dropped, tr)
		}
	}

	clean := url.Values{}
	for _, xt := range q["xt"] {
		clean.Add("xt", xt)
	}
	if dn := q.Get("dn"); dn != "" {
		clean.Set("dn", dn)
	}
	for _, tr := range good {
		clean.Add("tr", tr)
	}
	u.RawQuery = clean.Encode()
	return u.String(), dropped, nil
}
