package server

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/zenazn/goji/web"

	"github.com/janelia-flyem/slidetile/slide"
)

// blockList refuses requests from listed users or source IPs.  Lines of the
// file are "u=<user>[,note]" or "ip=<a.b.c.d>[,note]" where any IP part may be "*".
type blockList struct {
	mu    sync.RWMutex
	users map[string]string // user id key, note value
	ips   map[string]string // ip match key, note value
}

func addBlock(blockMap map[string]string, data string) error {
	parts := strings.Split(data, ",")
	switch len(parts) {
	case 1:
		blockMap[parts[0]] = ""
	case 2:
		blockMap[parts[0]] = parts[1]
	default:
		return fmt.Errorf("bad blocklist line")
	}
	return nil
}

func loadBlockList(filename string) (*blockList, error) {
	bl := &blockList{
		users: make(map[string]string),
		ips:   make(map[string]string),
	}
	if len(filename) == 0 {
		return bl, nil
	}
	slide.Infof("Blocklist (%s) found.\n", filename)
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "" || strings.HasPrefix(line, "#"):
		case strings.HasPrefix(line, "u="):
			if err := addBlock(bl.users, line[2:]); err != nil {
				return nil, fmt.Errorf("bad user blocklist line: %s", line)
			}
		case strings.HasPrefix(line, "ip="):
			if err := addBlock(bl.ips, line[3:]); err != nil {
				return nil, fmt.Errorf("bad ip blocklist line: %s", line)
			}
		default:
			return nil, fmt.Errorf("bad line in blocklist file (%s): %s", filename, line)
		}
	}
	return bl, scanner.Err()
}

func (bl *blockList) active() bool {
	bl.mu.RLock()
	defer bl.mu.RUnlock()
	return len(bl.users) > 0 || len(bl.ips) > 0
}

// blocked writes a refusal and returns true if the request is blocked.
func (bl *blockList) blocked(w http.ResponseWriter, r *http.Request, user string) bool {
	if !bl.active() {
		return false
	}
	bl.mu.RLock()
	note, found := bl.users[user]
	bl.mu.RUnlock()
	if found {
		http.Error(w, fmt.Sprintf("User %q is blocked: %s", user, note), http.StatusTooManyRequests)
		return true
	}
	ip, err := requestSourceIP(r)
	if err != nil {
		slide.Errorf("Error getting source IP for request: %v\n", err)
		return false
	}
	if note, found := bl.blockedIP(ip); found {
		http.Error(w, fmt.Sprintf("IP %q is blocked: %s", ip, note), http.StatusTooManyRequests)
		return true
	}
	return false
}

func (bl *blockList) blockedIP(ip string) (string, bool) {
	bl.mu.RLock()
	defer bl.mu.RUnlock()
	targetParts := strings.Split(ip, ".")
	for blockIP, note := range bl.ips {
		parts := strings.Split(blockIP, ".")
		if len(parts) != len(targetParts) {
			continue
		}
		match := true
		for i := 0; i < len(parts); i++ {
			if parts[i] == "*" {
				continue
			}
			if parts[i] != targetParts[i] {
				match = false
				break
			}
		}
		if match {
			return note, true
		}
	}
	return "", false
}

// middleware refuses blocked requests.  It runs after the authorizer so the
// identity in c.Env["user"] is known.
func (bl *blockList) middleware(c *web.C, h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		user, _ := c.Env["user"].(string)
		if bl.blocked(w, r, user) {
			return
		}
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

func requestSourceIP(r *http.Request) (string, error) {
	// Check the Forward header
	forwardedHeader := r.Header.Get("Forwarded")
	if forwardedHeader != "" {
		parts := strings.Split(forwardedHeader, ",")
		firstPart := strings.TrimSpace(parts[0])
		subParts := strings.Split(firstPart, ";")
		for _, part := range subParts {
			normalisedPart := strings.ToLower(strings.TrimSpace(part))
			if strings.HasPrefix(normalisedPart, "for=") {
				return normalisedPart[4:], nil
			}
		}
	}

	// Check the X-Forwarded-For header
	xForwardedForHeader := r.Header.Get("X-Forwarded-For")
	if xForwardedForHeader != "" {
		parts := strings.Split(xForwardedForHeader, ",")
		return strings.TrimSpace(parts[0]), nil
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "", err
	}
	return host, nil
}
