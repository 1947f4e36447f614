// Package keysource resolves the --key/--server-key/--client-keys CLI
// literals into raw identity public keys: a bare hex-encoded key, an
// "ssh-ed25519 <base64>" line, or a "github:<user>"/"gitlab:<user>"
// reference fetched over HTTPS. A "gpg:<fingerprint>" literal is recognised
// but always reported as unsupported. This is the one place
// in the module that reaches for net/http directly rather than a
// third-party client: it is a single one-shot GET against a fixed,
// well-known host per source, with no retries, auth, or connection reuse
// to justify pulling in an HTTP client library.
package keysource

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const fetchTimeout = 10 * time.Second

// HTTPClient is the narrow interface keysource needs from net/http,
// satisfied by *http.Client and by test doubles.
type HTTPClient interface {
	Get(url string) (*http.Response, error)
}

var defaultClient HTTPClient = &http.Client{Timeout: fetchTimeout}

// Resolve turns a CLI key literal into an Ed25519 public key. client may be
// nil to use the package default *http.Client.
func Resolve(literal string, client HTTPClient) (ed25519.PublicKey, error) {
	if client == nil {
		client = defaultClient
	}
	switch {
	case strings.HasPrefix(literal, "github:"):
		return fetchGitHubKeys(client, strings.TrimPrefix(literal, "github:"))
	case strings.HasPrefix(literal, "gitlab:"):
		return fetchGitLabKeys(client, strings.TrimPrefix(literal, "gitlab:"))
	case strings.HasPrefix(literal, "gpg:"):
		return nil, fmt.Errorf("keysource: gpg fingerprint resolution is not supported for Ed25519 identities: %s", literal)
	case strings.HasPrefix(literal, "ssh-ed25519 "):
		return parseSSHEd25519(literal)
	default:
		return parseHex(literal)
	}
}

// ResolveAll resolves a newline-separated list of key literals (the format
// of a --client-keys allowlist file), skipping blank lines.
func ResolveAll(contents string, client HTTPClient) ([]ed25519.PublicKey, error) {
	var out []ed25519.PublicKey
	for _, line := range strings.Split(contents, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, err := Resolve(line, client)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, nil
}

func parseHex(literal string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(literal)
	if err != nil {
		return nil, fmt.Errorf("keysource: %q is not valid hex: %w", literal, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("keysource: key %q has %d bytes, want %d", literal, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

func parseSSHEd25519(line string) (ed25519.PublicKey, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "ssh-ed25519" {
		return nil, fmt.Errorf("keysource: malformed ssh-ed25519 line %q", line)
	}
	blob, err := base64.StdEncoding.DecodeString(fields[1])
	if err != nil {
		return nil, fmt.Errorf("keysource: decode ssh-ed25519 blob: %w", err)
	}
	return extractSSHEd25519Key(blob)
}

// extractSSHEd25519Key parses the minimal subset of RFC 4253 section 6.6's
// public-key blob format needed for ssh-ed25519: a length-prefixed type
// string followed by a length-prefixed 32-byte key.
func extractSSHEd25519Key(blob []byte) (ed25519.PublicKey, error) {
	typ, rest, err := readSSHString(blob)
	if err != nil {
		return nil, err
	}
	if string(typ) != "ssh-ed25519" {
		return nil, fmt.Errorf("keysource: unsupported ssh key type %q", typ)
	}
	key, _, err := readSSHString(rest)
	if err != nil {
		return nil, err
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("keysource: ssh-ed25519 key has %d bytes, want %d", len(key), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(key), nil
}

func readSSHString(b []byte) (value, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("keysource: truncated ssh key blob")
	}
	n := int(b[0])<<24 | int(b[1])<<16 | int(b[2])<<8 | int(b[3])
	if n < 0 || 4+n > len(b) {
		return nil, nil, fmt.Errorf("keysource: truncated ssh key blob")
	}
	return b[4 : 4+n], b[4+n:], nil
}

func fetchGitHubKeys(client HTTPClient, user string) (ed25519.PublicKey, error) {
	return fetchFirstEd25519(client, fmt.Sprintf("https://github.com/%s.keys", user))
}

func fetchGitLabKeys(client HTTPClient, user string) (ed25519.PublicKey, error) {
	return fetchFirstEd25519(client, fmt.Sprintf("https://gitlab.com/%s.keys", user))
}

// fetchFirstEd25519 GETs a newline-delimited list of "<type> <base64> [comment]"
// public keys and returns the first ssh-ed25519 entry found.
func fetchFirstEd25519(client HTTPClient, url string) (ed25519.PublicKey, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("keysource: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("keysource: fetch %s: status %s", url, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("keysource: read %s: %w", url, err)
	}
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "ssh-ed25519 ") {
			return parseSSHEd25519(line)
		}
	}
	return nil, fmt.Errorf("keysource: no ssh-ed25519 key found at %s", url)
}
