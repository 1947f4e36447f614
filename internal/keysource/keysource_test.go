package keysource

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
)

func encodeSSHEd25519(pub ed25519.PublicKey) string {
	var buf []byte
	buf = appendSSHString(buf, []byte("ssh-ed25519"))
	buf = appendSSHString(buf, pub)
	return "ssh-ed25519 " + base64.StdEncoding.EncodeToString(buf) + " test@example.com"
}

func appendSSHString(b, s []byte) []byte {
	n := len(s)
	b = append(b, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	return append(b, s...)
}

func TestResolveRawHex(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Resolve(hex.EncodeToString(pub), nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !got.Equal(pub) {
		t.Fatal("resolved key does not match")
	}
}

func TestResolveInvalidHexLength(t *testing.T) {
	if _, err := Resolve(hex.EncodeToString([]byte("tooshort")), nil); err == nil {
		t.Fatal("expected error for wrong-length key")
	}
}

func TestResolveSSHEd25519Line(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	line := encodeSSHEd25519(pub)
	got, err := Resolve(line, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !got.Equal(pub) {
		t.Fatal("resolved key does not match")
	}
}

type fakeHTTPClient struct {
	body       string
	statusCode int
}

func (f *fakeHTTPClient) Get(url string) (*http.Response, error) {
	return &http.Response{
		StatusCode: f.statusCode,
		Status:     fmt.Sprintf("%d", f.statusCode),
		Body:       io.NopCloser(strings.NewReader(f.body)),
	}, nil
}

func TestResolveGitHubFetchesFirstEd25519Key(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	client := &fakeHTTPClient{
		statusCode: 200,
		body:       "ssh-rsa AAAAB3NzaC1yc2E=\n" + encodeSSHEd25519(pub) + "\n",
	}
	got, err := Resolve("github:octocat", client)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !got.Equal(pub) {
		t.Fatal("resolved key does not match")
	}
}

func TestResolveGitHubNoEd25519KeyFails(t *testing.T) {
	client := &fakeHTTPClient{statusCode: 200, body: "ssh-rsa AAAAB3NzaC1yc2E=\n"}
	if _, err := Resolve("github:octocat", client); err == nil {
		t.Fatal("expected error when no ssh-ed25519 key is present")
	}
}

func TestResolveGitHubNon200Fails(t *testing.T) {
	client := &fakeHTTPClient{statusCode: 404, body: "Not Found"}
	if _, err := Resolve("github:nonexistent", client); err == nil {
		t.Fatal("expected error for non-200 status")
	}
}

func TestResolveGPGUnsupported(t *testing.T) {
	if _, err := Resolve("gpg:DEADBEEF", nil); err == nil {
		t.Fatal("expected gpg: to be reported as unsupported")
	}
}

func TestResolveAllSkipsBlankAndCommentLines(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	contents := "# allowlist\n\n" + hex.EncodeToString(pub) + "\n"
	keys, err := ResolveAll(contents, nil)
	if err != nil {
		t.Fatalf("ResolveAll: %v", err)
	}
	if len(keys) != 1 || !keys[0].Equal(pub) {
		t.Fatalf("got %v", keys)
	}
}
