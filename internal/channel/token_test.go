package channel_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/voxlink/internal/channel"
)

func TestBuildURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		endpoint string
		path     string
		token    string
		want     string
		wantErr  bool
	}{
		{"basic", "ws://localhost:8081", "/ws/audio", "abc", "ws://localhost:8081/ws/audio?token=abc", false},
		{"trailing slash", "wss://example.com/", "/ws/audio", "abc", "wss://example.com/ws/audio?token=abc", false},
		{"base path", "ws://example.com/api", "ws/audio", "abc", "ws://example.com/api/ws/audio?token=abc", false},
		{"escaped token", "ws://h", "/p", "a b&c=d", "ws://h/p?token=a+b%26c%3Dd", false},
		{"http mapped", "http://h:1", "/p", "t", "ws://h:1/p?token=t", false},
		{"https mapped", "https://h", "/p", "t", "wss://h/p?token=t", false},
		{"bad scheme", "ftp://h", "/p", "t", "", true},
		{"no host", "ws://", "/p", "t", "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := channel.BuildURL(tc.endpoint, tc.path, tc.token)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("BuildURL = %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildURL: %v", err)
			}
			if got != tc.want {
				t.Errorf("BuildURL = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFileToken(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("  s3cret\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := channel.FileToken(path).Token(t.Context())
	if err != nil || got != "s3cret" {
		t.Errorf("Token = (%q, %v), want (s3cret, nil)", got, err)
	}
	if _, err := channel.FileToken(filepath.Join(t.TempDir(), "missing")).Token(t.Context()); err == nil {
		t.Error("missing file should fail")
	}
}

func TestEnvToken(t *testing.T) {
	t.Setenv("VOXLINK_TEST_TOKEN", "from-env")
	got, _ := channel.EnvToken("VOXLINK_TEST_TOKEN").Token(t.Context())
	if got != "from-env" {
		t.Errorf("Token = %q, want from-env", got)
	}
}

func TestFirstToken(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	failing := channel.TokenFunc(func(context.Context) (string, error) { return "", boom })

	src := channel.FirstToken(channel.StaticToken(""), failing, channel.StaticToken("second"))
	if got, err := src.Token(t.Context()); err != nil || got != "second" {
		t.Errorf("Token = (%q, %v), want (second, nil)", got, err)
	}

	src = channel.FirstToken(channel.StaticToken(""), failing)
	if _, err := src.Token(t.Context()); !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}

	src = channel.FirstToken()
	if got, err := src.Token(t.Context()); got != "" || err != nil {
		t.Errorf("empty chain = (%q, %v), want (\"\", nil)", got, err)
	}
}
