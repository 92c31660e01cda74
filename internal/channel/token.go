package channel

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// TokenSource supplies the authentication token for each connection attempt.
// It is consulted again on every reconnect, so rotated tokens are picked up.
// An empty token with a nil error means no token is available.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to [TokenSource].
type TokenFunc func(ctx context.Context) (string, error)

// Token implements [TokenSource].
func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// StaticToken is a fixed token.
type StaticToken string

// Token implements [TokenSource].
func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// FileToken reads the token from a file, trimming surrounding whitespace.
type FileToken string

// Token implements [TokenSource].
func (f FileToken) Token(context.Context) (string, error) {
	b, err := os.ReadFile(string(f))
	if err != nil {
		return "", fmt.Errorf("channel: read token file: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// EnvToken reads the token from an environment variable.
type EnvToken string

// Token implements [TokenSource].
func (e EnvToken) Token(context.Context) (string, error) {
	return strings.TrimSpace(os.Getenv(string(e))), nil
}

// FirstToken returns a source that tries each source in order and yields the
// first non-empty token. Errors from earlier sources are returned only if no
// later source produces a token.
func FirstToken(sources ...TokenSource) TokenSource {
	return TokenFunc(func(ctx context.Context) (string, error) {
		var firstErr error
		for _, s := range sources {
			tok, err := s.Token(ctx)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if tok != "" {
				return tok, nil
			}
		}
		return "", firstErr
	})
}

// BuildURL joins endpoint and path and appends the token query parameter.
// The endpoint scheme must be ws or wss; http and https are mapped to them.
func BuildURL(endpoint, path, token string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("channel: parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("channel: endpoint scheme %q is not ws or wss", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("channel: endpoint %q has no host", endpoint)
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
