package discovery

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const profilePage = `<!doctype html>
<html>
<head>
  <link rel="authorization_endpoint" href="/auth">
  <link rel="token_endpoint" href="https://tokens.example.com/token">
  <link rel="me" href="https://github.com/alice">
</head>
<body>
  <a rel="me" href="https://github.com/alice">GitHub</a>
  <a rel="me" href="https://github.com/alice-alt">Second GitHub</a>
  <a rel="me" href="https://social.example/@alice">Fediverse</a>
  <a rel="me" href="/about">About</a>
</body>
</html>`

func TestProfileDiscover(t *testing.T) {
	t.Parallel()

	doer := &fakeDoer{responses: map[string]cannedResponse{
		"https://alice.example.com/": {contentType: "text/html; charset=utf-8", body: profilePage},
	}}
	d := NewProfileDiscoverer(doer, hostMatcher{"github.com": "github"}, zap.NewNop())

	result := d.Discover(context.Background(), "Alice.Example.com")
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "https://alice.example.com/", result.ProfileURL)
	assert.Equal(t, []string{
		"https://github.com/alice",
		"https://github.com/alice-alt",
		"https://social.example/@alice",
		"https://alice.example.com/about",
	}, result.RelMeLinks)

	// Both GitHub accounts are offered; the duplicate link to the first collapses
	require.Len(t, result.Providers, 2)
	assert.Equal(t, "github", result.Providers[0].Type)
	assert.Equal(t, "https://github.com/alice", result.Providers[0].ProviderProfileURL)
	assert.Equal(t, "github", result.Providers[1].Type)
	assert.Equal(t, "https://github.com/alice-alt", result.Providers[1].ProviderProfileURL)

	assert.Equal(t, "https://alice.example.com/auth", result.AuthorizationEndpoint)
	assert.Equal(t, "https://tokens.example.com/token", result.TokenEndpoint)
}

func TestProfileDiscoverPrefersLinkHeader(t *testing.T) {
	t.Parallel()

	doer := &fakeDoer{responses: map[string]cannedResponse{
		"https://alice.example.com/": {
			contentType: "text/html",
			header: http.Header{"Link": []string{
				`</header-auth>; rel="authorization_endpoint"`,
				`<https://tokens.example.net/t>; rel="token_endpoint micropub"`,
			}},
			body:     profilePage,
			finalURL: "https://www.alice.example.com/",
		},
	}}
	d := NewProfileDiscoverer(doer, hostMatcher{}, zap.NewNop())

	result := d.Discover(context.Background(), "https://alice.example.com/")
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "https://www.alice.example.com/header-auth", result.AuthorizationEndpoint)
	assert.Equal(t, "https://tokens.example.net/t", result.TokenEndpoint)
	assert.Contains(t, result.RelMeLinks, "https://www.alice.example.com/about")
	assert.Empty(t, result.Providers)
}

func TestProfileDiscoverFailures(t *testing.T) {
	t.Parallel()

	doer := &fakeDoer{responses: map[string]cannedResponse{
		"https://missing.example.com/": {status: http.StatusNotFound, contentType: "text/html"},
		"https://huge.example.com/":    {contentType: "text/html", body: string(make([]byte, 1024*1024+1))},
	}}
	d := NewProfileDiscoverer(doer, hostMatcher{}, zap.NewNop())
	ctx := context.Background()

	result := d.Discover(ctx, "https://missing.example.com/")
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "404")

	result = d.Discover(ctx, "https://unreachable.example.com/")
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "no route to host")

	result = d.Discover(ctx, "https://huge.example.com/")
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}

func TestProfileDiscoverNonHTML(t *testing.T) {
	t.Parallel()

	doer := &fakeDoer{responses: map[string]cannedResponse{
		"https://alice.example.com/": {
			contentType: "application/json",
			header:      http.Header{"Link": []string{`<https://alice.example.com/auth>; rel="authorization_endpoint"`}},
			body:        `{"rel":"me"}`,
		},
	}}
	d := NewProfileDiscoverer(doer, hostMatcher{"github.com": "github"}, zap.NewNop())

	result := d.Discover(context.Background(), "https://alice.example.com/")
	require.True(t, result.Success)
	assert.Empty(t, result.RelMeLinks)
	assert.Empty(t, result.Providers)
	assert.Equal(t, "https://alice.example.com/auth", result.AuthorizationEndpoint)
}
