package egress

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticResolver struct {
	addrs map[string][]string
	err   error
}

func (r staticResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	if r.err != nil {
		return nil, r.err
	}
	var out []netip.Addr
	for _, a := range r.addrs[host] {
		out = append(out, netip.MustParseAddr(a))
	}
	return out, nil
}

func TestIsPublic(t *testing.T) {
	t.Parallel()

	blocked := []string{
		"10.0.0.1",
		"127.0.0.1",
		"169.254.169.254",
		"172.16.5.4",
		"192.168.1.1",
		"100.64.0.1",
		"0.0.0.0",
		"224.0.0.1",
		"192.0.2.10",
		"198.51.100.7",
		"203.0.113.99",
		"255.255.255.255",
		"::1",
		"::",
		"fc00::1",
		"fd00:ec2::254",
		"fe80::1",
		"ff02::1",
		"2001:db8::1",
		"3fff::1",
		"3fff:fff:ffff::1",
		"::ffff:127.0.0.1",
		"::ffff:10.1.2.3",
		"::ffff:169.254.169.254",
	}
	for _, a := range blocked {
		assert.False(t, IsPublic(netip.MustParseAddr(a)), a)
	}

	allowed := []string{
		"8.8.8.8",
		"1.1.1.1",
		"93.184.216.34",
		"2606:4700:4700::1111",
		"2001:4860:4860::8888",
		"3fff:1000::1",
		"::ffff:8.8.8.8",
	}
	for _, a := range allowed {
		assert.True(t, IsPublic(netip.MustParseAddr(a)), a)
	}

	assert.False(t, IsPublic(netip.Addr{}))
}

func TestGuardResolve(t *testing.T) {
	t.Parallel()

	resolver := staticResolver{addrs: map[string][]string{
		"public.example":   {"93.184.216.34"},
		"mixed.example":    {"127.0.0.1", "93.184.216.34", "10.0.0.1"},
		"internal.example": {"10.0.0.1", "::1"},
		"mapped.example":   {"::ffff:192.168.0.1"},
	}}
	guard := NewGuard(zap.NewNop(), WithResolver(resolver))
	ctx := context.Background()

	addrs, err := guard.Resolve(ctx, "public.example")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("93.184.216.34")}, addrs)

	addrs, err = guard.Resolve(ctx, "mixed.example")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("93.184.216.34")}, addrs)

	_, err = guard.Resolve(ctx, "internal.example")
	assert.ErrorIs(t, err, ErrNoSafeAddress)

	_, err = guard.Resolve(ctx, "mapped.example")
	assert.ErrorIs(t, err, ErrNoSafeAddress)

	_, err = guard.Resolve(ctx, "[::1]")
	assert.ErrorIs(t, err, ErrNoSafeAddress)

	_, err = guard.Resolve(ctx, "169.254.169.254")
	assert.ErrorIs(t, err, ErrNoSafeAddress)
}

func TestGuardResolveError(t *testing.T) {
	t.Parallel()

	guard := NewGuard(zap.NewNop(), WithResolver(staticResolver{err: errors.New("no such host")}))
	_, err := guard.Resolve(context.Background(), "missing.example")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such host")
}

func TestClientBlocksLoopbackServer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("internal"))
	}))
	defer srv.Close()

	client := NewClient(NewGuard(zap.NewNop()), 0)
	_, err := client.Get(srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoSafeAddress)
}

func TestClientAllowsPrivateWhenConfigured(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	client := NewClient(NewGuard(zap.NewNop(), WithPrivateAddresses(true)), 0)
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := ReadBody(resp, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}

func TestReadBodyLimit(t *testing.T) {
	t.Parallel()

	resp := &http.Response{Body: io.NopCloser(strings.NewReader(strings.Repeat("a", 11)))}
	_, err := ReadBody(resp, 10)
	assert.ErrorIs(t, err, ErrResponseTooLarge)

	resp = &http.Response{Body: io.NopCloser(strings.NewReader(strings.Repeat("a", 10)))}
	body, err := ReadBody(resp, 10)
	require.NoError(t, err)
	assert.Len(t, body, 10)
}
