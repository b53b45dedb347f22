package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"go.uber.org/zap"
	"willnorris.com/go/microformats"

	"github.com/fuomag9/indieauth/internal/egress"
	"github.com/fuomag9/indieauth/internal/validation"
)

// ClientInfo is what is known about a client application for one authorization attempt
type ClientInfo struct {
	ClientID     string   `json:"client_id"`
	ClientName   string   `json:"client_name,omitempty"`
	ClientURI    string   `json:"client_uri,omitempty"`
	LogoURI      string   `json:"logo_uri,omitempty"`
	RedirectURIs []string `json:"redirect_uris,omitempty"`
	WasFetched   bool     `json:"was_fetched"`
}

// AllowsRedirectURI reports whether a cross-origin redirect_uri was published by the client.
// Only an exact string match counts.
func (c *ClientInfo) AllowsRedirectURI(redirectURI string) bool {
	if c == nil || !c.WasFetched || len(c.RedirectURIs) == 0 {
		return false
	}
	return slices.Contains(c.RedirectURIs, redirectURI)
}

// clientMetadata is the JSON client metadata document
type clientMetadata struct {
	ClientID     *string  `json:"client_id"`
	ClientName   string   `json:"client_name"`
	ClientURI    *string  `json:"client_uri"`
	LogoURI      string   `json:"logo_uri"`
	RedirectURIs []string `json:"redirect_uris"`
}

// ClientDiscoverer fetches client_id URLs for display metadata and redirect_uris
type ClientDiscoverer struct {
	client HTTPDoer
	logger *zap.Logger
}

// NewClientDiscoverer creates a client metadata discoverer
func NewClientDiscoverer(client HTTPDoer, logger *zap.Logger) *ClientDiscoverer {
	return &ClientDiscoverer{
		client: client,
		logger: logger.Named("client_discovery"),
	}
}

// Discover fetches clientID, which must already be a valid client identifier.
// It is best effort: any failure yields an unfetched ClientInfo.
func (d *ClientDiscoverer) Discover(ctx context.Context, clientID string) *ClientInfo {
	fallback := &ClientInfo{ClientID: clientID}

	u, err := url.Parse(clientID)
	if err != nil {
		return fallback
	}

	// Loopback clients are never probed over the network
	if validation.IsLoopbackHost(u.Hostname()) {
		return fallback
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, clientID, nil)
	if err != nil {
		return fallback
	}
	req.Header.Set("Accept", "application/json, text/html;q=0.9")
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Debug("client fetch failed", zap.String("client_id", clientID), zap.Error(err))
		return fallback
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		d.logger.Debug("client fetch returned non-success status",
			zap.String("client_id", clientID), zap.Int("status", resp.StatusCode))
		return fallback
	}

	contentType := resp.Header.Get("Content-Type")
	if !isJSON(contentType) && !isHTML(contentType) {
		return fallback
	}

	body, err := egress.ReadBody(resp, egress.MaxResponseSize)
	if err != nil {
		return fallback
	}

	if isJSON(contentType) {
		info, ok := d.parseJSON(clientID, body)
		if !ok {
			return fallback
		}
		return info
	}

	base := u
	if resp.Request != nil && resp.Request.URL != nil {
		base = resp.Request.URL
	}
	return parseHApp(clientID, body, base)
}

func (d *ClientDiscoverer) parseJSON(clientID string, body []byte) (*ClientInfo, bool) {
	var doc clientMetadata
	if err := json.Unmarshal(body, &doc); err != nil {
		d.logger.Debug("invalid client metadata document", zap.String("client_id", clientID), zap.Error(err))
		return nil, false
	}

	if doc.ClientID != nil && *doc.ClientID != clientID {
		d.logger.Warn("client metadata client_id mismatch",
			zap.String("client_id", clientID), zap.String("document_client_id", *doc.ClientID))
		return nil, false
	}

	info := &ClientInfo{
		ClientID:     clientID,
		ClientName:   doc.ClientName,
		LogoURI:      doc.LogoURI,
		RedirectURIs: doc.RedirectURIs,
		WasFetched:   true,
	}

	if doc.ClientURI != nil {
		if !strings.HasPrefix(clientID, *doc.ClientURI) {
			d.logger.Warn("client_uri is not a prefix of client_id",
				zap.String("client_id", clientID), zap.String("client_uri", *doc.ClientURI))
			return nil, false
		}
		info.ClientURI = *doc.ClientURI
	}

	return info, true
}

// parseHApp reads the first h-app (or legacy h-x-app) item. HTML never carries redirect_uris.
func parseHApp(clientID string, body []byte, base *url.URL) *ClientInfo {
	info := &ClientInfo{ClientID: clientID, WasFetched: true}

	data := microformats.Parse(bytes.NewReader(body), base)
	app := findItem(data.Items, "h-app", "h-x-app")
	if app == nil {
		return info
	}

	info.ClientName = firstProperty(app, "name")
	info.ClientURI = firstProperty(app, "url")
	info.LogoURI = firstProperty(app, "logo")
	return info
}

func findItem(items []*microformats.Microformat, types ...string) *microformats.Microformat {
	for _, item := range items {
		for _, t := range item.Type {
			if slices.Contains(types, t) {
				return item
			}
		}
		if found := findItem(item.Children, types...); found != nil {
			return found
		}
	}
	return nil
}

// firstProperty returns the first value of a property as a string. Image
// properties may be objects carrying "value" and "alt".
func firstProperty(item *microformats.Microformat, name string) string {
	for _, v := range item.Properties[name] {
		switch val := v.(type) {
		case string:
			if val != "" {
				return val
			}
		case map[string]string:
			if val["value"] != "" {
				return val["value"]
			}
		case map[string]interface{}:
			if s, ok := val["value"].(string); ok && s != "" {
				return s
			}
		case *microformats.Microformat:
			if val.Value != "" {
				return val.Value
			}
		}
	}
	return ""
}
