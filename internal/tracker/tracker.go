// Package tracker implements the external HTTP rendezvous client of spec
// §6.3: a node publishes the addresses it can be reached at, and looks up
// other nodes' published addresses to bootstrap contact, through a tracker
// service the overlay protocol itself has no knowledge of.
package tracker

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teapotnet/overlay/internal/identity"
)

// defaultTimeout bounds a single publish or lookup round-trip (spec §5,
// request_timeout default ~15s applies to network operations generally;
// a tracker call is given the same budget).
const defaultTimeout = 15 * time.Second

// Client talks to one tracker endpoint over plain HTTP, grounded on
// beacon/light/api's BeaconLightApi: a small struct holding the base URL and
// an *http.Client with a request timeout, plus thin per-call helpers. No
// ecosystem HTTP client library appears anywhere in the pack for outbound
// calls; every repo that speaks HTTP as a client uses stdlib net/http.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client against the tracker reachable at baseURL (e.g.
// "http://tracker.example.org/teapotnet/tracker").
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// Publish advertises id as reachable at addresses (and, if port is nonzero,
// an explicit external port when no NAT mapper is available) to the
// tracker (spec §6.3, "POST ... addresses, port").
func (c *Client) Publish(ctx context.Context, id identity.ID, addresses []string, port uint16) error {
	form := url.Values{}
	form.Set("addresses", strings.Join(addresses, ","))
	if port != 0 {
		form.Set("port", fmt.Sprintf("%d", port))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL(id), strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("tracker: build publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("tracker: publish: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("tracker: publish: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Bootstrap fetches the tracker's current nodeId→addresses mapping, used to
// seed initial contact with peers (spec §6.3, "GET ... returns a JSON
// object mapping nodeIdHex → [address, …]").
func (c *Client) Bootstrap(ctx context.Context, id identity.ID) (map[identity.ID][]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.requestURL(id), nil)
	if err != nil {
		return nil, fmt.Errorf("tracker: build bootstrap request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tracker: bootstrap: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("tracker: bootstrap: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tracker: read bootstrap response: %w", err)
	}

	var raw map[string][]string
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("tracker: decode bootstrap response: %w", err)
	}

	out := make(map[identity.ID][]string, len(raw))
	for hexID, addrs := range raw {
		nodeID, err := decodeNodeID(hexID)
		if err != nil {
			continue
		}
		out[nodeID] = addrs
	}
	return out, nil
}

func (c *Client) requestURL(id identity.ID) string {
	return c.baseURL + "?id=" + id.String()
}

func decodeNodeID(h string) (identity.ID, error) {
	var id identity.ID
	b, err := hex.DecodeString(h)
	if err != nil || len(b) != len(id) {
		return identity.ID{}, fmt.Errorf("tracker: malformed node id %q", h)
	}
	copy(id[:], b)
	return id, nil
}
