// Package discovery fetches the vessel tree from a Signal K server's REST
// surface and flattens it into a catalogue of discovered entities. The
// streaming coordinator consumes the catalogue for per-path subscription
// periods; consumers use it for units and conversions.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tsarna/seastream/pkg/seastream/signalk"
)

var (
	// ErrAuthRequired indicates the server rejected the request with 401/403.
	ErrAuthRequired = errors.New("authentication required")

	// ErrCannotConnect indicates the server was unreachable or returned an
	// unexpected HTTP status.
	ErrCannotConnect = errors.New("cannot connect to server")

	// ErrInvalidResponse indicates the server's response was not a vessel
	// tree.
	ErrInvalidResponse = errors.New("invalid discovery response")
)

// Kind classifies a discovered entity.
type Kind string

const (
	KindSensor      Kind = "sensor"
	KindGeoLocation Kind = "geo_location"
)

// Entity is one leaf of the vessel tree.
type Entity struct {
	Path         string             `json:"path"`
	Kind         Kind               `json:"kind"`
	Unit         string             `json:"unit,omitempty"`
	Conversion   signalk.Conversion `json:"conversion,omitempty"`
	Tolerance    float64            `json:"tolerance,omitempty"`
	PeriodMillis int                `json:"periodMillis"`
	Description  string             `json:"description,omitempty"`
	MetaUnits    string             `json:"metaUnits,omitempty"`
}

// Default subscription cadences by entity kind.
const (
	defaultSensorPeriodMillis   = 5000
	defaultPositionPeriodMillis = 1000
)

// ClientBuilder provides a fluent interface for building discovery clients.
type ClientBuilder struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a discovery client builder for a REST base URL such as
// "http://host:3000".
func NewClient(baseURL string) *ClientBuilder {
	return &ClientBuilder{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  zap.NewNop(),
	}
}

// WithToken sets the bearer token sent with discovery requests.
func (b *ClientBuilder) WithToken(token string) *ClientBuilder {
	b.token = token
	return b
}

// WithHTTPClient overrides the HTTP client.
func (b *ClientBuilder) WithHTTPClient(client *http.Client) *ClientBuilder {
	if client != nil {
		b.httpClient = client
	}
	return b
}

// WithLogger sets the logger.
func (b *ClientBuilder) WithLogger(logger *zap.Logger) *ClientBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// Build validates the configuration and returns a Client.
func (b *ClientBuilder) Build() (*Client, error) {
	if b.baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}

	httpClient := b.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	return &Client{
		baseURL:    b.baseURL,
		token:      b.token,
		httpClient: httpClient,
		logger:     b.logger,
	}, nil
}

// Client fetches and flattens the vessel tree.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	// Guards token against SetToken racing the scheduler's fetches.
	mu    sync.Mutex
	token string
}

// SetToken replaces the bearer token, e.g. after an access-request grant.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) bearerToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// FetchSelf retrieves the full tree for the own vessel and flattens it into
// a catalogue sorted by path.
func (c *Client) FetchSelf(ctx context.Context) ([]Entity, error) {
	url := c.baseURL + "/signalk/v1/api/vessels/self"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building discovery request: %w", err)
	}
	if token := c.bearerToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCannotConnect, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: server returned %d", ErrAuthRequired, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: server returned %d", ErrCannotConnect, resp.StatusCode)
	}

	var doc any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	tree, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: vessel tree is not an object", ErrInvalidResponse)
	}

	entities := flattenTree(tree)
	c.logger.Debug("Vessel tree fetched", zap.Int("entities", len(entities)))

	return entities, nil
}

// flattenTree walks the vessel tree depth-first, emitting an Entity for
// every node that carries a value. Branch nodes recurse; identity fields at
// the root (name, mmsi, uuid) are skipped.
func flattenTree(tree map[string]any) []Entity {
	var entities []Entity
	walkNode("", tree, &entities)

	sort.Slice(entities, func(i, j int) bool { return entities[i].Path < entities[j].Path })
	return entities
}

// Root-level fields that describe the vessel itself rather than live data.
var identityFields = map[string]struct{}{
	"name": {}, "mmsi": {}, "uuid": {}, "url": {}, "flag": {}, "port": {},
}

func walkNode(prefix string, node map[string]any, out *[]Entity) {
	if _, hasValue := node["value"]; hasValue && prefix != "" {
		*out = append(*out, buildEntity(prefix, node))
		return
	}

	for key, child := range node {
		if prefix == "" {
			if _, skip := identityFields[key]; skip {
				continue
			}
		}
		childMap, ok := child.(map[string]any)
		if !ok {
			continue
		}

		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		walkNode(path, childMap, out)
	}
}

// buildEntity classifies a value-bearing node and pulls unit metadata.
func buildEntity(path string, node map[string]any) Entity {
	entity := Entity{
		Path:         path,
		Kind:         KindSensor,
		PeriodMillis: defaultSensorPeriodMillis,
	}

	if path == "navigation.position" {
		entity.Kind = KindGeoLocation
		entity.PeriodMillis = defaultPositionPeriodMillis
	}

	if meta, ok := node["meta"].(map[string]any); ok {
		if units, ok := meta["units"].(string); ok {
			entity.MetaUnits = units
			entity.Conversion = signalk.ConversionForUnit(units)
			entity.Unit = displayUnit(units, entity.Conversion)
			entity.Tolerance = toleranceForUnit(units)
		}
		if desc, ok := meta["description"].(string); ok {
			entity.Description = desc
		}
	}

	return entity
}

// displayUnit is the unit after the standard conversion is applied.
func displayUnit(metaUnits string, conv signalk.Conversion) string {
	switch conv {
	case signalk.RadiansToDegrees:
		return "deg"
	case signalk.MetersPerSecondToKnots:
		return "kn"
	case signalk.KelvinToCelsius:
		return "C"
	case signalk.PascalsToHectopascals:
		return "hPa"
	case signalk.RatioToPercent:
		return "%"
	}
	return metaUnits
}

// toleranceForUnit gives a change threshold, in converted units, below which
// consumers may treat successive readings as unchanged.
func toleranceForUnit(metaUnits string) float64 {
	switch metaUnits {
	case "rad":
		return 0.5 // degrees
	case "m/s":
		return 0.1 // knots
	case "K":
		return 0.1 // degrees Celsius
	case "Pa":
		return 1.0 // hectopascals
	case "ratio":
		return 1.0 // percent
	}
	return 0
}
