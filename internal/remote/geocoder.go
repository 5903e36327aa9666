package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultGeocoderURL is the Geoapify API root.
const DefaultGeocoderURL = "https://api.geoapify.com"

const geocodePath = "/v1/geocode/search"

// ErrNoMatch is returned when the geocoder finds nothing for an address.
var ErrNoMatch = errors.New("no location found for address")

// Geocoder resolves free-text addresses to coordinates with a Geoapify
// compatible search API.
type Geocoder struct {
	client *Client
	apiKey string
}

// NewGeocoder returns a geocoder for the API at baseURL. An empty baseURL
// uses DefaultGeocoderURL.
func NewGeocoder(baseURL, apiKey string) *Geocoder {
	if baseURL == "" {
		baseURL = DefaultGeocoderURL
	}
	return &Geocoder{client: New(baseURL, ""), apiKey: apiKey}
}

// SetTimeout changes the per-request timeout.
func (g *Geocoder) SetTimeout(d time.Duration) { g.client.SetTimeout(d) }

// Geocode returns the latitude and longitude of the best match for address.
func (g *Geocoder) Geocode(ctx context.Context, address string) (float64, float64, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return 0, 0, ErrNoMatch
	}

	q := url.Values{}
	q.Set("text", address)
	q.Set("limit", "1")
	if g.apiKey != "" {
		q.Set("apiKey", g.apiKey)
	}
	req, err := g.client.newRequest(ctx, http.MethodGet, geocodePath+"?"+q.Encode(), nil)
	if err != nil {
		return 0, 0, err
	}

	// GeoJSON points are [lon, lat].
	var data struct {
		Features []struct {
			Geometry struct {
				Coordinates []float64 `json:"coordinates"`
			} `json:"geometry"`
		} `json:"features"`
	}
	if err := g.client.do("geocode", req, &data); err != nil {
		return 0, 0, err
	}
	if len(data.Features) == 0 {
		return 0, 0, ErrNoMatch
	}
	coords := data.Features[0].Geometry.Coordinates
	if len(coords) < 2 {
		return 0, 0, fmt.Errorf("geocode: malformed coordinates %v", coords)
	}
	return coords[1], coords[0], nil
}
