// Package squareapi fetches merchant identity and locations from the
// Square connect API.
package squareapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/orderflow/merchant-connect/internal/config"
	"github.com/orderflow/merchant-connect/internal/merchants"
	"go.uber.org/zap"
)

const (
	sandboxBaseURL    = "https://connect.squareupsandbox.com"
	productionBaseURL = "https://connect.squareup.com"

	// Square-Version pin; bump deliberately, not implicitly.
	apiVersion = "2025-01-23"
)

var (
	// ErrMissingMerchant means the provider returned zero merchants for
	// the token.
	ErrMissingMerchant = errors.New("no merchant for access token")

	// ErrFetchFailed wraps any network or decode failure from the
	// profile endpoints.
	ErrFetchFailed = errors.New("fetch merchant info failed")
)

// MerchantInfo is the provider's view of a merchant at fetch time.
type MerchantInfo struct {
	ID        string
	Name      string
	Locations []merchants.Location
}

// Client calls the Square merchant and location endpoints with a
// merchant's access token. BaseURL and HTTPClient are overridable.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	log        *zap.Logger
}

// New creates a profile client for the configured environment.
func New(cfg config.Square, log *zap.Logger) *Client {
	base := sandboxBaseURL
	if cfg.Environment == config.EnvProduction {
		base = productionBaseURL
	}
	return &Client{
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		BaseURL:    base,
		log:        log,
	}
}

type merchantsResponse struct {
	Merchant []struct {
		ID           string `json:"id"`
		BusinessName string `json:"business_name"`
	} `json:"merchant"`
}

type locationsResponse struct {
	Locations []struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Address struct {
			AddressLine1                 string `json:"address_line_1"`
			AddressLine2                 string `json:"address_line_2"`
			Locality                     string `json:"locality"`
			AdministrativeDistrictLevel1 string `json:"administrative_district_level_1"`
			PostalCode                   string `json:"postal_code"`
		} `json:"address"`
		Timezone     string   `json:"timezone"`
		Capabilities []string `json:"capabilities"`
	} `json:"locations"`
}

// FetchMerchantInfo retrieves the merchant profile and its locations,
// in that order. When the provider returns more than one merchant for a
// token the first one wins; the extras are logged so the ambiguity is at
// least visible.
func (c *Client) FetchMerchantInfo(ctx context.Context, accessToken string) (*MerchantInfo, error) {
	var mr merchantsResponse
	if err := c.get(ctx, "/v2/merchants", accessToken, &mr); err != nil {
		return nil, err
	}
	if len(mr.Merchant) == 0 {
		return nil, ErrMissingMerchant
	}
	if len(mr.Merchant) > 1 {
		extra := make([]string, 0, len(mr.Merchant)-1)
		for _, m := range mr.Merchant[1:] {
			extra = append(extra, m.ID)
		}
		c.log.Warn("token maps to multiple merchants, using first",
			zap.String("merchant_id", mr.Merchant[0].ID),
			zap.Strings("ignored", extra),
		)
	}

	var lr locationsResponse
	if err := c.get(ctx, "/v2/locations", accessToken, &lr); err != nil {
		return nil, err
	}

	locations := make([]merchants.Location, 0, len(lr.Locations))
	for _, loc := range lr.Locations {
		parts := []string{
			loc.Address.AddressLine1,
			loc.Address.AddressLine2,
			loc.Address.Locality,
			loc.Address.AdministrativeDistrictLevel1,
			loc.Address.PostalCode,
		}
		nonEmpty := parts[:0]
		for _, p := range parts {
			if p != "" {
				nonEmpty = append(nonEmpty, p)
			}
		}
		locations = append(locations, merchants.Location{
			ID:           loc.ID,
			Name:         loc.Name,
			Address:      strings.Join(nonEmpty, ", "),
			Timezone:     loc.Timezone,
			Capabilities: loc.Capabilities,
		})
	}

	return &MerchantInfo{
		ID:        mr.Merchant[0].ID,
		Name:      mr.Merchant[0].BusinessName,
		Locations: locations,
	}, nil
}

func (c *Client) get(ctx context.Context, path, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Square-Version", apiVersion)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %d", ErrFetchFailed, path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrFetchFailed, path, err)
	}
	return nil
}
