package maps

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/daarshnicsanjeev/omni-visual/internal/geo"
	"github.com/daarshnicsanjeev/omni-visual/internal/upstream"
)

type Place struct {
	FormattedAddress string    `json:"formatted_address"`
	PlaceID          string    `json:"place_id"`
	Location         geo.Point `json:"location"`
	Types            []string  `json:"types,omitempty"`
}

type geocodeResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Results      []struct {
		FormattedAddress string   `json:"formatted_address"`
		PlaceID          string   `json:"place_id"`
		Types            []string `json:"types"`
		Geometry         struct {
			Location geo.Point `json:"location"`
		} `json:"geometry"`
	} `json:"results"`
}

// DecodeGeocode parses a geocoding answer. The body carries its own status,
// which is mapped onto the upstream error taxonomy.
func DecodeGeocode(body []byte) ([]Place, error) {
	const op = "geocode"

	var resp geocodeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, upstream.Transient(op, fmt.Errorf("decode response: %w", err))
	}

	if err := geocodeStatus(op, resp.Status, resp.ErrorMessage); err != nil {
		return nil, err
	}

	places := make([]Place, 0, len(resp.Results))
	for _, r := range resp.Results {
		places = append(places, Place{
			FormattedAddress: r.FormattedAddress,
			PlaceID:          r.PlaceID,
			Location:         r.Geometry.Location,
			Types:            r.Types,
		})
	}
	return places, nil
}

func geocodeStatus(op, status, message string) error {
	detail := status
	if message != "" {
		detail = status + ": " + message
	}

	switch status {
	case "OK":
		return nil
	case "ZERO_RESULTS":
		return upstream.Terminal(op, fmt.Errorf("%w: %s", upstream.ErrNotFound, detail))
	case "OVER_QUERY_LIMIT", "UNKNOWN_ERROR":
		return upstream.Transient(op, errors.New(detail))
	default:
		return upstream.Terminal(op, errors.New(detail))
	}
}
