package maps

import (
	"net/url"
	"strconv"

	"github.com/daarshnicsanjeev/omni-visual/internal/upstream"
)

// ImageSize is the requested size of every static image.
const ImageSize = "400x400"

func latLng(lat, lng float64) string {
	return strconv.FormatFloat(lat, 'f', -1, 64) + "," + strconv.FormatFloat(lng, 'f', -1, 64)
}

// StaticMapRequest asks for an overhead image centered on lat,lng.
func StaticMapRequest(lat, lng float64, zoom int, mapType string) upstream.Request {
	return upstream.Request{
		Endpoint: upstream.EndpointStaticMap,
		Params: url.Values{
			"center":  {latLng(lat, lng)},
			"zoom":    {strconv.Itoa(zoom)},
			"size":    {ImageSize},
			"maptype": {mapType},
		},
	}
}

// StreetViewRequest asks for a street-level image. The provider answers 404
// instead of a placeholder when no imagery exists.
func StreetViewRequest(lat, lng float64, heading, pitch, fov int) upstream.Request {
	return upstream.Request{
		Endpoint: upstream.EndpointStreetView,
		Params: url.Values{
			"location":          {latLng(lat, lng)},
			"size":              {ImageSize},
			"heading":           {strconv.Itoa(heading)},
			"pitch":             {strconv.Itoa(pitch)},
			"fov":               {strconv.Itoa(fov)},
			"return_error_code": {"true"},
		},
	}
}

func GeocodeRequest(address string) upstream.Request {
	return upstream.Request{
		Endpoint: upstream.EndpointGeocode,
		Params:   url.Values{"address": {address}},
	}
}

func ReverseGeocodeRequest(lat, lng float64) upstream.Request {
	return upstream.Request{
		Endpoint: upstream.EndpointGeocode,
		Params:   url.Values{"latlng": {latLng(lat, lng)}},
	}
}
