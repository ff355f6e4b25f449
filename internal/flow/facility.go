// ABOUTME: Facility lookup handlers: location request, nearest list, map pin
// ABOUTME: Sorts facilities by great-circle distance from the shared location

package flow

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/chipatala/chat-engine/internal/store"
	"github.com/chipatala/chat-engine/internal/whatsapp"
)

const earthRadiusKm = 6371.0

// haversineKm returns the great-circle distance between two points in km.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

func nearestFacilitiesList(facilities []*store.Facility, loc whatsapp.Coordinates) whatsapp.List {
	sorted := make([]*store.Facility, len(facilities))
	copy(sorted, facilities)
	sort.SliceStable(sorted, func(i, j int) bool {
		di := haversineKm(loc.Latitude, loc.Longitude, sorted[i].Latitude, sorted[i].Longitude)
		dj := haversineKm(loc.Latitude, loc.Longitude, sorted[j].Latitude, sorted[j].Longitude)
		return di < dj
	})
	// WhatsApp lists cap out at ten rows.
	if len(sorted) > 10 {
		sorted = sorted[:10]
	}
	rows := make([]whatsapp.ListRow, 0, len(sorted))
	for _, f := range sorted {
		km := haversineKm(loc.Latitude, loc.Longitude, f.Latitude, f.Longitude)
		rows = append(rows, whatsapp.ListRow{
			ID:          f.ID,
			Title:       f.Name,
			Description: fmt.Sprintf("%s (%.1f km away)", f.Address, km),
		})
	}
	return whatsapp.NewList(
		"Nearest Facilities",
		"Here are the facilities closest to you. Pick one to see it on the map.",
		"Facilities",
		[]whatsapp.ListSection{{Title: "Closest first", Rows: rows}},
	)
}

type shareLocationHandler struct{}

func (h *shareLocationHandler) State() State { return StateShareLocation }

func (h *shareLocationHandler) Handle(_ context.Context, c *Context, in Incoming) (Decision, error) {
	loc, ok := whatsapp.ParseLocationInput(in.Body)
	if !ok {
		return Decision{
			Next:     StateShareLocation,
			Outbound: []whatsapp.Descriptor{whatsapp.NewText("Please share your location using the attach button so we can find facilities near you.")},
		}, nil
	}
	if len(c.Facilities) == 0 {
		return Decision{
			Next:     c.menuState(),
			Outbound: []whatsapp.Descriptor{whatsapp.NewText("Sorry, we don't have any facilities on record yet. Please try again later.")},
		}, nil
	}
	return Decision{
		Next:     StateGotLocation,
		Outbound: []whatsapp.Descriptor{nearestFacilitiesList(c.Facilities, loc)},
	}, nil
}

type gotLocationHandler struct{}

func (h *gotLocationHandler) State() State { return StateGotLocation }

func (h *gotLocationHandler) Handle(_ context.Context, c *Context, in Incoming) (Decision, error) {
	// A fresh location share restarts the search.
	if loc, ok := whatsapp.ParseLocationInput(in.Body); ok {
		return Decision{
			Next:     StateGotLocation,
			Outbound: []whatsapp.Descriptor{nearestFacilitiesList(c.Facilities, loc)},
		}, nil
	}
	for _, f := range c.Facilities {
		if f.ID != in.Body {
			continue
		}
		pin := whatsapp.NewLocation(
			fmt.Sprintf("Here is %s. See you there!", f.Name),
			whatsapp.LocationPayload{
				Latitude:  f.Latitude,
				Longitude: f.Longitude,
				Name:      f.Name,
				Address:   f.Address,
			},
		)
		return Decision{
			Next:     c.menuState(),
			Outbound: []whatsapp.Descriptor{pin},
		}, nil
	}
	return Decision{
		Next:     StateGotLocation,
		Outbound: []whatsapp.Descriptor{whatsapp.NewText("Please pick a facility from the list, or share your location again.")},
	}, nil
}
