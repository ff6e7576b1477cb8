package dataset

import (
	"fmt"
	"math"
)

// Point is a coordinate pair.
type Point struct {
	Lat float64
	Lng float64
}

// Distance is the straight-line (Euclidean) distance between two points in
// coordinate space. Fixture expectations are documented in these units.
func Distance(a, b Point) float64 {
	return math.Hypot(a.Lat-b.Lat, a.Lng-b.Lng)
}

// NearestRoute returns the route closest to the ticket. Ties resolve to the
// earlier route in dataset order.
func NearestRoute(ticket Record, routes []Record) (Record, float64, error) {
	at, ok := ticket.Location()
	if !ok {
		return Record{}, 0, fmt.Errorf("ticket %s has no coordinates", ticket.ID)
	}

	var (
		best     Record
		bestDist = math.Inf(1)
		found    bool
	)
	for _, route := range routes {
		p, ok := route.Location()
		if !ok {
			continue
		}
		if d := Distance(at, p); d < bestDist {
			best, bestDist, found = route, d, true
		}
	}
	if !found {
		return Record{}, 0, fmt.Errorf("no route with coordinates for ticket %s", ticket.ID)
	}
	return best, bestDist, nil
}

// Assignments maps each ticket id to its nearest route id.
func Assignments(ds *TestDataSet) (map[string]string, error) {
	routes := ds.Records(KindRoutes)
	out := make(map[string]string, ds.Count(KindTickets))
	for _, ticket := range ds.Records(KindTickets) {
		route, _, err := NearestRoute(ticket, routes)
		if err != nil {
			return nil, err
		}
		out[ticket.ID] = route.ID
	}
	return out, nil
}
