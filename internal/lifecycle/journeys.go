package lifecycle

import (
	"strings"

	"github.com/example/carpool-lifecycle/internal/models"
)

// journeySet is the one collection of accepted passengers, keyed by
// journey id in roster order. Checked-in and dropped-off lists are
// filters over it, never separate state.
type journeySet struct {
	order []models.ID
	byID  map[models.ID]models.PassengerJourney
}

func newJourneySet(ps []models.PassengerJourney) *journeySet {
	js := &journeySet{byID: make(map[models.ID]models.PassengerJourney, len(ps))}
	for _, p := range ps {
		js.put(p)
	}
	return js
}

// normalise enforces checkout => checkin on anything entering the set.
func normalise(p models.PassengerJourney) models.PassengerJourney {
	if p.CheckoutStatus {
		p.CheckinStatus = true
	}
	return p
}

func (js *journeySet) put(p models.PassengerJourney) {
	p = normalise(p)
	if _, ok := js.byID[p.PassengerJourneyID]; !ok {
		js.order = append(js.order, p.PassengerJourneyID)
	}
	js.byID[p.PassengerJourneyID] = p
}

func (js *journeySet) get(id models.ID) (models.PassengerJourney, bool) {
	p, ok := js.byID[id]
	return p, ok
}

func (js *journeySet) byPassenger(pid models.ID) (models.PassengerJourney, bool) {
	if pid == "" {
		return models.PassengerJourney{}, false
	}
	for _, id := range js.order {
		if p := js.byID[id]; p.PassengerID == pid {
			return p, true
		}
	}
	return models.PassengerJourney{}, false
}

func (js *journeySet) len() int { return len(js.order) }

func (js *journeySet) clone() *journeySet {
	return newJourneySet(js.list())
}

func (js *journeySet) filter(keep func(models.PassengerJourney) bool) []models.PassengerJourney {
	out := make([]models.PassengerJourney, 0, len(js.order))
	for _, id := range js.order {
		if p := js.byID[id]; keep == nil || keep(p) {
			out = append(out, p)
		}
	}
	return out
}

func (js *journeySet) list() []models.PassengerJourney { return js.filter(nil) }

func (js *journeySet) checkedIn() []models.PassengerJourney {
	return js.filter(func(p models.PassengerJourney) bool { return p.CheckinStatus && !p.CheckoutStatus })
}

func (js *journeySet) droppedOff() []models.PassengerJourney {
	return js.filter(func(p models.PassengerJourney) bool { return p.CheckoutStatus })
}

// mergeJourneys folds a server roster into the local one. Server entries
// replace local ones, except that check-in/out flags never go back to
// false and locally provisional journeys survive until the server lists
// their passenger. With keepLocal every local journey survives, which is
// how a roster read before the last command is merged.
func mergeJourneys(local []models.PassengerJourney, server []models.PassengerJourney, keepLocal bool) []models.PassengerJourney {
	prev := newJourneySet(local)
	out := newJourneySet(nil)
	for _, s := range server {
		if l, ok := prev.get(s.PassengerJourneyID); ok {
			s.CheckinStatus = s.CheckinStatus || l.CheckinStatus
			s.CheckoutStatus = s.CheckoutStatus || l.CheckoutStatus
		}
		out.put(s)
	}
	for _, l := range prev.list() {
		if !l.Provisional && !keepLocal {
			continue
		}
		if _, ok := out.get(l.PassengerJourneyID); ok {
			continue
		}
		if _, listed := out.byPassenger(l.PassengerID); !listed {
			out.put(l)
		}
	}
	return out.list()
}

func provisionalID(requestID models.ID) models.ID { return models.ID("request:" + requestID.String()) }

// journeyFromRequest stands in for an accepted passenger until the backend
// roster names their journey.
func journeyFromRequest(r models.RideRequest) models.PassengerJourney {
	first, last, _ := strings.Cut(strings.TrimSpace(r.PassengerName), " ")
	return models.PassengerJourney{
		PassengerJourneyID: provisionalID(r.ID),
		PassengerID:        r.PassengerID,
		FirstName:          first,
		LastName:           strings.TrimSpace(last),
		StartLocation:      r.StartLocation,
		EndLocation:        r.EndLocation,
		Provisional:        true,
	}
}
