package typeindex

import "github.com/loomkit/loomkit/pkg/types"

// Property names used by the Event type's indexes.
const (
	EventPropertyCalendar = "calendar"
	EventPropertyStart    = "start"
)

// ConfigureEvent registers Event's indexes: a plain index on calendar
// membership and a (calendar, sort=start) composite so a calendar view
// can be served in descending-start order straight from the index.
func ConfigureEvent(r *Registry) {
	r.Register(types.TypeEvent).
		AddProperty(EventPropertyCalendar).
		AddPropertyWithSorting(EventPropertyCalendar, EventPropertyStart)
}
