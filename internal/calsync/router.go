package calsync

import "strings"

// DefaultCalendarID is the sentinel used when no default calendar is
// configured. The adapter maps it to the account's primary calendar.
const DefaultCalendarID = "default"

// TagCalendarMapping maps a tag id to the remote calendar id that owns it.
type TagCalendarMapping map[string]string

func (m TagCalendarMapping) clone() TagCalendarMapping {
	out := make(TagCalendarMapping, len(m))
	for tag, calendarID := range m {
		tag = strings.TrimSpace(tag)
		calendarID = strings.TrimSpace(calendarID)
		if tag == "" || calendarID == "" {
			continue
		}
		out[tag] = calendarID
	}
	return out
}

// Router is immutable once built. Use WithMapping to derive a router for a new
// mapping snapshot.
type Router struct {
	mapping         TagCalendarMapping
	defaultCalendar string
}

func NewRouter(mapping TagCalendarMapping, defaultCalendar string) *Router {
	defaultCalendar = strings.TrimSpace(defaultCalendar)
	if defaultCalendar == "" {
		defaultCalendar = DefaultCalendarID
	}
	return &Router{
		mapping:         mapping.clone(),
		defaultCalendar: defaultCalendar,
	}
}

func (r *Router) WithMapping(mapping TagCalendarMapping) *Router {
	if r == nil {
		return NewRouter(mapping, "")
	}
	return NewRouter(mapping, r.defaultCalendar)
}

func (r *Router) DefaultCalendar() string {
	if r == nil {
		return DefaultCalendarID
	}
	return r.defaultCalendar
}

func (r *Router) Mapping() TagCalendarMapping {
	if r == nil {
		return TagCalendarMapping{}
	}
	return r.mapping.clone()
}

// ResolveTargetCalendar returns the calendar of the first mapped tag in the
// event's tag order, or the default calendar.
func (r *Router) ResolveTargetCalendar(ev Event) string {
	return r.ResolveTags(ev.Tags)
}

func (r *Router) ResolveTags(tags []string) string {
	if r == nil {
		return DefaultCalendarID
	}
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		if calendarID, ok := r.mapping[tag]; ok {
			return calendarID
		}
	}
	return r.defaultCalendar
}
