package app

import "log"

// Event is a domain occurrence worth surfacing outside the core, such as a
// finished export or a model update.
type Event struct {
	Name    string
	MatchID string
	Fields  map[string]any
}

// Events receives domain events. The default sink logs them; deployments
// can inject their own observer.
type Events interface {
	Emit(event Event)
}

type logEvents struct{}

func (logEvents) Emit(event Event) {
	log.Printf("event=%s match=%s fields=%v", event.Name, event.MatchID, event.Fields)
}

// LogEvents returns the log-backed default observer.
func LogEvents() Events {
	return logEvents{}
}
