package output

import "github.com/jobrunner/tessera/internal/domain"

// EventListener receives indexing progress notifications.
type EventListener interface {
	OnEvent(event domain.ProcessEvent)
}

// ListenerFunc adapts a function to EventListener.
type ListenerFunc func(domain.ProcessEvent)

// OnEvent implements EventListener.
func (f ListenerFunc) OnEvent(event domain.ProcessEvent) { f(event) }
