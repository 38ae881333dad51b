package ports

import "torrentdeck/internal/domain"

// Notifier receives discrete session events. Notify must not block.
type Notifier interface {
	Notify(ev domain.Event)
}

type NotifierFunc func(ev domain.Event)

func (f NotifierFunc) Notify(ev domain.Event) { f(ev) }
