package domain

// EventQueue hands relay events from the ingestion loop to delivery.
type EventQueue interface {
	Publish(ev RelayEvent) bool
	Subscribe() <-chan RelayEvent
	Close()
}
