package feed

import "github.com/searchingfox/searchrun/internal/run"

// MultiPublisher fans one update out to several transports, e.g. the local
// hub plus the Redis bridge.
type MultiPublisher []Publisher

// Publish delivers r to every publisher in order.
func (m MultiPublisher) Publish(r run.Run) {
	for _, p := range m {
		if p != nil {
			p.Publish(r)
		}
	}
}
