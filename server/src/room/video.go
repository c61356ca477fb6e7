package room

import "fmt"

// Video identifies one piece of queueable media. Service/Id together form
// the dedup key used across currentSource and the queue.
type Video struct {
	Service string  `json:"service"`
	Id      string  `json:"id"`
	Length  float64 `json:"length"`
	Title   string  `json:"title,omitempty"`
}

// Key concatenates service and id, as used by the vote map. Dedup checks
// compare with Equal instead.
func (v Video) Key() string {
	return v.Service + v.Id
}

func (v Video) Equal(other Video) bool {
	return v.Service == other.Service && v.Id == other.Id
}

func (v Video) String() string {
	return fmt.Sprintf("%s:%s", v.Service, v.Id)
}

// VideoExtractor resolves a bare URL or a partial {service,id} reference
// into a fully-populated Video. It is an external collaborator: this core
// only calls it, never implements metadata extraction itself.
type VideoExtractor interface {
	Resolve(ref VideoRef) (Video, error)
}

// VideoRef is what a client sends when adding to the queue: either a raw
// URL, or an already-known service/id pair.
type VideoRef struct {
	URL     string `json:"url,omitempty"`
	Service string `json:"service,omitempty"`
	Id      string `json:"id,omitempty"`
}
