package homepage

import (
	"github.com/MrSnakeDoc/shelf/internal/domain"
)

// Mapper converts Homepage entries into normalized bookmark payloads.
// Entries that do not validate are skipped.
type Mapper struct{}

// NewMapper creates a new mapper instance
func NewMapper() *Mapper {
	return &Mapper{}
}

// MapServices turns every service with an href into a payload titled
// after the service.
func (m *Mapper) MapServices(config ServicesConfig) []domain.Payload {
	var out []domain.Payload

	for _, groupMap := range config {
		for _, servicesList := range groupMap {
			for _, serviceMap := range servicesList {
				for serviceName, props := range serviceMap {
					if p, ok := normalize(serviceName, props.Href); ok {
						out = append(out, p)
					}
				}
			}
		}
	}

	return out
}

func normalize(title, href string) (domain.Payload, bool) {
	if href == "" {
		return domain.Payload{}, false
	}
	p, err := domain.Payload{Title: title, URL: href}.Normalize()
	if err != nil {
		return domain.Payload{}, false
	}
	return p, true
}
