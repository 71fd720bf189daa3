package homepage

import (
	"github.com/MrSnakeDoc/shelf/internal/domain"
)

// MapBookmarks turns bookmarks.yaml entries into payloads. The title is the
// bookmark name, falling back to its abbreviation.
func (m *Mapper) MapBookmarks(config BookmarksConfig) []domain.Payload {
	var out []domain.Payload

	for _, category := range config {
		for _, bookmarkList := range category {
			for _, bookmarkMap := range bookmarkList {
				for name, entries := range bookmarkMap {
					// Each bookmark has a list with a single entry
					if len(entries) == 0 {
						continue
					}
					entry := entries[0]

					title := name
					if title == "" {
						title = entry.Abbr
					}
					if p, ok := normalize(title, entry.Href); ok {
						out = append(out, p)
					}
				}
			}
		}
	}

	return out
}
