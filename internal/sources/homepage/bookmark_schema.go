package homepage

// BookmarkEntry is the single property list of a bookmark in bookmarks.yaml
type BookmarkEntry struct {
	Icon string `yaml:"icon"`
	Abbr string `yaml:"abbr"`
	Href string `yaml:"href"`
}

// BookmarkCategory maps a category name to its bookmarks:
// - CategoryName: [ { BookmarkName: [ { icon, abbr, href } ] } ]
type BookmarkCategory map[string][]map[string][]BookmarkEntry

// BookmarksConfig is the root structure for bookmarks.yaml
type BookmarksConfig []BookmarkCategory
