package redis

const (
	// KeyPrefixBookmark is the prefix for bookmark record keys
	KeyPrefixBookmark = "shelf:bookmark:"
	// KeyPrefixUser is the prefix for per-user index keys
	KeyPrefixUser = "shelf:user:"
	// KeyPrefixFeed is the prefix for per-user change feed channels
	KeyPrefixFeed = "shelf:feed:"
)

// BookmarkKey returns the Redis key holding the JSON record for id
func BookmarkKey(id string) string {
	return KeyPrefixBookmark + id
}

// UserBookmarksKey returns the sorted set of the user's record ids, scored by creation time
func UserBookmarksKey(userID string) string {
	return KeyPrefixUser + userID + ":bookmarks"
}

// FeedChannel returns the pub/sub channel carrying the user's change events
func FeedChannel(userID string) string {
	return KeyPrefixFeed + userID
}
