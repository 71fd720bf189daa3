package utils

import (
	"io"

	"github.com/MrSnakeDoc/shelf/internal/logger"
)

// CloseLogged closes c and logs a failure under what.
// Use on shutdown paths where a close error is worth a line but not an exit code.
func CloseLogged(c io.Closer, what string, log logger.Logger) {
	if err := c.Close(); err != nil {
		log.Warn("failed to close "+what, logger.Error(err))
	}
}
