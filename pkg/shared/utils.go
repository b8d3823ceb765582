package helpers

import (
	"io"
	"log/slog"

	"github.com/jpillora/sizestr"
)

// CloseOrLog Helper function to attempt to close IO connections and log error if it fails, useful for closing on defer
func CloseOrLog(closer io.Closer) {
	err := closer.Close()
	if err != nil {
		slog.Error("Error closing I/O", "error", err)
	}
}

// Size renders a byte count for log lines, e.g. "1.2MB"
func Size(n int) string {
	return sizestr.ToString(int64(n))
}
