package nestor

import (
	"strconv"
	"strings"
)

// parseLengthPrefix decodes a 10-byte right-justified, space-padded
// ASCII decimal length prefix.
func parseLengthPrefix(buf []byte) (int, error) {
	return strconv.Atoi(strings.TrimSpace(string(buf)))
}
