package session

import "strings"

// reservedFilenameChars are the characters §3/§6 require stripped from a
// transferred file's basename before it is sent or joined into an
// output directory: the path separators plus the Windows-reserved set.
const reservedFilenameChars = `/\:*?"<>|`

// sanitizeFilename strips reservedFilenameChars and control bytes from
// name. It is applied both where the sender encodes Metadata.Filename
// and where the receiver builds its target path, so neither side has to
// trust the other to have done it.
func sanitizeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			continue
		}
		if strings.ContainsRune(reservedFilenameChars, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
