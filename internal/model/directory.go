package model

import (
	"strconv"
	"strings"
)

// FormatDirectory renders records as "name:port:status;" triples, the
// form carried in the listFriend field of a central message.
func FormatDirectory(records []DirectoryRecord) string {
	var b strings.Builder
	for _, r := range records {
		b.WriteString(r.Name)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(r.Port))
		b.WriteByte(':')
		b.WriteString(string(r.Status))
		b.WriteByte(';')
	}
	return b.String()
}

// ParseDirectory is the inverse of FormatDirectory. Malformed triples are
// skipped; a missing status is kept as the empty status.
func ParseDirectory(s string) []DirectoryRecord {
	var out []DirectoryRecord
	for _, item := range strings.Split(s, ";") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, ":", 3)
		if len(parts) < 2 || parts[0] == "" {
			continue
		}
		port, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || port <= 0 || port > 65535 {
			continue
		}
		rec := DirectoryRecord{Name: parts[0], Port: port}
		if len(parts) == 3 {
			rec.Status = Status(strings.TrimSpace(parts[2]))
		}
		out = append(out, rec)
	}
	return out
}

// OnlineOnly filters records down to the ones marked online.
func OnlineOnly(records []DirectoryRecord) []DirectoryRecord {
	out := make([]DirectoryRecord, 0, len(records))
	for _, r := range records {
		if r.Online() {
			out = append(out, r)
		}
	}
	return out
}
