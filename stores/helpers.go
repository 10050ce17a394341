package stores

import (
	"encoding/json"
	"time"

	"github.com/oarkflow/date"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseFlexibleTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	return date.Parse(s)
}

// scanTime converts whatever the driver returned for a time column.
func scanTime(raw any) time.Time {
	switch v := raw.(type) {
	case time.Time:
		return v.UTC()
	case string:
		if t, err := parseFlexibleTime(v); err == nil {
			return t.UTC()
		}
	case []byte:
		if t, err := parseFlexibleTime(string(v)); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func stringsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
