package sqlstore

import (
	"strconv"
	"strings"
)

// Dialect captures what differs between the supported databases.
type Dialect struct {
	// Name is used in logs and error messages.
	Name string

	// Numbered selects $1, $2, ... placeholders instead of ?.
	Numbered bool

	// MapError translates driver errors into store errors. Nil leaves them as is.
	MapError func(error) error
}

// Rebind rewrites the ? placeholders of query for the dialect.
func (d Dialect) Rebind(query string) string {
	if !d.Numbered {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			b.WriteByte(query[i])
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

func (d Dialect) mapError(err error) error {
	if err == nil || d.MapError == nil {
		return err
	}
	return d.MapError(err)
}

// placeholders returns n comma-separated ? markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
