package export

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// mdbNameMax caps the artifact file name; over-long names keep their tail so
// the timestamp and trace fragment survive.
const mdbNameMax = 64

// JobName derives the .mdb artifact name for an export. An empty requested
// name yields the default bom_<yyyymmdd_hhmmss>_<trace4>.mdb pattern.
func JobName(requested, traceID string, now time.Time) string {
	name := strings.TrimSpace(requested)
	if name == "" {
		frag := traceID
		if len(frag) > 4 {
			frag = frag[:4]
		}
		name = fmt.Sprintf("bom_%s_%s", now.Format("20060102_150405"), frag)
	}
	name = sanitizeName(name)
	if !strings.HasSuffix(strings.ToLower(name), ".mdb") {
		name += ".mdb"
	}
	if len(name) > mdbNameMax {
		name = name[len(name)-mdbNameMax:]
	}
	return name
}

// ReportName derives the skip-report file name from the .mdb artifact name.
func ReportName(mdbName string) string {
	base := strings.TrimSuffix(mdbName, ".mdb")
	return base + "_missing.csv"
}

// sanitizeName keeps letters, digits, dot, dash and underscore; everything
// else (path separators included) becomes an underscore.
func sanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
