package transformer

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"legacymigrate/pkg/records"
)

// fingerprintSep is ASCII Unit Separator.
const fingerprintSep = "\x1f"

// Fingerprint is a deterministic SHA-256 over a record's extracted columns, in
// column order. It is stored in extra_data so a reviewer can tell whether a
// re-run saw a changed source row.
//
// Canonicalization rules:
//   - Components are "name=value" joined by fingerprintSep.
//   - NULL is encoded as a single NUL byte so it differs from "".
//   - time.Time values are encoded as RFC3339Nano in UTC.
//   - Output is lowercase hex (length 64).
func Fingerprint(rec *records.Record) string {
	var b strings.Builder
	b.Grow(len(rec.Columns) * 20)

	for i, c := range rec.Columns {
		if i > 0 {
			b.WriteString(fingerprintSep)
		}
		b.WriteString(c)
		b.WriteByte('=')
		if i >= len(rec.Values) {
			b.WriteByte('\x00')
			continue
		}
		appendCanonicalValue(&b, rec.Values[i])
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// appendCanonicalValue avoids fmt for the common driver types.
func appendCanonicalValue(b *strings.Builder, v any) {
	switch t := v.(type) {
	case nil:
		b.WriteByte('\x00')
	case string:
		b.WriteString(t)
	case []byte:
		b.Write(t)
	case bool:
		b.WriteString(strconv.FormatBool(t))
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))
	case int:
		b.WriteString(strconv.Itoa(t))
	case int32:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case float64:
		b.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
	case float32:
		b.WriteString(strconv.FormatFloat(float64(t), 'g', -1, 32))
	case time.Time:
		b.WriteString(t.UTC().Format(time.RFC3339Nano))
	default:
		s, _ := records.AsString(t)
		b.WriteString(s)
	}
}
