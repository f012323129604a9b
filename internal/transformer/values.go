package transformer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/unicode/norm"

	"legacymigrate/internal/catalog"
	"legacymigrate/pkg/records"
)

// convert coerces one raw source value to the canonical Go type of kind.
//
// Canonical types:
//   - string, text, email, code, html, json: string
//   - int: int64
//   - float: float64
//   - bool: bool
//   - timestamp, date: time.Time in UTC (date truncated to midnight)
//
// v must be non-nil; NULL handling is the caller's (defaults).
func convert(kind catalog.Kind, v any) (any, error) {
	switch kind {
	case catalog.KindString:
		s, _ := records.AsString(v)
		return cleanLine(s), nil
	case catalog.KindText:
		s, _ := records.AsString(v)
		return strings.TrimSpace(norm.NFC.String(s)), nil
	case catalog.KindEmail:
		s, _ := records.AsString(v)
		return strings.ToLower(cleanLine(s)), nil
	case catalog.KindCode:
		s, _ := records.AsString(v)
		return strings.ToLower(strings.TrimSpace(s)), nil
	case catalog.KindHTML:
		s, _ := records.AsString(v)
		return htmlToText(s)
	case catalog.KindInt:
		return records.AsInt64(v)
	case catalog.KindFloat:
		return records.AsFloat64(v)
	case catalog.KindBool:
		return records.AsBool(v)
	case catalog.KindTimestamp:
		return records.AsTime(v)
	case catalog.KindDate:
		ts, err := records.AsTime(v)
		if err != nil {
			return nil, err
		}
		return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC), nil
	case catalog.KindJSON:
		return jsonText(v)
	default:
		return nil, fmt.Errorf("unknown field kind %q", kind)
	}
}

// cleanLine NFC-normalizes s and collapses all whitespace runs to one space.
func cleanLine(s string) string {
	s = norm.NFC.String(s)
	if !hasInnerSpace(s) {
		return strings.TrimSpace(s)
	}
	return strings.Join(strings.Fields(s), " ")
}

func hasInnerSpace(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\t', '\n', '\r', '\v', '\f':
			return true
		case ' ':
			if i+1 < len(s) && s[i+1] == ' ' {
				return true
			}
		}
	}
	return false
}

// htmlToText renders an HTML fragment as plain text. Block elements and <br>
// become line breaks; runs of blank lines collapse to one.
func htmlToText(s string) (string, error) {
	if !strings.ContainsRune(s, '<') {
		return strings.TrimSpace(norm.NFC.String(s)), nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, li, tr, h1, h2, h3, h4, h5, h6").Each(func(_ int, sel *goquery.Selection) {
		sel.AppendHtml("\n")
	})

	var lines []string
	for _, line := range strings.Split(doc.Text(), "\n") {
		if line = cleanLine(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n"), nil
}

// jsonText returns v as compact, valid JSON text.
func jsonText(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return validJSON([]byte(t))
	case []byte:
		return validJSON(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

func validJSON(b []byte) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return "", fmt.Errorf("invalid json: %w", err)
	}
	return buf.String(), nil
}
