// Package schema defines field-level record contracts and compiles them into
// checkers.
//
// A contract is data (YAML in contracts/), compiled once per run. Compile fails
// only for malformed contracts (unknown type, bad regex, min > max); checking a
// record never fails, it returns field errors.
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"legacymigrate/pkg/records"
)

// Field types.
const (
	TypeString    = "string"
	TypeInt       = "int"
	TypeFloat     = "float"
	TypeBool      = "bool"
	TypeTimestamp = "timestamp"
	TypeUUID      = "uuid"
	TypeJSON      = "json"
)

// Error codes reported in FieldError.Code.
const (
	CodeRequired  = "required"
	CodeNull      = "null"
	CodeType      = "type"
	CodeMaxLength = "max_length"
	CodeEnum      = "enum"
	CodePattern   = "pattern"
	CodeMin       = "min"
	CodeMax       = "max"
)

// Field is one contract rule set.
type Field struct {
	Name     string `json:"name" yaml:"name"`
	Type     string `json:"type" yaml:"type"`
	Required bool   `json:"required,omitempty" yaml:"required,omitempty"`

	// Nullable defaults to !Required.
	Nullable *bool `json:"nullable,omitempty" yaml:"nullable,omitempty"`

	MaxLength int      `json:"max_length,omitempty" yaml:"max_length,omitempty"`
	Enum      []string `json:"enum,omitempty" yaml:"enum,omitempty"`
	Pattern   string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Min       *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max       *float64 `json:"max,omitempty" yaml:"max,omitempty"`
}

// Contract names a set of field rules; the name is the entity type.
type Contract struct {
	Name   string  `json:"name" yaml:"name"`
	Fields []Field `json:"fields" yaml:"fields"`
}

// FieldError is one failed rule.
type FieldError struct {
	Field   string
	Code    string
	Message string
}

func (e FieldError) Error() string { return e.Field + ": " + e.Message }

type compiledField struct {
	Field
	typ      string
	nullable bool
	enum     map[string]struct{}
	re       *regexp.Regexp
}

// Compiled is a checked, ready-to-run contract. Safe for concurrent use.
type Compiled struct {
	name   string
	fields []compiledField
}

// Name returns the contract name.
func (c *Compiled) Name() string { return c.name }

// normalizeType folds SQL-ish aliases onto the contract types.
func normalizeType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "string", "text", "varchar":
		return TypeString
	case "int", "integer", "bigint", "int8", "int4":
		return TypeInt
	case "float", "double", "numeric", "decimal", "real":
		return TypeFloat
	case "bool", "boolean":
		return TypeBool
	case "timestamp", "timestamptz", "date", "datetime":
		return TypeTimestamp
	case "uuid":
		return TypeUUID
	case "json", "jsonb":
		return TypeJSON
	default:
		return ""
	}
}

// Compile validates c and prepares it for checking.
//
// Errors:
//   - empty contract name or field name, duplicate field
//   - unknown field type
//   - invalid pattern, negative max_length, min > max
func Compile(c Contract) (*Compiled, error) {
	if strings.TrimSpace(c.Name) == "" {
		return nil, fmt.Errorf("schema: contract has no name")
	}
	out := &Compiled{name: c.Name}
	seen := map[string]bool{}
	for i, f := range c.Fields {
		if f.Name == "" {
			return nil, fmt.Errorf("schema %s: field %d has no name", c.Name, i)
		}
		if seen[f.Name] {
			return nil, fmt.Errorf("schema %s: duplicate field %q", c.Name, f.Name)
		}
		seen[f.Name] = true

		cf := compiledField{Field: f, typ: normalizeType(f.Type), nullable: !f.Required}
		if cf.typ == "" {
			return nil, fmt.Errorf("schema %s.%s: unknown type %q", c.Name, f.Name, f.Type)
		}
		if f.Nullable != nil {
			cf.nullable = *f.Nullable
		}
		if f.MaxLength < 0 {
			return nil, fmt.Errorf("schema %s.%s: max_length must be >= 0", c.Name, f.Name)
		}
		if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
			return nil, fmt.Errorf("schema %s.%s: min > max", c.Name, f.Name)
		}
		if f.Pattern != "" {
			re, err := regexp.Compile(f.Pattern)
			if err != nil {
				return nil, fmt.Errorf("schema %s.%s: pattern: %w", c.Name, f.Name, err)
			}
			cf.re = re
		}
		if len(f.Enum) > 0 {
			cf.enum = make(map[string]struct{}, len(f.Enum))
			for _, v := range f.Enum {
				cf.enum[v] = struct{}{}
			}
		}
		out.fields = append(out.fields, cf)
	}
	return out, nil
}

// MustCompile is Compile for contracts known at build time. A malformed
// contract is a programmer error, so it panics.
func MustCompile(c Contract) *Compiled {
	cc, err := Compile(c)
	if err != nil {
		panic(err)
	}
	return cc
}

// Check runs every rule over row and returns the failures in contract field
// order. Columns not named by the contract are ignored.
func (c *Compiled) Check(row map[string]any) []FieldError {
	var errs []FieldError
	for _, f := range c.fields {
		v, present := row[f.Name]
		if !present || v == nil {
			switch {
			case f.Required:
				errs = append(errs, FieldError{Field: f.Name, Code: CodeRequired, Message: "is required"})
			case present && !f.nullable:
				errs = append(errs, FieldError{Field: f.Name, Code: CodeNull, Message: "must not be null"})
			}
			continue
		}
		if e, ok := f.check(v); !ok {
			errs = append(errs, e)
		}
	}
	return errs
}

func (f compiledField) check(v any) (FieldError, bool) {
	fail := func(code, format string, args ...any) (FieldError, bool) {
		return FieldError{Field: f.Name, Code: code, Message: fmt.Sprintf(format, args...)}, false
	}

	var num *float64
	var str *string

	switch f.typ {
	case TypeString:
		s, ok := asText(v)
		if !ok {
			return fail(CodeType, "expected string, got %T", v)
		}
		str = &s
	case TypeInt:
		n, err := records.AsInt64(v)
		if err != nil {
			return fail(CodeType, "expected int: %v", err)
		}
		x := float64(n)
		num = &x
	case TypeFloat:
		x, err := records.AsFloat64(v)
		if err != nil || math.IsNaN(x) || math.IsInf(x, 0) {
			return fail(CodeType, "expected number, got %v", v)
		}
		num = &x
	case TypeBool:
		if _, err := records.AsBool(v); err != nil {
			return fail(CodeType, "expected boolean: %v", err)
		}
	case TypeTimestamp:
		if _, err := records.AsTime(v); err != nil {
			return fail(CodeType, "expected timestamp: %v", err)
		}
	case TypeUUID:
		switch t := v.(type) {
		case uuid.UUID:
		case string:
			if _, err := uuid.Parse(t); err != nil {
				return fail(CodeType, "expected uuid: %v", err)
			}
		default:
			return fail(CodeType, "expected uuid, got %T", v)
		}
	case TypeJSON:
		s, ok := asText(v)
		if !ok || !json.Valid([]byte(s)) {
			return fail(CodeType, "expected JSON text")
		}
	}

	if str != nil {
		if f.MaxLength > 0 && utf8.RuneCountInString(*str) > f.MaxLength {
			return fail(CodeMaxLength, "longer than %d characters", f.MaxLength)
		}
		if f.enum != nil {
			if _, ok := f.enum[*str]; !ok {
				return fail(CodeEnum, "%q is not one of %v", *str, f.Enum)
			}
		}
		if f.re != nil && !f.re.MatchString(*str) {
			return fail(CodePattern, "%q does not match %s", *str, f.Pattern)
		}
	}
	if num != nil {
		if f.Min != nil && *num < *f.Min {
			return fail(CodeMin, "%v is below minimum %v", *num, *f.Min)
		}
		if f.Max != nil && *num > *f.Max {
			return fail(CodeMax, "%v is above maximum %v", *num, *f.Max)
		}
	}
	return FieldError{}, true
}

func asText(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	}
	return "", false
}
