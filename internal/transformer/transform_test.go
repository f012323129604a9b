package transformer

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"legacymigrate/internal/catalog"
	"legacymigrate/internal/resolve"
	"legacymigrate/internal/storage"
	"legacymigrate/internal/validate"
	"legacymigrate/pkg/records"
)

var runStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedID(n byte) func() uuid.UUID {
	return func() uuid.UUID {
		var id uuid.UUID
		id[15] = n
		return id
	}
}

type fakeResolver map[int64]resolve.Kind

func (f fakeResolver) Resolve(typeID, objectID int64) resolve.Reference {
	ref := resolve.Reference{TypeID: typeID, ObjectID: objectID, Kind: f[typeID]}
	if ref.Kind != resolve.Unknown {
		ref.LogicalName = "dispatch." + ref.Kind.String()
	}
	return ref
}

func newTransformer(t *testing.T, refs ReferenceResolver) *Transformer {
	t.Helper()
	return New(catalog.Builtin(), refs, Options{RunStart: runStart, NewID: fixedID(1)})
}

func spec(t *testing.T, name string) catalog.EntitySpec {
	t.Helper()
	s, ok := catalog.Builtin().Get(name)
	if !ok {
		t.Fatalf("no spec %s", name)
	}
	return s
}

func extraData(t *testing.T, e storage.Entity) map[string]any {
	t.Helper()
	v, _ := e.Get(ColumnExtraData)
	var out map[string]any
	if err := json.Unmarshal([]byte(v.(string)), &out); err != nil {
		t.Fatalf("extra_data: %v", err)
	}
	return out
}

func TestTransformOfficeDefaultsAndNormalization(t *testing.T) {
	t.Parallel()

	tr := newTransformer(t, nil)
	rec := records.New("dispatch_office",
		[]string{"id", "name", "zip_code", "email", "is_active", "fax", "created_at"},
		[]any{int64(7), "  North   Lab ", "1000", " Lab@Example.COM ", "t", "555-1", "2019-05-01 08:30:00"},
	)

	e, issues, err := tr.Transform(spec(t, catalog.Offices), rec)
	if err != nil {
		t.Fatalf("Transform err=%v", err)
	}
	if len(issues) != 0 {
		t.Fatalf("issues=%v", issues)
	}
	if e.LegacyID != "7" || e.Table != "offices" || e.ID != fixedID(1)() {
		t.Fatalf("identity: %+v", e)
	}

	want := map[string]any{
		"name":      "North Lab",
		"zip_code":  "1000",
		"email":     "lab@example.com",
		"is_active": true,
		"phone":     "", // absent column takes its default
		"address":   "",
		"city":      "",
	}
	for col, w := range want {
		if got, _ := e.Get(col); got != w {
			t.Fatalf("%s=%#v, want %#v", col, got, w)
		}
	}
	created, _ := e.Get(ColumnCreatedAt)
	if !created.(time.Time).Equal(time.Date(2019, 5, 1, 8, 30, 0, 0, time.UTC)) {
		t.Fatalf("created_at=%v", created)
	}
	if updated, _ := e.Get(ColumnUpdatedAt); updated != created {
		t.Fatalf("updated_at=%v, want created_at", updated)
	}
	if migrated, _ := e.Get(ColumnMigratedAt); migrated != runStart {
		t.Fatalf("migrated_at=%v", migrated)
	}
	if _, ok := e.Get("fax"); ok {
		t.Fatalf("extra field must not be a column")
	}

	extra := extraData(t, e)
	if extra["fax"] != "555-1" || extra["legacy_table"] != "dispatch_office" {
		t.Fatalf("extra=%v", extra)
	}
	if fp, _ := extra["source_fingerprint"].(string); len(fp) != 64 {
		t.Fatalf("fingerprint=%v", extra["source_fingerprint"])
	}
}

func TestTransformColumnListIsStable(t *testing.T) {
	t.Parallel()

	tr := newTransformer(t, nil)
	full := records.New("dispatch_office", []string{"id", "name", "phone"}, []any{int64(1), "a", "1"})
	bare := records.New("dispatch_office", []string{"id"}, []any{int64(2)})

	a, _, _ := tr.Transform(spec(t, catalog.Offices), full)
	b, _, _ := tr.Transform(spec(t, catalog.Offices), bare)
	if len(a.Columns) != len(b.Columns) {
		t.Fatalf("columns differ: %v vs %v", a.Columns, b.Columns)
	}
	for i := range a.Columns {
		if a.Columns[i] != b.Columns[i] {
			t.Fatalf("column %d: %s vs %s", i, a.Columns[i], b.Columns[i])
		}
	}
}

func TestTransformErrors(t *testing.T) {
	t.Parallel()

	tr := newTransformer(t, nil)

	_, _, err := tr.Transform(spec(t, catalog.Offices), records.New("dispatch_office", []string{"id"}, []any{nil}))
	if !errors.Is(err, ErrNoLegacyID) {
		t.Fatalf("err=%v, want ErrNoLegacyID", err)
	}

	rec := records.New("dispatch_ordertype", []string{"id", "price", "is_active"}, []any{int64(3), "abc", "maybe"})
	e, issues, err := tr.Transform(spec(t, catalog.OrderTypes), rec)
	if err != nil {
		t.Fatalf("Transform err=%v", err)
	}
	if len(issues) != 2 || !validate.HasErrors(issues) {
		t.Fatalf("issues=%v", issues)
	}
	if issues[0].Field != "price" || issues[0].Code != CodeConvert || issues[0].LegacyID != "3" {
		t.Fatalf("first issue=%+v", issues[0])
	}
	if v, _ := e.Get("price"); v != nil {
		t.Fatalf("unconvertible price=%v, want nil", v)
	}
}

func TestTransformForeignKeysBecomeRefs(t *testing.T) {
	t.Parallel()

	tr := newTransformer(t, nil)
	rec := records.New("dispatch_patient",
		[]string{"id", "office_id", "profile_id", "sex", "birth_date"},
		[]any{int64(9), int64(2), nil, " F ", "1980-02-03 10:00:00"},
	)
	e, issues, err := tr.Transform(spec(t, catalog.Patients), rec)
	if err != nil || len(issues) != 0 {
		t.Fatalf("err=%v issues=%v", err, issues)
	}
	if sex, _ := e.Get("sex"); sex != "f" {
		t.Fatalf("sex=%v", sex)
	}
	if bd, _ := e.Get("birth_date"); !bd.(time.Time).Equal(time.Date(1980, 2, 3, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("birth_date=%v", bd)
	}

	want := []storage.Ref{
		{Column: "office_id", Table: "offices", LegacyID: "2", Required: true},
		{Column: "profile_id", Table: "profiles", LegacyID: ""},
	}
	if len(e.Refs) != len(want) {
		t.Fatalf("refs=%+v", e.Refs)
	}
	for i := range want {
		if e.Refs[i] != want[i] {
			t.Fatalf("ref %d=%+v, want %+v", i, e.Refs[i], want[i])
		}
	}
}

func TestTransformMessageGenericReference(t *testing.T) {
	t.Parallel()

	tr := newTransformer(t, fakeResolver{5: resolve.Order})
	typeID, objectID := int64(5), int64(42)
	rec := records.New("dispatch_message", []string{"id", "body"}, []any{int64(1), "<p>Hello<br>world</p>"})
	rec.TypeID, rec.ObjectID = &typeID, &objectID

	e, issues, err := tr.Transform(spec(t, catalog.Messages), rec)
	if err != nil || len(issues) != 0 {
		t.Fatalf("err=%v issues=%v", err, issues)
	}
	if body, _ := e.Get("body"); body != "Hello\nworld" {
		t.Fatalf("body=%q", body)
	}
	if u, _ := e.Get(ColumnUnresolved); u != false {
		t.Fatalf("reference_unresolved=%v", u)
	}

	var got *storage.Ref
	for i := range e.Refs {
		if e.Refs[i].Column == "order_id" {
			got = &e.Refs[i]
		}
	}
	if got == nil || got.Table != "orders" || got.LegacyID != "42" || !got.Required {
		t.Fatalf("order ref=%+v (refs=%+v)", got, e.Refs)
	}
	if extraData(t, e)["body_html"] != "<p>Hello<br>world</p>" {
		t.Fatalf("original html not kept")
	}
}

func TestTransformMessageUnresolved(t *testing.T) {
	t.Parallel()

	tr := newTransformer(t, fakeResolver{})
	typeID, objectID := int64(99), int64(3)
	rec := records.New("dispatch_message", []string{"id", "body"}, []any{int64(2), "plain"})
	rec.TypeID, rec.ObjectID = &typeID, &objectID

	e, issues, err := tr.Transform(spec(t, catalog.Messages), rec)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(issues) != 1 || issues[0].Code != CodeUnresolved || issues[0].Severity != validate.SeverityWarning {
		t.Fatalf("issues=%v", issues)
	}
	if u, _ := e.Get(ColumnUnresolved); u != true {
		t.Fatalf("reference_unresolved=%v", u)
	}
	for _, r := range e.Refs {
		if r.Column != "author_id" {
			t.Fatalf("unexpected generic ref %+v", r)
		}
	}
	un, _ := extraData(t, e)["unresolved_reference"].(map[string]any)
	if un["content_type_id"] != float64(99) || un["object_id"] != float64(3) {
		t.Fatalf("unresolved_reference=%v", un)
	}
}

func TestHTMLToText(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want string
	}{
		{"plain  text ", "plain  text"},
		{"<b>Hi</b> there", "Hi there"},
		{"<div>a</div><div>b</div>", "a\nb"},
		{"<p>x</p><script>alert(1)</script><p></p>", "x"},
	}
	for _, tc := range cases {
		got, err := htmlToText(tc.in)
		if err != nil || got != tc.want {
			t.Fatalf("htmlToText(%q)=%q,%v want %q", tc.in, got, err, tc.want)
		}
	}
}

func TestConvertKinds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		kind catalog.Kind
		in   any
		want any
	}{
		{catalog.KindString, "école", "école"},
		{catalog.KindString, "a\t\tb", "a b"},
		{catalog.KindCode, " Shipped ", "shipped"},
		{catalog.KindInt, "12", int64(12)},
		{catalog.KindFloat, "1,250.50", 1250.5},
		{catalog.KindBool, "yes", true},
		{catalog.KindBool, int64(0), false},
		{catalog.KindJSON, `{ "a" : [1, 2] }`, `{"a":[1,2]}`},
	}
	for _, tc := range cases {
		got, err := convert(tc.kind, tc.in)
		if err != nil || got != tc.want {
			t.Fatalf("convert(%s, %#v)=%#v,%v want %#v", tc.kind, tc.in, got, err, tc.want)
		}
	}

	if _, err := convert(catalog.KindJSON, "{broken"); err == nil {
		t.Fatalf("broken json should fail")
	}
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	a := records.New("t", []string{"id", "x"}, []any{int64(1), ""})
	b := records.New("t", []string{"id", "x"}, []any{int64(1), nil})
	c := records.New("t", []string{"id", "x"}, []any{int64(1), ""})

	if Fingerprint(a) == Fingerprint(b) {
		t.Fatalf("NULL and empty string must differ")
	}
	if Fingerprint(a) != Fingerprint(c) {
		t.Fatalf("fingerprint not deterministic")
	}
}
