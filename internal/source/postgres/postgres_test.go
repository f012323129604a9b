package postgres

import (
	"math/big"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
)

func TestNormalizeValue(t *testing.T) {
	num := pgtype.Numeric{Int: big.NewInt(1250), Exp: -2, Valid: true}
	if got := normalizeValue(num); got != 12.5 {
		t.Fatalf("numeric -> %v, want 12.5", got)
	}
	if got := normalizeValue(pgtype.Numeric{}); got != nil {
		t.Fatalf("invalid numeric -> %v, want nil", got)
	}
	if got := normalizeValue(int32(7)); got != int64(7) {
		t.Fatalf("int32 -> %#v", got)
	}
	id := [16]byte{0x12, 0x34}
	if got, ok := normalizeValue(id).(string); !ok || len(got) != 36 {
		t.Fatalf("uuid bytes -> %#v", normalizeValue(id))
	}
	if got := normalizeValue("x"); got != "x" {
		t.Fatalf("string passthrough -> %#v", got)
	}
}
