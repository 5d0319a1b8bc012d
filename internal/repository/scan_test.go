package repository

import (
	"slices"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// binaryRow feeds values to Scan the way pgx receives them from Postgres:
// encoded in binary format and decoded through the type map.
type binaryRow struct {
	m      *pgtype.Map
	oids   []uint32
	values []any
}

func (r binaryRow) Scan(dest ...any) error {
	for i, d := range dest {
		buf, err := r.m.Encode(r.oids[i], pgtype.BinaryFormatCode, r.values[i], nil)
		if err != nil {
			return err
		}
		if err := r.m.Scan(r.oids[i], pgtype.BinaryFormatCode, buf, d); err != nil {
			return err
		}
	}
	return nil
}

func userRow(groupIDs []int64) binaryRow {
	joined := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return binaryRow{
		m: pgtype.NewMap(),
		oids: []uint32{
			pgtype.Int8OID, pgtype.TextOID, pgtype.TextOID, pgtype.TextOID, pgtype.TextOID,
			pgtype.BoolOID, pgtype.BoolOID, pgtype.TextOID,
			pgtype.TimestamptzOID, pgtype.TimestamptzOID, pgtype.TimestamptzOID,
			pgtype.Int8ArrayOID,
		},
		values: []any{
			int64(7), "alice@example.com", "alice@example.com", "Alice", "Smith",
			true, true, "$argon2id$v=19$m=65536,t=3,p=4$c2FsdA$aGFzaA",
			nil, nil, joined,
			groupIDs,
		},
	}
}

func TestScanUser_BinaryArrays(t *testing.T) {
	if code := pgtype.NewMap().FormatCodeForOID(pgtype.Int8ArrayOID); code != pgtype.BinaryFormatCode {
		t.Fatalf("int8[] format code = %d, want binary", code)
	}

	tests := []struct {
		name   string
		groups []int64
		want   []int64
	}{
		{"no groups", []int64{}, []int64{}},
		{"several groups", []int64{1, 3, 9}, []int64{1, 3, 9}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, err := scanUser(userRow(tt.groups))
			if err != nil {
				t.Fatalf("scanUser failed: %v", err)
			}
			if user.ID != 7 || user.Username != "alice@example.com" || !user.IsStaff {
				t.Errorf("unexpected user: %+v", user)
			}
			if user.PasswordChangedAt != nil || user.LastLoginAt != nil {
				t.Errorf("expected nil timestamps, got %v %v", user.PasswordChangedAt, user.LastLoginAt)
			}
			if !slices.Equal(user.GroupIDs, tt.want) {
				t.Errorf("GroupIDs = %v, want %v", user.GroupIDs, tt.want)
			}
		})
	}
}

func TestScanGroup_BinaryArrays(t *testing.T) {
	row := binaryRow{
		m:      pgtype.NewMap(),
		oids:   []uint32{pgtype.Int8OID, pgtype.TextOID, pgtype.Int8ArrayOID},
		values: []any{int64(4), "ops", []int64{2, 5}},
	}

	group, err := scanGroup(row)
	if err != nil {
		t.Fatalf("scanGroup failed: %v", err)
	}
	if group.ID != 4 || group.Name != "ops" || !slices.Equal(group.MemberIDs, []int64{2, 5}) {
		t.Errorf("unexpected group: %+v", group)
	}
}
