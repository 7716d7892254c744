package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityKey_String(t *testing.T) {
	key := EntityKey{Type: "student", ID: "42"}
	assert.Equal(t, "student#42", key.String())
}

func TestEntityKey_IsZero(t *testing.T) {
	assert.True(t, EntityKey{}.IsZero())
	assert.False(t, EntityKey{Type: "student"}.IsZero())
	assert.False(t, EntityKey{ID: "42"}.IsZero())
}

// TestParseEntityKey проверяет разбор канонической строки ключа.
func TestParseEntityKey(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    EntityKey
		wantErr bool
	}{
		{
			name:  "valid key",
			input: "student#42",
			want:  EntityKey{Type: "student", ID: "42"},
		},
		{
			name:  "id with hash",
			input: "lesson#2026#03",
			want:  EntityKey{Type: "lesson", ID: "2026#03"},
		},
		{
			name:    "missing separator",
			input:   "student42",
			wantErr: true,
		},
		{
			name:    "empty type",
			input:   "#42",
			wantErr: true,
		},
		{
			name:    "empty id",
			input:   "student#",
			wantErr: true,
		},
		{
			name:    "empty string",
			input:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEntityKey(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseEntityKey_RoundTrip(t *testing.T) {
	key := EntityKey{Type: "payment", ID: "inv-2026-001"}
	parsed, err := ParseEntityKey(key.String())
	require.NoError(t, err)
	assert.Equal(t, key, parsed)
}

func TestVersionRecord_Slot(t *testing.T) {
	rec := VersionRecord{Local: 3, Remote: 2, LastSynced: 1}

	assert.Equal(t, int64(3), rec.Slot(SlotLocal))
	assert.Equal(t, int64(2), rec.Slot(SlotRemote))
	assert.Equal(t, int64(1), rec.Slot(SlotLastSynced))
	assert.Equal(t, int64(0), rec.Slot(VersionSlot("bogus")))
}

func TestOperation_Valid(t *testing.T) {
	assert.True(t, OpCreate.Valid())
	assert.True(t, OpUpdate.Valid())
	assert.True(t, OpDelete.Valid())
	assert.False(t, Operation("upsert").Valid())
	assert.False(t, Operation("").Valid())
}

func TestResolution_Valid(t *testing.T) {
	assert.True(t, ResolveLocal.Valid())
	assert.True(t, ResolveRemote.Valid())
	assert.True(t, ResolveMerged.Valid())
	assert.False(t, Resolution("theirs").Valid())
}
