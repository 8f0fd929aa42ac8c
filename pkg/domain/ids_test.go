package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "trustledger/pkg/domain-errors"
)

// TestParseUUID_Invariants validates the parsing invariant:
// IDs must be valid, non-empty, non-nil UUIDs.
func TestParseUUID_Invariants(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseRecordID("")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects invalid format", func(t *testing.T) {
		_, err := ParsePortfolioID("not-a-uuid")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects nil UUID", func(t *testing.T) {
		_, err := ParseUserID(uuid.Nil.String())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("accepts valid UUID", func(t *testing.T) {
		valid := uuid.New()
		id, err := ParseRevisionID(valid.String())
		require.NoError(t, err)
		assert.Equal(t, RevisionID(valid), id)
	})
}

func TestRecordStatus(t *testing.T) {
	assert.True(t, StatusFinalized.IsFinal())
	assert.True(t, StatusAmended.IsFinal())
	assert.True(t, StatusAttested.IsFinal())
	assert.False(t, StatusDraft.IsFinal())
	assert.False(t, StatusVoided.IsFinal())
	assert.False(t, RecordStatus("bogus").IsValid())
}

func TestModuleType(t *testing.T) {
	for _, m := range AllModuleTypes() {
		assert.True(t, m.IsValid())
	}
	assert.False(t, ModuleType("payroll").IsValid())
}
