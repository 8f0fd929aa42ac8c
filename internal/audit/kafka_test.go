package audit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustledger/pkg/domain"
)

// The topic payload is a contract with downstream consumers; field names and
// string encodings must stay stable.
func TestKafkaEventWireShape(t *testing.T) {
	actor := domain.NewUserID()
	portfolio := domain.NewPortfolioID()
	record := domain.NewRecordID()
	at := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

	event := Event{
		ID:          uuid.New(),
		Category:    CategoryCompliance,
		Timestamp:   at,
		Action:      EventRepairApplied,
		ActorID:     actor,
		ActorName:   "Dana Trustee",
		PortfolioID: portfolio,
		RecordID:    record,
		Reason:      "reconstructed by integrity repair",
		RequestID:   "trace-123",
		Detail:      map[string]any{"issue_type": "orphan_record"},
	}

	raw, err := json.Marshal(kafkaEvent(event))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, "compliance", decoded["category"])
	assert.Equal(t, string(EventRepairApplied), decoded["action"])
	assert.Equal(t, actor.String(), decoded["actor_id"])
	assert.Equal(t, portfolio.String(), decoded["portfolio_id"])
	assert.Equal(t, record.String(), decoded["record_id"])
	assert.Equal(t, "trace-123", decoded["request_id"])
	assert.Equal(t, "2026-04-02T09:00:00Z", decoded["timestamp"])

	detail, ok := decoded["detail"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "orphan_record", detail["issue_type"])
}
