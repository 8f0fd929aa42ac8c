package revision

import (
	"context"
	"errors"
	"fmt"

	"trustledger/internal/rmid"
	"trustledger/pkg/domain"
	"trustledger/pkg/platform/sentinel"
)

// GroupResolver adapts the record store to the allocator's related-record
// lookup: a new allocation that names an existing record joins that record's
// group.
type GroupResolver struct {
	records RecordStore
}

func NewGroupResolver(records RecordStore) *GroupResolver {
	return &GroupResolver{records: records}
}

var _ rmid.RelatedGroupResolver = (*GroupResolver)(nil)

// GroupForRecord returns the group number parsed out of the record's RM-ID.
// A missing record, or one without a parseable RM-ID, reports
// sentinel.ErrNotFound so the allocator falls back to its other hints.
func (r *GroupResolver) GroupForRecord(ctx context.Context, recordID domain.RecordID) (int, error) {
	rec, err := r.records.Get(ctx, recordID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return 0, sentinel.ErrNotFound
		}
		return 0, fmt.Errorf("load related record: %w", err)
	}
	if rec.RMID == "" {
		return 0, sentinel.ErrNotFound
	}
	_, group, _, err := rmid.ParseRMID(rec.RMID)
	if err != nil {
		return 0, sentinel.ErrNotFound
	}
	return group, nil
}
