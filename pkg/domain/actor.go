package domain

// Actor is the authenticated principal attributed to mutations. Resolution
// (sessions, tokens) is an external collaborator; services only ever see this
// pair.
type Actor struct {
	ID          UserID
	DisplayName string
}

// IsZero reports whether no principal was resolved.
func (a Actor) IsZero() bool { return a.ID.IsNil() && a.DisplayName == "" }
