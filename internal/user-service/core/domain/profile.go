package domain

import "time"

// Profile is a row of the profile store, keyed by the auth service's user id.
type Profile struct {
	UserID      string        `bson:"_id"`
	Email       string        `bson:"email"`
	Username    string        `bson:"username"`
	DisplayName string        `bson:"display_name,omitempty"`
	Status      ProfileStatus `bson:"status"`
	CreatedAt   time.Time     `bson:"created_at"`
	UpdatedAt   time.Time     `bson:"updated_at"`
	DeletedAt   *time.Time    `bson:"deleted_at,omitempty"`
}

type ProfileStatus string

const (
	StatusActive ProfileStatus = "ACTIVE"
	// StatusDeleted profiles are kept until the deletion saga settles so the
	// delete can be undone.
	StatusDeleted ProfileStatus = "DELETED"
)

func (p *Profile) Active() bool { return p.Status == StatusActive }
