package store

import "time"

type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

type Story struct {
	ID            string
	Title         string
	Description   string
	AuthorID      string
	Collaborators []string
	CoverImageURL string
	CoverImageKey string
	IsPublished   bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Chapter is the unit of the story tree. A branch is a chapter with a
// non-nil ParentChapter; IsBranch is a redundant cache of that and the two
// are written together everywhere.
type Chapter struct {
	ID            string
	Title         string
	Content       string
	StoryID       string
	CreatedBy     string
	LastEditedBy  *string
	ParentChapter *string
	IsBranch      bool
	Order         int

	// Lock lease. IsLocked=true implies LockedBy and LockExpiresAt are set.
	// An expired lease is still on disk until a read path or acquire clears
	// it; validity is always computed against LockExpiresAt, not IsLocked.
	IsLocked        bool
	LockedBy        *string
	LockedByName    string
	LockedAt        *time.Time
	LockExpiresAt   *time.Time
	LockedSessionID *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// LockExpired reports whether the chapter carries a lease that has lapsed.
func (c *Chapter) LockExpired(now time.Time) bool {
	return c.IsLocked && c.LockExpiresAt != nil && !now.Before(*c.LockExpiresAt)
}

// HeldBy reports whether the chapter is locked by userID with a live lease.
func (c *Chapter) HeldBy(userID string, now time.Time) bool {
	return c.IsLocked && !c.LockExpired(now) && c.LockedBy != nil && *c.LockedBy == userID
}
