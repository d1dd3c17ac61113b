package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// Users

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, password_hash)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.Name, user.Email, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, created_at
		FROM users WHERE LOWER(email)=LOWER($1)
	`, email).Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, created_at
		FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// ---------------------------------------------------------------------------
// Stories

func (s *PostgresStore) InsertStory(ctx context.Context, story Story) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert story: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stories (id, title, description, author_id)
		VALUES ($1, $2, $3, $4)
	`, story.ID, story.Title, story.Description, story.AuthorID); err != nil {
		return fmt.Errorf("insert story: %w", err)
	}
	// The author is always a member of their own story.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO story_collaborators (story_id, user_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING
	`, story.ID, story.AuthorID); err != nil {
		return fmt.Errorf("insert author membership: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) GetStory(ctx context.Context, storyID string) (Story, error) {
	var story Story
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, author_id, cover_image_url, cover_image_key,
		       is_published, created_at, updated_at
		FROM stories WHERE id=$1
	`, storyID).Scan(
		&story.ID, &story.Title, &story.Description, &story.AuthorID,
		&story.CoverImageURL, &story.CoverImageKey,
		&story.IsPublished, &story.CreatedAt, &story.UpdatedAt,
	)
	if err != nil {
		return Story{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM story_collaborators WHERE story_id=$1 ORDER BY added_at
	`, storyID)
	if err != nil {
		return Story{}, fmt.Errorf("list collaborators: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return Story{}, fmt.Errorf("scan collaborator: %w", err)
		}
		story.Collaborators = append(story.Collaborators, userID)
	}
	if err := rows.Err(); err != nil {
		return Story{}, fmt.Errorf("iterate collaborators: %w", err)
	}
	return story, nil
}

func (s *PostgresStore) AddStoryCollaborator(ctx context.Context, storyID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO story_collaborators (story_id, user_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING
	`, storyID, userID)
	if err != nil {
		return false, fmt.Errorf("add collaborator: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

func (s *PostgresStore) ListStoriesForUser(ctx context.Context, userID string, published bool) ([]Story, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT s.id, s.title, s.description, s.author_id, s.cover_image_url,
		       s.cover_image_key, s.is_published, s.created_at, s.updated_at
		FROM stories s
		JOIN story_collaborators sc ON sc.story_id = s.id
		WHERE sc.user_id=$1 AND s.is_published=$2
		ORDER BY s.updated_at DESC
	`, userID, published)
	if err != nil {
		return nil, fmt.Errorf("list stories for user: %w", err)
	}
	return scanStories(rows)
}

func (s *PostgresStore) ListPublishedStories(ctx context.Context) ([]Story, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, description, author_id, cover_image_url, cover_image_key,
		       is_published, created_at, updated_at
		FROM stories
		WHERE is_published=TRUE
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list published stories: %w", err)
	}
	return scanStories(rows)
}

func scanStories(rows *sql.Rows) ([]Story, error) {
	defer rows.Close()
	items := make([]Story, 0)
	for rows.Next() {
		var story Story
		if err := rows.Scan(
			&story.ID, &story.Title, &story.Description, &story.AuthorID,
			&story.CoverImageURL, &story.CoverImageKey,
			&story.IsPublished, &story.CreatedAt, &story.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan story: %w", err)
		}
		items = append(items, story)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stories: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SetStoryPublished(ctx context.Context, storyID string, published bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE stories SET is_published=$2, updated_at=NOW() WHERE id=$1
	`, storyID, published)
	if err != nil {
		return fmt.Errorf("set story published: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateStoryCover(ctx context.Context, storyID, url, key string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE stories SET cover_image_url=$2, cover_image_key=$3, updated_at=NOW() WHERE id=$1
	`, storyID, url, key)
	if err != nil {
		return fmt.Errorf("update story cover: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Chapters

const chapterColumns = `
	c.id, c.title, c.content, c.story_id, c.created_by, c.last_edited_by,
	c.parent_chapter, c.is_branch, c.sort_order,
	c.is_locked, c.locked_by, COALESCE(u.name, ''), c.locked_at,
	c.lock_expires_at, c.locked_session_id, c.created_at, c.updated_at
`

func (s *PostgresStore) InsertChapter(ctx context.Context, chapter Chapter) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chapters (id, title, content, story_id, created_by, parent_chapter, is_branch, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, chapter.ID, chapter.Title, chapter.Content, chapter.StoryID, chapter.CreatedBy,
		chapter.ParentChapter, chapter.IsBranch, chapter.Order)
	if err != nil {
		return fmt.Errorf("insert chapter: %w", err)
	}
	return nil
}

// GetChapter loads a chapter with the lock holder's display name joined in.
func (s *PostgresStore) GetChapter(ctx context.Context, chapterID string) (Chapter, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+chapterColumns+`
		FROM chapters c
		LEFT JOIN users u ON u.id = c.locked_by
		WHERE c.id=$1
	`, chapterID)
	return scanChapter(row)
}

func scanChapter(row *sql.Row) (Chapter, error) {
	var chapter Chapter
	var lastEditedBy, parentChapter, lockedBy, lockedSessionID sql.NullString
	var lockedAt, lockExpiresAt sql.NullTime
	err := row.Scan(
		&chapter.ID, &chapter.Title, &chapter.Content, &chapter.StoryID,
		&chapter.CreatedBy, &lastEditedBy, &parentChapter, &chapter.IsBranch,
		&chapter.Order, &chapter.IsLocked, &lockedBy, &chapter.LockedByName,
		&lockedAt, &lockExpiresAt, &lockedSessionID,
		&chapter.CreatedAt, &chapter.UpdatedAt,
	)
	if err != nil {
		return Chapter{}, err
	}
	chapter.LastEditedBy = nullString(lastEditedBy)
	chapter.ParentChapter = nullString(parentChapter)
	chapter.LockedBy = nullString(lockedBy)
	chapter.LockedSessionID = nullString(lockedSessionID)
	chapter.LockedAt = nullTime(lockedAt)
	chapter.LockExpiresAt = nullTime(lockExpiresAt)
	return chapter, nil
}

// ListChaptersByStory returns the story's chapters sorted by their creation
// order, including lock state for sidebar display.
func (s *PostgresStore) ListChaptersByStory(ctx context.Context, storyID string) ([]Chapter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chapterColumns+`
		FROM chapters c
		LEFT JOIN users u ON u.id = c.locked_by
		WHERE c.story_id=$1
		ORDER BY c.sort_order
	`, storyID)
	if err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}
	defer rows.Close()

	items := make([]Chapter, 0)
	for rows.Next() {
		var chapter Chapter
		var lastEditedBy, parentChapter, lockedBy, lockedSessionID sql.NullString
		var lockedAt, lockExpiresAt sql.NullTime
		if err := rows.Scan(
			&chapter.ID, &chapter.Title, &chapter.Content, &chapter.StoryID,
			&chapter.CreatedBy, &lastEditedBy, &parentChapter, &chapter.IsBranch,
			&chapter.Order, &chapter.IsLocked, &lockedBy, &chapter.LockedByName,
			&lockedAt, &lockExpiresAt, &lockedSessionID,
			&chapter.CreatedAt, &chapter.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan chapter: %w", err)
		}
		chapter.LastEditedBy = nullString(lastEditedBy)
		chapter.ParentChapter = nullString(parentChapter)
		chapter.LockedBy = nullString(lockedBy)
		chapter.LockedSessionID = nullString(lockedSessionID)
		chapter.LockedAt = nullTime(lockedAt)
		chapter.LockExpiresAt = nullTime(lockExpiresAt)
		items = append(items, chapter)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chapters: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountChaptersByStory(ctx context.Context, storyID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chapters WHERE story_id=$1`, storyID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count chapters: %w", err)
	}
	return count, nil
}

// TitleTaken reports whether another chapter in the story already uses the
// title, compared case-insensitively. excludeID skips the chapter being
// renamed.
func (s *PostgresStore) TitleTaken(ctx context.Context, storyID, title, excludeID string) (bool, error) {
	var taken bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM chapters
			WHERE story_id=$1 AND LOWER(title)=LOWER($2) AND id <> $3
		)
	`, storyID, title, excludeID).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("check title: %w", err)
	}
	return taken, nil
}

func (s *PostgresStore) UpdateChapterContent(ctx context.Context, chapterID, content, editorID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chapters SET content=$2, last_edited_by=$3, updated_at=NOW() WHERE id=$1
	`, chapterID, content, editorID)
	if err != nil {
		return fmt.Errorf("update chapter content: %w", err)
	}
	return nil
}

func (s *PostgresStore) RenameChapter(ctx context.Context, chapterID, title string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chapters SET title=$2, updated_at=NOW() WHERE id=$1
	`, chapterID, title)
	if err != nil {
		return fmt.Errorf("rename chapter: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteChapter(ctx context.Context, chapterID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chapters WHERE id=$1`, chapterID)
	if err != nil {
		return fmt.Errorf("delete chapter: %w", err)
	}
	return nil
}

// DeleteChapterBranches removes every branch whose parent is chapterID and
// returns how many were deleted. Surviving siblings keep their sort_order.
func (s *PostgresStore) DeleteChapterBranches(ctx context.Context, chapterID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM chapters WHERE parent_chapter=$1`, chapterID)
	if err != nil {
		return 0, fmt.Errorf("delete branches: %w", err)
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

// ---------------------------------------------------------------------------
// Chapter locks
//
// Every lock mutation is a single conditional UPDATE so that concurrent
// callers race inside the database, not in the process: the row guard decides
// the one winner and losers see zero rows affected.

// TryAcquireChapterLock installs or renews a lease. It succeeds when the
// chapter is unlocked, already held by userID, or held under a lapsed lease
// (takeover). sessionID may be empty for the request/response channel.
func (s *PostgresStore) TryAcquireChapterLock(ctx context.Context, chapterID, userID, sessionID string, expiresAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE chapters
		SET is_locked=TRUE, locked_by=$2, locked_session_id=NULLIF($3, ''),
		    locked_at=NOW(), lock_expires_at=$4
		WHERE id=$1
		  AND (is_locked=FALSE OR locked_by=$2 OR lock_expires_at <= NOW())
	`, chapterID, userID, sessionID, expiresAt)
	if err != nil {
		return false, fmt.Errorf("acquire chapter lock: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// ReleaseChapterLockBySession clears the lock only if the given realtime
// session still holds it, so a stale release never clears a newer holder.
func (s *PostgresStore) ReleaseChapterLockBySession(ctx context.Context, chapterID, sessionID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE chapters
		SET is_locked=FALSE, locked_by=NULL, locked_session_id=NULL,
		    locked_at=NULL, lock_expires_at=NULL
		WHERE id=$1 AND locked_session_id=$2
	`, chapterID, sessionID)
	if err != nil {
		return false, fmt.Errorf("release chapter lock by session: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// ReleaseChapterLockByUser clears the lock only if userID is the holder.
func (s *PostgresStore) ReleaseChapterLockByUser(ctx context.Context, chapterID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE chapters
		SET is_locked=FALSE, locked_by=NULL, locked_session_id=NULL,
		    locked_at=NULL, lock_expires_at=NULL
		WHERE id=$1 AND locked_by=$2
	`, chapterID, userID)
	if err != nil {
		return false, fmt.Errorf("release chapter lock by user: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// ClearExpiredChapterLock persists the lazy-expiry normalization performed by
// read paths. The guard keeps it from racing a fresh lease.
func (s *PostgresStore) ClearExpiredChapterLock(ctx context.Context, chapterID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE chapters
		SET is_locked=FALSE, locked_by=NULL, locked_session_id=NULL,
		    locked_at=NULL, lock_expires_at=NULL
		WHERE id=$1 AND is_locked=TRUE AND lock_expires_at <= NOW()
	`, chapterID)
	if err != nil {
		return false, fmt.Errorf("clear expired chapter lock: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// ReleaseChapterLocksHeldBy sweeps every lock held by the user, regardless of
// session id, and returns the affected chapters. Used on disconnect.
func (s *PostgresStore) ReleaseChapterLocksHeldBy(ctx context.Context, userID string) ([]Chapter, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE chapters
		SET is_locked=FALSE, locked_by=NULL, locked_session_id=NULL,
		    locked_at=NULL, lock_expires_at=NULL
		WHERE is_locked=TRUE AND locked_by=$1
		RETURNING id, story_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("release locks held by user: %w", err)
	}
	defer rows.Close()

	items := make([]Chapter, 0)
	for rows.Next() {
		var chapter Chapter
		if err := rows.Scan(&chapter.ID, &chapter.StoryID); err != nil {
			return nil, fmt.Errorf("scan released chapter: %w", err)
		}
		items = append(items, chapter)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate released chapters: %w", err)
	}
	return items, nil
}

// ---------------------------------------------------------------------------

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	value := v.String
	return &value
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	value := v.Time
	return &value
}

// IsNotFound reports whether err is the store's row-missing error.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
