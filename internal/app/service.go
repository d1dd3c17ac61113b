package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"inkwell/api/internal/auth"
	"inkwell/api/internal/authpw"
	"inkwell/api/internal/config"
	"inkwell/api/internal/covers"
	"inkwell/api/internal/export"
	"inkwell/api/internal/lock"
	"inkwell/api/internal/store"
	"inkwell/api/internal/util"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	ExpiresAt time.Time
}

type dataStore interface {
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	InsertStory(ctx context.Context, story store.Story) error
	GetStory(ctx context.Context, storyID string) (store.Story, error)
	AddStoryCollaborator(ctx context.Context, storyID, userID string) (bool, error)
	ListStoriesForUser(ctx context.Context, userID string, published bool) ([]store.Story, error)
	ListPublishedStories(ctx context.Context) ([]store.Story, error)
	SetStoryPublished(ctx context.Context, storyID string, published bool) error
	UpdateStoryCover(ctx context.Context, storyID, url, key string) error
	InsertChapter(ctx context.Context, chapter store.Chapter) error
	GetChapter(ctx context.Context, chapterID string) (store.Chapter, error)
	ListChaptersByStory(ctx context.Context, storyID string) ([]store.Chapter, error)
	CountChaptersByStory(ctx context.Context, storyID string) (int, error)
	TitleTaken(ctx context.Context, storyID, title, excludeID string) (bool, error)
	UpdateChapterContent(ctx context.Context, chapterID, content, editorID string) error
	RenameChapter(ctx context.Context, chapterID, title string) error
	DeleteChapter(ctx context.Context, chapterID string) error
	DeleteChapterBranches(ctx context.Context, chapterID string) (int, error)
	Ping(ctx context.Context) error
}

type storyExporter interface {
	Export(ctx context.Context, storyID string) (*export.Result, error)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	locks     *lock.Manager
	passwords *authpw.Service
	covers    covers.Storage
	exporter  storyExporter
}

func New(cfg config.Config, dataStore *store.PostgresStore, locks *lock.Manager, passwords *authpw.Service, coverStorage covers.Storage, exporter *export.Service) *Service {
	svc := &Service{
		cfg:       cfg,
		store:     dataStore,
		locks:     locks,
		passwords: passwords,
		covers:    coverStorage,
	}
	if exporter != nil {
		svc.exporter = exporter
	}
	return svc
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- sessions ---

func (s *Service) Register(ctx context.Context, name, email, password string) (Session, error) {
	user, err := s.passwords.Register(ctx, authpw.RegisterRequest{Name: name, Email: email, Password: password})
	if err != nil {
		if errors.Is(err, authpw.ErrEmailTaken) {
			return Session{}, domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
		}
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return s.issueSession(user)
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	user, err := s.passwords.Login(ctx, email, password)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	return s.issueSession(user)
}

func (s *Service) issueSession(user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.Name,
		JTI:  util.NewID("jti"),
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Name,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// --- stories ---

// canWriteStory is the single write-permission rule: the author and every
// collaborator may mutate the story's chapters.
func canWriteStory(story store.Story, userID string) bool {
	if story.AuthorID == userID {
		return true
	}
	for _, id := range story.Collaborators {
		if id == userID {
			return true
		}
	}
	return false
}

func (s *Service) CreateStory(ctx context.Context, session Session, title, description string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}

	story := store.Story{
		ID:          util.NewID("story"),
		Title:       title,
		Description: strings.TrimSpace(description),
		AuthorID:    session.UserID,
	}
	if err := s.store.InsertStory(ctx, story); err != nil {
		return nil, err
	}

	created, err := s.store.GetStory(ctx, story.ID)
	if err != nil {
		return nil, err
	}
	return storyPayload(created, true), nil
}

func (s *Service) ListOngoingStories(ctx context.Context, session Session) ([]map[string]any, error) {
	stories, err := s.store.ListStoriesForUser(ctx, session.UserID, false)
	if err != nil {
		return nil, err
	}
	return storyListPayload(stories, session.UserID), nil
}

func (s *Service) ListPublishedStories(ctx context.Context, session Session) ([]map[string]any, error) {
	stories, err := s.store.ListStoriesForUser(ctx, session.UserID, true)
	if err != nil {
		return nil, err
	}
	return storyListPayload(stories, session.UserID), nil
}

// ListPublicStories returns every published story, for readers without any
// relation to the story. Collaborator lists are never exposed here.
func (s *Service) ListPublicStories(ctx context.Context) ([]map[string]any, error) {
	stories, err := s.store.ListPublishedStories(ctx)
	if err != nil {
		return nil, err
	}
	return storyListPayload(stories, ""), nil
}

func (s *Service) AddCollaborator(ctx context.Context, session Session, storyID, email string) (map[string]any, error) {
	story, err := s.store.GetStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if story.AuthorID != session.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the author can add collaborators", nil)
	}

	user, err := s.store.GetUserByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if store.IsNotFound(err) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "No user with that email", nil)
		}
		return nil, err
	}
	if user.ID == story.AuthorID {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "The author is already on the story", nil)
	}

	added, err := s.store.AddStoryCollaborator(ctx, storyID, user.ID)
	if err != nil {
		return nil, err
	}
	if !added {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "User is already a collaborator", nil)
	}

	updated, err := s.store.GetStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	return storyPayload(updated, true), nil
}

func (s *Service) SetStoryPublished(ctx context.Context, session Session, storyID string, published bool) (map[string]any, error) {
	story, err := s.store.GetStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if story.AuthorID != session.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the author can publish", nil)
	}
	if err := s.store.SetStoryPublished(ctx, storyID, published); err != nil {
		return nil, err
	}
	story.IsPublished = published
	return storyPayload(story, true), nil
}

func (s *Service) UploadCover(ctx context.Context, session Session, storyID, filename, contentType string, body io.Reader, size int64) (map[string]any, error) {
	if s.covers == nil {
		return nil, domainError(http.StatusServiceUnavailable, "COVERS_UNAVAILABLE", "Cover storage not configured", nil)
	}
	story, err := s.store.GetStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if story.AuthorID != session.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the author can change the cover", nil)
	}

	url, key, err := s.covers.Put(ctx, storyID, filename, contentType, body, size)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	if err := s.store.UpdateStoryCover(ctx, storyID, url, key); err != nil {
		return nil, err
	}
	// Best effort: the new cover is already live.
	if story.CoverImageKey != "" {
		_ = s.covers.Remove(ctx, story.CoverImageKey)
	}
	return map[string]any{"coverImage": url}, nil
}

func (s *Service) ExportStoryPDF(ctx context.Context, session Session, storyID string) (*export.Result, error) {
	story, err := s.store.GetStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if !story.IsPublished && !canWriteStory(story, session.UserID) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if s.exporter == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF export not configured", nil)
	}
	result, err := s.exporter.Export(ctx, storyID)
	if err != nil {
		if errors.Is(err, export.ErrPDFDependencyMissing) {
			return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF export not available", nil)
		}
		return nil, err
	}
	return result, nil
}

// --- chapters ---

func (s *Service) CreateChapter(ctx context.Context, session Session, storyID, title string, parentChapterID *string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}

	story, err := s.store.GetStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if !canWriteStory(story, session.UserID) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	if parentChapterID != nil && *parentChapterID != "" {
		parent, err := s.store.GetChapter(ctx, *parentChapterID)
		if err != nil {
			if store.IsNotFound(err) {
				return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Parent chapter not found", nil)
			}
			return nil, err
		}
		if parent.StoryID != storyID {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Parent chapter belongs to a different story", nil)
		}
		// Branching is one level deep: a branch cannot be branched again.
		if parent.IsBranch {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Branches cannot have branches", nil)
		}
	} else {
		parentChapterID = nil
	}

	taken, err := s.store.TitleTaken(ctx, storyID, title, "")
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "A chapter with that title already exists", nil)
	}

	count, err := s.store.CountChaptersByStory(ctx, storyID)
	if err != nil {
		return nil, err
	}

	chapter := store.Chapter{
		ID:            util.NewID("ch"),
		Title:         title,
		StoryID:       storyID,
		CreatedBy:     session.UserID,
		ParentChapter: parentChapterID,
		IsBranch:      parentChapterID != nil,
		Order:         count + 1,
	}
	if err := s.store.InsertChapter(ctx, chapter); err != nil {
		return nil, err
	}

	created, err := s.store.GetChapter(ctx, chapter.ID)
	if err != nil {
		return nil, err
	}
	return chapterPayload(created, true), nil
}

// Sidebar returns the story's chapters in order with current lock state.
// Lapsed leases are presented as unlocked; persistence of the clear is left
// to the single-chapter read and acquire paths.
func (s *Service) Sidebar(ctx context.Context, session Session, storyID string) ([]map[string]any, error) {
	story, err := s.store.GetStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if !canWriteStory(story, session.UserID) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	chapters, err := s.store.ListChaptersByStory(ctx, storyID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	payload := make([]map[string]any, 0, len(chapters))
	for _, chapter := range chapters {
		normalized, _ := lock.Normalized(chapter, now)
		payload = append(payload, chapterPayload(normalized, false))
	}
	return payload, nil
}

func (s *Service) ChapterContent(ctx context.Context, session Session, chapterID string) (map[string]any, error) {
	chapter, err := s.store.GetChapter(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	story, err := s.store.GetStory(ctx, chapter.StoryID)
	if err != nil {
		return nil, err
	}
	if !canWriteStory(story, session.UserID) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	// Reading content is where stale leases get cleaned up for good.
	chapter, err = s.locks.Normalize(ctx, chapter)
	if err != nil {
		return nil, err
	}
	return chapterPayload(chapter, true), nil
}

func (s *Service) SaveChapterContent(ctx context.Context, session Session, chapterID, content string) (map[string]any, error) {
	chapter, err := s.store.GetChapter(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	story, err := s.store.GetStory(ctx, chapter.StoryID)
	if err != nil {
		return nil, err
	}
	if !canWriteStory(story, session.UserID) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if !s.locks.CanEdit(chapter, session.UserID) {
		return nil, lockConflict(chapter)
	}

	if err := s.store.UpdateChapterContent(ctx, chapterID, content, session.UserID); err != nil {
		return nil, err
	}
	updated, err := s.store.GetChapter(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	return chapterPayload(updated, true), nil
}

func (s *Service) RenameChapter(ctx context.Context, session Session, chapterID, title string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}

	chapter, err := s.store.GetChapter(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	story, err := s.store.GetStory(ctx, chapter.StoryID)
	if err != nil {
		return nil, err
	}
	if !canWriteStory(story, session.UserID) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if !s.locks.CanEdit(chapter, session.UserID) {
		return nil, lockConflict(chapter)
	}

	taken, err := s.store.TitleTaken(ctx, chapter.StoryID, title, chapterID)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "A chapter with that title already exists", nil)
	}

	if err := s.store.RenameChapter(ctx, chapterID, title); err != nil {
		return nil, err
	}
	updated, err := s.store.GetChapter(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	return chapterPayload(updated, true), nil
}

// DeleteChapter removes a chapter. A top-level chapter takes its branches
// with it; surviving chapters keep their order values.
func (s *Service) DeleteChapter(ctx context.Context, session Session, chapterID string) (map[string]any, error) {
	chapter, err := s.store.GetChapter(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	story, err := s.store.GetStory(ctx, chapter.StoryID)
	if err != nil {
		return nil, err
	}
	if !canWriteStory(story, session.UserID) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if !s.locks.CanEdit(chapter, session.UserID) {
		return nil, lockConflict(chapter)
	}

	deletedBranches := 0
	if !chapter.IsBranch {
		deletedBranches, err = s.store.DeleteChapterBranches(ctx, chapterID)
		if err != nil {
			return nil, err
		}
	}
	if err := s.store.DeleteChapter(ctx, chapterID); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": true, "deletedBranches": deletedBranches}, nil
}

func (s *Service) LockChapter(ctx context.Context, session Session, chapterID string) (map[string]any, error) {
	chapter, err := s.store.GetChapter(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	story, err := s.store.GetStory(ctx, chapter.StoryID)
	if err != nil {
		return nil, err
	}
	if !canWriteStory(story, session.UserID) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	locked, err := s.locks.Acquire(ctx, chapterID, session.UserID, util.NewID("api"))
	if err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			return nil, domainError(http.StatusLocked, "LOCKED", "Chapter is locked by another user", map[string]any{
				"lockedBy": map[string]any{"id": held.HolderID, "name": held.HolderName},
			})
		}
		return nil, err
	}
	return chapterPayload(locked, false), nil
}

func (s *Service) UnlockChapter(ctx context.Context, session Session, chapterID string) (map[string]any, error) {
	chapter, err := s.locks.ReleaseByUser(ctx, chapterID, session.UserID)
	if err != nil {
		if errors.Is(err, lock.ErrNotHolder) {
			return nil, domainError(http.StatusForbidden, "FORBIDDEN", "You're not allowed to unlock this chapter", nil)
		}
		return nil, err
	}
	return chapterPayload(chapter, false), nil
}

// --- public read surface ---

func (s *Service) PublicSidebar(ctx context.Context, storyID string) ([]map[string]any, error) {
	story, err := s.store.GetStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if !story.IsPublished {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}

	chapters, err := s.store.ListChaptersByStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(chapters))
	for _, chapter := range chapters {
		payload = append(payload, publicChapterPayload(chapter, false))
	}
	return payload, nil
}

func (s *Service) PublicChapterContent(ctx context.Context, chapterID string) (map[string]any, error) {
	chapter, err := s.store.GetChapter(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	story, err := s.store.GetStory(ctx, chapter.StoryID)
	if err != nil {
		return nil, err
	}
	if !story.IsPublished {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	return publicChapterPayload(chapter, true), nil
}

// --- payload shaping ---

func lockConflict(chapter store.Chapter) *DomainError {
	details := map[string]any{}
	if chapter.LockedBy != nil {
		details["lockedBy"] = map[string]any{"id": *chapter.LockedBy, "name": chapter.LockedByName}
	}
	return domainError(http.StatusLocked, "LOCKED", "Chapter is locked by another user", details)
}

func storyPayload(story store.Story, includeCollaborators bool) map[string]any {
	payload := map[string]any{
		"id":          story.ID,
		"title":       story.Title,
		"description": story.Description,
		"author":      story.AuthorID,
		"coverImage":  story.CoverImageURL,
		"isPublished": story.IsPublished,
		"createdAt":   story.CreatedAt,
		"updatedAt":   story.UpdatedAt,
	}
	if includeCollaborators {
		payload["collaborators"] = story.Collaborators
	}
	return payload
}

// storyListPayload exposes collaborator lists only to the story's author.
func storyListPayload(stories []store.Story, viewerID string) []map[string]any {
	payload := make([]map[string]any, 0, len(stories))
	for _, story := range stories {
		payload = append(payload, storyPayload(story, viewerID != "" && story.AuthorID == viewerID))
	}
	return payload
}

func chapterPayload(chapter store.Chapter, includeContent bool) map[string]any {
	payload := map[string]any{
		"id":            chapter.ID,
		"title":         chapter.Title,
		"story":         chapter.StoryID,
		"order":         chapter.Order,
		"isBranch":      chapter.IsBranch,
		"parentChapter": chapter.ParentChapter,
		"isLocked":      chapter.IsLocked,
		"lockedAt":      chapter.LockedAt,
		"lockExpiresAt": chapter.LockExpiresAt,
	}
	if chapter.LockedBy != nil {
		payload["lockedBy"] = map[string]any{"id": *chapter.LockedBy, "name": chapter.LockedByName}
	} else {
		payload["lockedBy"] = nil
	}
	if includeContent {
		payload["content"] = chapter.Content
		payload["lastEditedBy"] = chapter.LastEditedBy
	}
	return payload
}

// publicChapterPayload hides lock metadata from unauthenticated readers.
func publicChapterPayload(chapter store.Chapter, includeContent bool) map[string]any {
	payload := map[string]any{
		"id":            chapter.ID,
		"title":         chapter.Title,
		"story":         chapter.StoryID,
		"order":         chapter.Order,
		"isBranch":      chapter.IsBranch,
		"parentChapter": chapter.ParentChapter,
	}
	if includeContent {
		payload["content"] = chapter.Content
	}
	return payload
}
