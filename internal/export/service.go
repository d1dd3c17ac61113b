package export

import (
	"context"
	"fmt"

	"inkwell/api/internal/store"
)

// DataStore defines the data access the exporter needs.
type DataStore interface {
	GetStory(ctx context.Context, id string) (store.Story, error)
	ListChaptersByStory(ctx context.Context, storyID string) ([]store.Chapter, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
}

// Service renders stories to PDF.
type Service struct {
	store DataStore
}

func NewService(st DataStore) *Service {
	return &Service{store: st}
}

// Export renders the story's main line in chapter order, with each chapter's
// branches nested beneath it, and converts the result to PDF.
func (s *Service) Export(ctx context.Context, storyID string) (*Result, error) {
	story, err := s.store.GetStory(ctx, storyID)
	if err != nil {
		return nil, fmt.Errorf("get story: %w", err)
	}

	authorName := ""
	if author, err := s.store.GetUserByID(ctx, story.AuthorID); err == nil {
		authorName = author.Name
	}

	chapters, err := s.store.ListChaptersByStory(ctx, storyID)
	if err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}

	data := TemplateData{
		Title:       story.Title,
		Description: story.Description,
		AuthorName:  authorName,
		UpdatedAt:   story.UpdatedAt,
		Chapters:    buildChapterTree(chapters),
	}

	html, err := RenderStoryHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	return exportPDF(html, story.Title)
}

// buildChapterTree splits the flat chapter list into main-line chapters and
// nests branches under their parents. Branches whose parent is missing are
// dropped rather than surfacing as orphan chapters.
func buildChapterTree(chapters []store.Chapter) []TemplateChapter {
	byParent := map[string][]TemplateBranch{}
	for _, c := range chapters {
		if !c.IsBranch || c.ParentChapter == nil {
			continue
		}
		byParent[*c.ParentChapter] = append(byParent[*c.ParentChapter], TemplateBranch{
			Title:   c.Title,
			Content: c.Content,
		})
	}

	var out []TemplateChapter
	for _, c := range chapters {
		if c.IsBranch {
			continue
		}
		out = append(out, TemplateChapter{
			Title:    c.Title,
			Content:  c.Content,
			Order:    c.Order,
			Branches: byParent[c.ID],
		})
	}
	return out
}
