package export

import (
	"strings"
	"testing"
	"time"

	"inkwell/api/internal/store"
)

func strPtr(s string) *string { return &s }

func TestBuildChapterTree(t *testing.T) {
	chapters := []store.Chapter{
		{ID: "ch_1", Title: "Arrival", Content: "It began.", Order: 1},
		{ID: "ch_2", Title: "Departure", Content: "It ended.", Order: 2},
		{ID: "ch_3", Title: "Arrival, but darker", Content: "Or did it?", IsBranch: true, ParentChapter: strPtr("ch_1")},
		{ID: "ch_4", Title: "Orphan", Content: "Parent gone.", IsBranch: true, ParentChapter: strPtr("ch_missing")},
	}

	tree := buildChapterTree(chapters)
	if len(tree) != 2 {
		t.Fatalf("got %d main-line chapters, want 2", len(tree))
	}
	if tree[0].Title != "Arrival" || tree[1].Title != "Departure" {
		t.Fatalf("main-line order wrong: %q, %q", tree[0].Title, tree[1].Title)
	}
	if len(tree[0].Branches) != 1 || tree[0].Branches[0].Title != "Arrival, but darker" {
		t.Fatalf("branch not nested under parent: %+v", tree[0].Branches)
	}
	if len(tree[1].Branches) != 0 {
		t.Fatalf("unexpected branches on second chapter: %+v", tree[1].Branches)
	}
}

func TestRenderStoryHTML(t *testing.T) {
	data := TemplateData{
		Title:       "The Long Rain",
		Description: "A story written in turns.",
		AuthorName:  "Ada",
		UpdatedAt:   time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC),
		Chapters: []TemplateChapter{
			{
				Title:   "First Drops",
				Content: "Line one.\nLine two.",
				Order:   1,
				Branches: []TemplateBranch{
					{Title: "A drier take", Content: "No rain at all."},
				},
			},
		},
	}

	html, err := RenderStoryHTML(data)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{
		"The Long Rain",
		"A story written in turns.",
		"by Ada",
		"Chapter 1: First Drops",
		"Branch: A drier take",
		"No rain at all.",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("rendered HTML missing %q", want)
		}
	}
}

func TestRenderStoryHTMLEscapesContent(t *testing.T) {
	data := TemplateData{
		Title:    "Safe",
		Chapters: []TemplateChapter{{Title: "One", Content: "<script>alert(1)</script>", Order: 1}},
	}
	html, err := RenderStoryHTML(data)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if strings.Contains(html, "<script>alert(1)</script>") {
		t.Fatal("chapter content was not escaped")
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"The Long Rain", "The-Long-Rain"},
		{"chapter: one?", "chapter-one"},
		{"", "story"},
		{"!!!", "story"},
	}
	for _, tt := range tests {
		if got := sanitizeFilename(tt.in); got != tt.want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"a b+c", "a%20b%2Bc"},
		// Non-ASCII runes must encode their UTF-8 bytes, not the code point.
		{"café", "caf%C3%A9"},
		{"日記", "%E6%97%A5%E8%A8%98"},
	}
	for _, tc := range cases {
		if got := percentEncodeForDataURL(tc.in); got != tc.want {
			t.Fatalf("percentEncodeForDataURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
