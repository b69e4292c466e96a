package wiki

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strings"
)

// Outline is the wiki structure requested from the model. It never contains
// the quick-start section; that one is assembled by the generator itself.
type Outline struct {
	Title    string
	Sections []OutlineSection
}

type OutlineSection struct {
	Title string
	Pages []OutlinePage
}

type OutlinePage struct {
	Title         string
	Importance    string
	RelevantFiles []string
}

var wikiStructureRe = regexp.MustCompile(`(?s)<wiki_structure>.*</wiki_structure>`)

type xmlOutline struct {
	XMLName  xml.Name `xml:"wiki_structure"`
	Title    string   `xml:"title"`
	Sections []struct {
		Title string `xml:"title"`
		Pages []struct {
			Title         string `xml:"title"`
			Importance    string `xml:"importance"`
			RelevantFiles struct {
				Files []string `xml:"file"`
			} `xml:"relevant_files"`
		} `xml:"page"`
	} `xml:"sections>section"`
}

// ParseOutline extracts the <wiki_structure> element from model output that
// may be wrapped in prose or code fences. Any shape problem is an error; the
// caller substitutes the default outline.
func ParseOutline(raw string) (*Outline, error) {
	match := wikiStructureRe.FindString(raw)
	if match == "" {
		return nil, fmt.Errorf("no wiki_structure element in response")
	}
	var parsed xmlOutline
	if err := xml.Unmarshal([]byte(match), &parsed); err != nil {
		return nil, fmt.Errorf("decode wiki_structure: %w", err)
	}
	out := &Outline{Title: strings.TrimSpace(parsed.Title)}
	for _, sec := range parsed.Sections {
		section := OutlineSection{Title: strings.TrimSpace(sec.Title)}
		for _, p := range sec.Pages {
			page := OutlinePage{
				Title:      strings.TrimSpace(p.Title),
				Importance: normalizeImportance(p.Importance),
			}
			for _, f := range p.RelevantFiles.Files {
				if f = strings.TrimSpace(f); f != "" {
					page.RelevantFiles = append(page.RelevantFiles, f)
				}
			}
			if page.Title != "" {
				section.Pages = append(section.Pages, page)
			}
		}
		if section.Title != "" && len(section.Pages) > 0 {
			out.Sections = append(out.Sections, section)
		}
	}
	if len(out.Sections) == 0 {
		return nil, fmt.Errorf("wiki_structure has no usable sections")
	}
	return out, nil
}

func normalizeImportance(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return "high"
	case "low":
		return "low"
	default:
		return "medium"
	}
}

// DefaultOutline is the fallback when the model's outline cannot be parsed:
// one section covering the most relevant files.
func DefaultOutline(repoName string, topFiles []string) *Outline {
	files := topFiles
	if len(files) > 20 {
		files = files[:20]
	}
	return &Outline{
		Title: repoName,
		Sections: []OutlineSection{{
			Title: "Overview",
			Pages: []OutlinePage{{
				Title:         "Codebase Overview",
				Importance:    "high",
				RelevantFiles: files,
			}},
		}},
	}
}
