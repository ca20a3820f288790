package prd

import (
	"sort"
	"strings"
)

// Node is one story's entry in a dependency graph.
type Node struct {
	StoryID       string   `json:"storyId"`
	Prerequisites []string `json:"prerequisites"`
}

// Graph maps story id to its inferred prerequisites.
type Graph map[string]Node

// dependencyPhrases introduce a prerequisite when followed by another
// story's title.
var dependencyPhrases = []string{"after", "depends on", "requires", "following", "once"}

// notePrefixes introduce a prerequisite title inside a story's notes.
var notePrefixes = []string{"prerequisite:", "depends:"}

// AnalyzeDependencies infers prerequisites by scanning each story's text for
// other stories' ids and for phrases naming their titles. The result is
// advisory: it may contain false positives and cycles, and nothing in the
// build loop consults it.
func AnalyzeDependencies(stories []Story) Graph {
	graph := make(Graph, len(stories))

	for _, s := range stories {
		text := strings.ToLower(strings.Join([]string{
			s.Title,
			s.Description,
			strings.Join(s.AcceptanceCriteria, "\n"),
			s.Notes,
		}, "\n"))
		notes := strings.ToLower(s.Notes)

		prereqs := map[string]struct{}{}
		for _, other := range stories {
			if other.ID == s.ID {
				continue
			}
			if references(text, notes, other) {
				prereqs[other.ID] = struct{}{}
			}
		}

		ids := make([]string, 0, len(prereqs))
		for id := range prereqs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		graph[s.ID] = Node{StoryID: s.ID, Prerequisites: ids}
	}
	return graph
}

func references(text, notes string, other Story) bool {
	if id := strings.ToLower(other.ID); id != "" && containsID(text, id) {
		return true
	}

	title := strings.ToLower(strings.TrimSpace(other.Title))
	if title == "" {
		return false
	}
	for _, phrase := range dependencyPhrases {
		if strings.Contains(text, phrase+" "+title) {
			return true
		}
	}
	for _, prefix := range notePrefixes {
		if strings.Contains(notes, prefix+" "+title) || strings.Contains(notes, prefix+title) {
			return true
		}
	}
	return false
}

// containsID reports whether id occurs in text as a whole token, so US-1
// does not match inside US-10.
func containsID(text, id string) bool {
	for from := 0; ; {
		i := strings.Index(text[from:], id)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(id)
		if (start == 0 || !isIDByte(text[start-1])) && (end == len(text) || !isIDByte(text[end])) {
			return true
		}
		from = start + 1
	}
}

func isIDByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' || c == '_'
}

// DependentsOf returns, sorted, the ids of stories that list storyID as a
// prerequisite.
func (g Graph) DependentsOf(storyID string) []string {
	out := []string{}
	for id, node := range g {
		for _, p := range node.Prerequisites {
			if p == storyID {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}
