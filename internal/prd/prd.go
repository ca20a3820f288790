// Package prd reads and writes a project's product requirements document
// (the ordered list of user stories a build works through) and derives
// advisory metadata from it.
package prd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/tailscale/hujson"

	"github.com/p-blackswan/storyforge/internal/build"
	perrors "github.com/p-blackswan/storyforge/internal/errors"
)

// Dir is the per-project metadata directory.
const Dir = ".ideate"

// FileName is the PRD file inside Dir.
const FileName = "prd.json"

// Story is one user story. Priority is dense, 1..N, lowest runs first.
type Story struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`
	Priority           int      `json:"priority"`
	Passes             bool     `json:"passes"`
	Status             *string  `json:"status,omitempty"`
	Notes              string   `json:"notes"`
}

// PRD is the document stored at .ideate/prd.json.
type PRD struct {
	Project     *string `json:"project,omitempty"`
	BranchName  *string `json:"branchName,omitempty"`
	Description *string `json:"description,omitempty"`
	UserStories []Story `json:"userStories"`
}

// Path returns the PRD location for a project directory.
func Path(projectPath string) string {
	return filepath.Join(projectPath, Dir, FileName)
}

// Load reads the project's PRD. Comments and trailing commas, which agents
// tend to leave behind, are tolerated. A missing file yields ErrNotFound.
func Load(projectPath string) (*PRD, error) {
	data, err := os.ReadFile(Path(projectPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("prd for %s: %w", projectPath, perrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read prd.json: %w", err)
	}

	std, err := standardize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse prd.json: %w", err)
	}
	var doc PRD
	if err := json.Unmarshal(std, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse prd.json: %w", err)
	}
	if doc.UserStories == nil {
		doc.UserStories = []Story{}
	}
	return &doc, nil
}

// Save writes the PRD, creating the metadata directory if needed. The file is
// replaced atomically.
func Save(projectPath string, doc *PRD) error {
	dir := filepath.Join(projectPath, Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", Dir, err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize prd: %w", err)
	}

	tmp, err := os.CreateTemp(dir, FileName+".*")
	if err != nil {
		return fmt.Errorf("failed to write prd.json: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write prd.json: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write prd.json: %w", err)
	}
	if err := os.Rename(tmp.Name(), Path(projectPath)); err != nil {
		return fmt.Errorf("failed to write prd.json: %w", err)
	}
	return nil
}

// Find returns the story with the given id.
func (d *PRD) Find(storyID string) (*Story, bool) {
	for i := range d.UserStories {
		if d.UserStories[i].ID == storyID {
			return &d.UserStories[i], true
		}
	}
	return nil, false
}

// MarkPassed sets passes on a story. It reports whether the story exists.
func (d *PRD) MarkPassed(storyID string, passes bool) bool {
	s, ok := d.Find(storyID)
	if !ok {
		return false
	}
	s.Passes = passes
	return true
}

// ByPriority returns a copy of stories sorted by priority. Ties keep their
// document order.
func ByPriority(stories []Story) []Story {
	out := append([]Story(nil), stories...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// Reorder moves the story at index from to index to and renumbers every
// priority densely from 1 in the resulting order. The input is not modified.
func Reorder(stories []Story, from, to int) ([]Story, error) {
	n := len(stories)
	if from < 0 || from >= n || to < 0 || to >= n {
		return nil, fmt.Errorf("move %d -> %d in %d stories: %w", from, to, n, perrors.ErrInvalidInput)
	}

	out := make([]Story, 0, n)
	moved := stories[from]
	for i, s := range stories {
		if i != from {
			out = append(out, s)
		}
	}
	out = append(out[:to], append([]Story{moved}, out[to:]...)...)

	for i := range out {
		out[i].Priority = i + 1
	}
	return out, nil
}

// NextPending returns the highest-priority story the build should run next:
// the first, by priority, whose effective status is pending or in-progress.
// An in-progress story was interrupted and is picked up again.
func NextPending(stories []Story, state build.ProjectBuildState) (Story, bool) {
	for _, s := range ByPriority(stories) {
		switch state.EffectiveStatus(s.ID, s.Passes) {
		case build.StoryPending, build.StoryInProgress:
			return s, true
		}
	}
	return Story{}, false
}

// standardize turns JWCC (comments and trailing commas) into plain JSON.
func standardize(data []byte) ([]byte, error) {
	v, err := hujson.Parse(data)
	if err != nil {
		return nil, err
	}
	v.Standardize()
	return v.Pack(), nil
}
