package allocator

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
	"sync"

	"matchboard/pkg/types"
)

var (
	ErrInvalidQuestion = errors.New("question requires id, title, category and a valid difficulty")
	ErrDuplicateID     = errors.New("question id already in catalog")
)

// Catalog is an in-memory question bank. Questions live only for the
// lifetime of the process.
type Catalog struct {
	mu        sync.RWMutex
	questions []types.Question
	ids       map[string]struct{}
	intn      func(n int) int
}

// NewCatalog builds a catalog from questions, rejecting invalid entries.
func NewCatalog(questions []types.Question) (*Catalog, error) {
	c := &Catalog{
		ids:  make(map[string]struct{}),
		intn: rand.IntN,
	}
	for _, q := range questions {
		if err := c.Add(q); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// LoadCatalog reads a JSON array of questions from path.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	var questions []types.Question
	if err := json.Unmarshal(data, &questions); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}
	return NewCatalog(questions)
}

// DefaultCatalog returns the built-in question set.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(seedQuestions)
	if err != nil {
		panic(fmt.Sprintf("built-in catalog is invalid: %v", err))
	}
	return c
}

// Add appends a question.
func (c *Catalog) Add(q types.Question) error {
	if q.ID == "" || strings.TrimSpace(q.Title) == "" || !types.IsValidCategory(q.Category) || !q.Difficulty.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidQuestion, q.ID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.ids[q.ID]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateID, q.ID)
	}
	c.ids[q.ID] = struct{}{}
	c.questions = append(c.questions, q)
	return nil
}

// Pick returns a random question for (category, difficulty). Without one it
// falls back to any question in the category, then to any question at all.
// The bool is false only when the catalog is empty.
func (c *Catalog) Pick(category string, difficulty types.Difficulty) (types.Question, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var exact, sameCategory []types.Question
	for _, q := range c.questions {
		if !strings.EqualFold(q.Category, category) {
			continue
		}
		sameCategory = append(sameCategory, q)
		if q.Difficulty == difficulty {
			exact = append(exact, q)
		}
	}

	for _, candidates := range [][]types.Question{exact, sameCategory, c.questions} {
		if len(candidates) > 0 {
			return candidates[c.intn(len(candidates))], true
		}
	}
	return types.Question{}, false
}

// Len returns the number of questions.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.questions)
}

// Categories lists the distinct categories in insertion order.
func (c *Catalog) Categories() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for _, q := range c.questions {
		if _, ok := seen[q.Category]; ok {
			continue
		}
		seen[q.Category] = struct{}{}
		out = append(out, q.Category)
	}
	return out
}

var seedQuestions = []types.Question{
	{ID: "arrays-1", Title: "Two Sum", Category: "Arrays", Difficulty: types.DifficultyEasy,
		Description: "Return the indices of the two numbers that add up to the target."},
	{ID: "arrays-2", Title: "Product of Array Except Self", Category: "Arrays", Difficulty: types.DifficultyMedium,
		Description: "Return an array where each element is the product of all other elements, without division."},
	{ID: "arrays-3", Title: "Trapping Rain Water", Category: "Arrays", Difficulty: types.DifficultyHard,
		Description: "Compute how much water an elevation map can trap after raining."},
	{ID: "strings-1", Title: "Valid Anagram", Category: "Strings", Difficulty: types.DifficultyEasy,
		Description: "Decide whether one string is a rearrangement of another."},
	{ID: "strings-2", Title: "Longest Substring Without Repeating Characters", Category: "Strings", Difficulty: types.DifficultyMedium,
		Description: "Find the length of the longest substring with all distinct characters."},
	{ID: "strings-3", Title: "Minimum Window Substring", Category: "Strings", Difficulty: types.DifficultyHard,
		Description: "Find the smallest window of s containing every character of t."},
	{ID: "graphs-1", Title: "Flood Fill", Category: "Graphs", Difficulty: types.DifficultyEasy,
		Description: "Recolor the connected region containing the starting pixel."},
	{ID: "graphs-2", Title: "Course Schedule", Category: "Graphs", Difficulty: types.DifficultyMedium,
		Description: "Decide whether every course can be finished given the prerequisite pairs."},
	{ID: "graphs-3", Title: "Word Ladder", Category: "Graphs", Difficulty: types.DifficultyHard,
		Description: "Find the length of the shortest transformation sequence between two words."},
	{ID: "trees-1", Title: "Maximum Depth of Binary Tree", Category: "Trees", Difficulty: types.DifficultyEasy,
		Description: "Return the number of nodes on the longest root-to-leaf path."},
	{ID: "trees-2", Title: "Validate Binary Search Tree", Category: "Trees", Difficulty: types.DifficultyMedium,
		Description: "Decide whether a binary tree satisfies the search tree ordering."},
	{ID: "trees-3", Title: "Serialize and Deserialize Binary Tree", Category: "Trees", Difficulty: types.DifficultyHard,
		Description: "Design an encoding that round-trips any binary tree."},
	{ID: "dp-1", Title: "Climbing Stairs", Category: "Dynamic Programming", Difficulty: types.DifficultyEasy,
		Description: "Count the distinct ways to climb n stairs taking one or two steps."},
	{ID: "dp-2", Title: "Coin Change", Category: "Dynamic Programming", Difficulty: types.DifficultyMedium,
		Description: "Find the fewest coins needed to make up an amount."},
	{ID: "dp-3", Title: "Edit Distance", Category: "Dynamic Programming", Difficulty: types.DifficultyHard,
		Description: "Find the minimum number of edits turning one word into another."},
}
