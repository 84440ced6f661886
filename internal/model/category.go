package model

import (
	"fmt"
	"sort"
	"time"
)

// CategoryType indicates whether a category is for income, expense, or system use.
type CategoryType string

const (
	// CategoryTypeIncome represents categories for income transactions.
	CategoryTypeIncome CategoryType = "income"
	// CategoryTypeExpense represents categories for expense transactions.
	CategoryTypeExpense CategoryType = "expense"
	// CategoryTypeSystem represents system-managed categories (e.g., the fallback).
	CategoryTypeSystem CategoryType = "system"
)

// CategorySource records which rule assigned a record's category.
type CategorySource string

// Category sources. The zero value means no category was assigned.
const (
	CategorySourceNone     CategorySource = ""
	CategorySourceManual   CategorySource = "manual"
	CategorySourceHistory  CategorySource = "history"
	CategorySourceKeyword  CategorySource = "keyword"
	CategorySourceFallback CategorySource = "fallback"
)

// Category represents a spending or income category.
// A category with an empty UserID is a shared default.
type Category struct {
	CreatedAt time.Time
	ParentID  *int64
	Name      string
	UserID    string
	Type      CategoryType
	Keywords  []string
	ID        int64
	IsActive  bool
}

// IsIncome reports whether the category only applies to incoming money.
func (c *Category) IsIncome() bool {
	return c.Type == CategoryTypeIncome
}

// CategoryTree is an arena of categories indexed by id with parent links.
type CategoryTree struct {
	nodes    map[int64]*Category
	children map[int64][]int64
}

// NewCategoryTree builds a tree from a flat category list.
// It does not validate; call Validate before trusting parent links.
func NewCategoryTree(categories []Category) *CategoryTree {
	t := &CategoryTree{
		nodes:    make(map[int64]*Category, len(categories)),
		children: make(map[int64][]int64),
	}
	for i := range categories {
		c := categories[i]
		t.nodes[c.ID] = &c
	}
	for id, c := range t.nodes {
		if c.ParentID != nil {
			t.children[*c.ParentID] = append(t.children[*c.ParentID], id)
		}
	}
	for parent := range t.children {
		sort.Slice(t.children[parent], func(i, j int) bool {
			return t.children[parent][i] < t.children[parent][j]
		})
	}
	return t
}

// Get returns the category with id.
func (t *CategoryTree) Get(id int64) (*Category, bool) {
	c, ok := t.nodes[id]
	return c, ok
}

// Len returns the number of categories in the tree.
func (t *CategoryTree) Len() int {
	return len(t.nodes)
}

// All returns the categories ordered by id.
func (t *CategoryTree) All() []*Category {
	out := make([]*Category, 0, len(t.nodes))
	for _, c := range t.nodes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Children returns the ids of the direct children of id.
func (t *CategoryTree) Children(id int64) []int64 {
	return t.children[id]
}

// HasChildren reports whether any category names id as its parent.
func (t *CategoryTree) HasChildren(id int64) bool {
	return len(t.children[id]) > 0
}

// Depth returns the number of ancestors of id. Roots have depth 0.
// A cycle or dangling parent stops the walk.
func (t *CategoryTree) Depth(id int64) int {
	depth := 0
	seen := map[int64]bool{id: true}
	c, ok := t.nodes[id]
	for ok && c.ParentID != nil {
		parent := *c.ParentID
		if seen[parent] {
			break
		}
		seen[parent] = true
		c, ok = t.nodes[parent]
		if !ok {
			break
		}
		depth++
	}
	return depth
}

// Path returns the names from the root down to id, joined by " > ".
func (t *CategoryTree) Path(id int64) string {
	c, ok := t.nodes[id]
	if !ok {
		return ""
	}
	path := c.Name
	seen := map[int64]bool{id: true}
	for c.ParentID != nil && !seen[*c.ParentID] {
		seen[*c.ParentID] = true
		parent, ok := t.nodes[*c.ParentID]
		if !ok {
			break
		}
		path = parent.Name + " > " + path
		c = parent
	}
	return path
}

// WouldCycle reports whether setting the parent of id to parentID would
// create a cycle.
func (t *CategoryTree) WouldCycle(id, parentID int64) bool {
	if id == parentID {
		return true
	}
	seen := make(map[int64]bool)
	current := parentID
	for {
		if current == id {
			return true
		}
		if seen[current] {
			// Existing cycle above parentID, not through id.
			return false
		}
		seen[current] = true
		c, ok := t.nodes[current]
		if !ok || c.ParentID == nil {
			return false
		}
		current = *c.ParentID
	}
}

// Validate checks that every parent exists and that no cycle exists.
func (t *CategoryTree) Validate() error {
	for _, c := range t.All() {
		if c.ParentID == nil {
			continue
		}
		if _, ok := t.nodes[*c.ParentID]; !ok {
			return fmt.Errorf("category %d (%s) has missing parent %d", c.ID, c.Name, *c.ParentID)
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[int64]int, len(t.nodes))
	for _, c := range t.All() {
		if state[c.ID] == done {
			continue
		}
		var chain []int64
		current := c.ID
		for {
			if state[current] == done {
				break
			}
			if state[current] == visiting {
				return fmt.Errorf("category %d (%s) is part of a parent cycle", current, t.nodes[current].Name)
			}
			state[current] = visiting
			chain = append(chain, current)
			node := t.nodes[current]
			if node.ParentID == nil {
				break
			}
			current = *node.ParentID
		}
		for _, id := range chain {
			state[id] = done
		}
	}
	return nil
}
