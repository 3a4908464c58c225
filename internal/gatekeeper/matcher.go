// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package gatekeeper

// matcher is an Aho-Corasick automaton over bytes. It finds any of its
// patterns in O(n) whatever their number, and keeps its position between
// Feed calls so a stream can be matched chunk by chunk without overlap
// buffers. A matcher is immutable once built; each scan owns a matchState.
type matcher struct {
	root     *acNode
	patterns [][]byte
}

type acNode struct {
	children map[byte]*acNode
	failure  *acNode
	// output holds the index of the shortest pattern ending here, or -1.
	output int
}

func newACNode() *acNode {
	return &acNode{children: make(map[byte]*acNode), output: -1}
}

// newMatcher builds the automaton. Empty patterns are ignored.
func newMatcher(patterns [][]byte) *matcher {
	m := &matcher{root: newACNode()}
	for _, p := range patterns {
		if len(p) == 0 {
			continue
		}
		m.insert(len(m.patterns), p)
		m.patterns = append(m.patterns, p)
	}
	m.buildFailureLinks()
	return m
}

func (m *matcher) insert(index int, pattern []byte) {
	node := m.root
	for _, b := range pattern {
		next := node.children[b]
		if next == nil {
			next = newACNode()
			node.children[b] = next
		}
		node = next
	}
	if node.output < 0 {
		node.output = index
	}
}

// buildFailureLinks runs a BFS from the root so every node's failure link
// points at its longest proper suffix present in the trie.
func (m *matcher) buildFailureLinks() {
	queue := make([]*acNode, 0, len(m.root.children))
	for _, child := range m.root.children {
		child.failure = m.root
		queue = append(queue, child)
	}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for b, child := range current.children {
			queue = append(queue, child)

			fail := current.failure
			for fail != nil && fail.children[b] == nil {
				fail = fail.failure
			}
			if fail == nil {
				child.failure = m.root
			} else {
				child.failure = fail.children[b]
			}
			if child.output < 0 {
				child.output = child.failure.output
			}
		}
	}
}

// Len is the number of patterns.
func (m *matcher) Len() int { return len(m.patterns) }

// matchState is the scan position inside a matcher.
type matchState struct {
	m    *matcher
	node *acNode
}

func (m *matcher) start() *matchState {
	return &matchState{m: m, node: m.root}
}

// Feed advances over p and returns the first pattern completed, if any.
func (s *matchState) Feed(p []byte) ([]byte, bool) {
	root := s.m.root
	node := s.node
	for _, b := range p {
		for node != root && node.children[b] == nil {
			node = node.failure
		}
		if next := node.children[b]; next != nil {
			node = next
		}
		if node.output >= 0 {
			s.node = node
			return s.m.patterns[node.output], true
		}
	}
	s.node = node
	return nil, false
}
