// Copyright 2026 The vIOMMU Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package iommu

// PageNode tracks one translation-table page's membership in a page list. A
// node is on at most one list at any time: its domain's live list, or one
// reclaim shard's deferred list, or none.
type PageNode struct {
	pageEntry
	pg Page
}

// Page returns the underlying physical page.
func (n *PageNode) Page() Page {
	return n.pg
}

// pageEntry implements the linkage used by pageList. It is embedded in
// PageNode so that list membership costs no additional allocations.
type pageEntry struct {
	next *PageNode
	prev *PageNode
}

// pageList is an intrusive list of PageNodes. Entries can be added to or
// removed from the list in O(1) time and with no additional memory
// allocations.
//
// The zero value for pageList is an empty list ready to use.
type pageList struct {
	head *PageNode
	tail *PageNode
}

// Reset resets list l to the empty state.
func (l *pageList) Reset() {
	l.head = nil
	l.tail = nil
}

// Empty returns true iff the list is empty.
func (l *pageList) Empty() bool {
	return l.head == nil
}

// Front returns the first node of list l or nil.
func (l *pageList) Front() *PageNode {
	return l.head
}

// PushBack inserts the node n at the back of list l.
func (l *pageList) PushBack(n *PageNode) {
	n.next = nil
	n.prev = l.tail
	if l.tail != nil {
		l.tail.next = n
	} else {
		l.head = n
	}
	l.tail = n
}

// PushBackList inserts list m at the end of list l, emptying m.
func (l *pageList) PushBackList(m *pageList) {
	if l.head == nil {
		l.head = m.head
		l.tail = m.tail
	} else if m.head != nil {
		l.tail.next = m.head
		m.head.prev = l.tail
		l.tail = m.tail
	}
	m.head = nil
	m.tail = nil
}

// Remove removes n from l.
func (l *pageList) Remove(n *PageNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else if l.head == n {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else if l.tail == n {
		l.tail = n.prev
	}
	n.next = nil
	n.prev = nil
}
