// Package numhash provides compact membership sets over numeric strings,
// used for the sender black- and white-lists of the MO pipeline.
package numhash

import (
	"bufio"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Membership is the tri-valued result of a list lookup.
type Membership int

const (
	AbsentList Membership = iota // no list configured
	No
	Yes
)

// Set holds numeric strings. Numbers short enough for a uint64 live in a
// sorted slice searched by binary search; longer ones fall back to a map.
type Set struct {
	nums []uint64
	long map[string]struct{}
}

func normalize(number string) string {
	var b strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// New returns an empty set.
func New() *Set {
	return &Set{long: make(map[string]struct{})}
}

// Add inserts one number; non-digits are ignored.
func (s *Set) Add(number string) {
	n := normalize(number)
	if n == "" {
		return
	}
	if v, err := strconv.ParseUint(n, 10, 64); err == nil {
		s.nums = append(s.nums, v)
		return
	}
	s.long[n] = struct{}{}
}

// seal sorts the numeric slice; lookups before seal would be wrong.
func (s *Set) seal() {
	sort.Slice(s.nums, func(i, j int) bool { return s.nums[i] < s.nums[j] })
}

// Contains reports membership of the number.
func (s *Set) Contains(number string) bool {
	n := normalize(number)
	if n == "" {
		return false
	}
	if v, err := strconv.ParseUint(n, 10, 64); err == nil {
		i := sort.Search(len(s.nums), func(i int) bool { return s.nums[i] >= v })
		return i < len(s.nums) && s.nums[i] == v
	}
	_, ok := s.long[n]
	return ok
}

// Len returns the number of stored entries.
func (s *Set) Len() int { return len(s.nums) + len(s.long) }

// Read builds a set from one number per line; blank lines and lines
// starting with '#' are skipped.
func Read(r io.Reader) (*Set, error) {
	s := New()
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		s.Add(line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	s.seal()
	return s, nil
}

// ReadFile builds a set from a file of numbers.
func ReadFile(path string) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Lookup answers the tri-valued membership question for an optional set.
func Lookup(s *Set, number string) Membership {
	if s == nil {
		return AbsentList
	}
	if s.Contains(number) {
		return Yes
	}
	return No
}
