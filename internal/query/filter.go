package query

import (
	"cmp"
	"slices"
	"strconv"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// cloneFilter deep-copies f so merge steps never alias a caller's slices.
func cloneFilter(f nostr.Filter) nostr.Filter {
	out := f
	out.IDs = slices.Clone(f.IDs)
	out.Kinds = slices.Clone(f.Kinds)
	out.Authors = slices.Clone(f.Authors)
	if f.Tags != nil {
		out.Tags = make(nostr.TagMap, len(f.Tags))
		for k, v := range f.Tags {
			out.Tags[k] = slices.Clone(v)
		}
	}
	if f.Since != nil {
		since := *f.Since
		out.Since = &since
	}
	if f.Until != nil {
		until := *f.Until
		out.Until = &until
	}
	return out
}

// canonicalKey identifies a request independent of url and value ordering.
func canonicalKey(urls []string, f nostr.Filter) string {
	var b strings.Builder

	b.WriteString(urlSetKey(urls))
	b.WriteString("|k=")
	kinds := slices.Clone(f.Kinds)
	slices.Sort(kinds)
	for i, k := range slices.Compact(kinds) {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(k))
	}
	b.WriteString("|a=")
	b.WriteString(sortedJoin(f.Authors))
	b.WriteString("|i=")
	b.WriteString(sortedJoin(f.IDs))

	tagNames := make([]string, 0, len(f.Tags))
	for name := range f.Tags {
		tagNames = append(tagNames, name)
	}
	slices.Sort(tagNames)
	for _, name := range tagNames {
		b.WriteString("|#")
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(sortedJoin(f.Tags[name]))
	}

	if f.Since != nil {
		b.WriteString("|s=")
		b.WriteString(strconv.FormatInt(int64(*f.Since), 10))
	}
	if f.Until != nil {
		b.WriteString("|u=")
		b.WriteString(strconv.FormatInt(int64(*f.Until), 10))
	}
	if f.Limit > 0 {
		b.WriteString("|l=")
		b.WriteString(strconv.Itoa(f.Limit))
	}
	if f.Search != "" {
		b.WriteString("|q=")
		b.WriteString(f.Search)
	}
	return b.String()
}

func urlSetKey(urls []string) string {
	return sortedJoin(urls)
}

func sortedJoin(values []string) string {
	v := slices.Clone(values)
	slices.Sort(v)
	return strings.Join(slices.Compact(v), ",")
}

// newestFirst orders events by created_at descending, ties by id.
func newestFirst(a, b *nostr.Event) int {
	if c := cmp.Compare(b.CreatedAt, a.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// postFilter returns the events matching f, newest first, capped at f.Limit.
func postFilter(f nostr.Filter, events []*nostr.Event) []*nostr.Event {
	out := make([]*nostr.Event, 0, len(events))
	for _, ev := range events {
		if f.Matches(ev) {
			out = append(out, ev)
		}
	}
	slices.SortFunc(out, newestFirst)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// union appends the values of b missing from a, keeping first-seen order.
func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, v := range a {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	for _, v := range b {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

func unionInts(a, b []int) []int {
	out := slices.Concat(a, b)
	slices.Sort(out)
	return slices.Compact(out)
}

func overlaps(a, b []string) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}

// unionSize counts distinct values across a and b.
func unionSize(a, b []string) int {
	return len(union(a, b))
}
