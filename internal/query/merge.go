package query

import (
	"slices"
	"strconv"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// MaxListValues caps the author or id list of a merged filter.
const MaxListValues = 1000

// Merge classes, in the order they are attempted.
const (
	ClassMulti  = "multi"  // kind-set and author-set union
	ClassAuthor = "author" // single kind, authors, limit
	ClassIDs    = "ids"    // fetch by id
	ClassSingle = "single" // unmergeable
)

// physical is one relay subscription serving one or more requests.
type physical struct {
	class   string
	filter  nostr.Filter
	members []*request
}

func unconstrained(f nostr.Filter) bool {
	return len(f.Tags) == 0 && f.Since == nil && f.Until == nil && f.Search == ""
}

// multiShape: kinds and authors only, no limit.
func multiShape(f nostr.Filter) bool {
	return len(f.Kinds) > 0 && len(f.Authors) > 0 && len(f.IDs) == 0 && f.Limit == 0 && unconstrained(f)
}

// authorShape: exactly one kind plus authors, capped by a limit.
func authorShape(f nostr.Filter) bool {
	return len(f.Kinds) == 1 && len(f.Authors) > 0 && len(f.IDs) == 0 && f.Limit > 0 && unconstrained(f)
}

// idShape: ids and nothing else.
func idShape(f nostr.Filter) bool {
	return len(f.IDs) > 0 && len(f.Kinds) == 0 && len(f.Authors) == 0 && unconstrained(f)
}

type cluster struct {
	kinds   []int
	authors []string
	ids     []string
	limit   int
	members []*request
}

func kindsKey(kinds []int) string {
	k := slices.Clone(kinds)
	slices.Sort(k)
	parts := make([]string, 0, len(k))
	for _, v := range slices.Compact(k) {
		parts = append(parts, strconv.Itoa(v))
	}
	return strings.Join(parts, ",")
}

// plan folds the requests of one url group into as few physical subscriptions as possible.
func plan(reqs []*request) []*physical {
	var multi, author, ids, rest []*request
	for _, r := range reqs {
		switch {
		case multiShape(r.filter):
			multi = append(multi, r)
		case authorShape(r.filter):
			author = append(author, r)
		case idShape(r.filter):
			ids = append(ids, r)
		default:
			rest = append(rest, r)
		}
	}

	var out []*physical
	out = append(out, mergeMulti(multi)...)
	out = append(out, mergeAuthor(author)...)
	out = append(out, mergeIDs(ids)...)
	for _, r := range rest {
		out = append(out, &physical{class: ClassSingle, filter: cloneFilter(r.filter), members: []*request{r}})
	}
	return out
}

func mergeMulti(reqs []*request) []*physical {
	// Pass 1: identical kind sets union their authors.
	var clusters []*cluster
	for _, r := range reqs {
		key := kindsKey(r.filter.Kinds)
		var target *cluster
		for _, c := range clusters {
			if kindsKey(c.kinds) == key && unionSize(c.authors, r.filter.Authors) <= MaxListValues {
				target = c
				break
			}
		}
		if target == nil {
			target = &cluster{kinds: slices.Clone(r.filter.Kinds)}
			clusters = append(clusters, target)
		}
		target.authors = union(target.authors, r.filter.Authors)
		target.members = append(target.members, r)
	}

	// Pass 2: clusters whose authors overlap merge transitively.
	for merged := true; merged; {
		merged = false
	scan:
		for i := 0; i < len(clusters); i++ {
			for j := i + 1; j < len(clusters); j++ {
				a, b := clusters[i], clusters[j]
				if !overlaps(a.authors, b.authors) || unionSize(a.authors, b.authors) > MaxListValues {
					continue
				}
				a.kinds = unionInts(a.kinds, b.kinds)
				a.authors = union(a.authors, b.authors)
				a.members = append(a.members, b.members...)
				clusters = slices.Delete(clusters, j, j+1)
				merged = true
				break scan
			}
		}
	}

	out := make([]*physical, 0, len(clusters))
	for _, c := range clusters {
		if len(c.members) == 1 {
			out = append(out, &physical{class: ClassMulti, filter: cloneFilter(c.members[0].filter), members: c.members})
			continue
		}
		kinds := slices.Clone(c.kinds)
		slices.Sort(kinds)
		out = append(out, &physical{
			class:   ClassMulti,
			filter:  nostr.Filter{Kinds: slices.Compact(kinds), Authors: c.authors},
			members: c.members,
		})
	}
	return out
}

func mergeAuthor(reqs []*request) []*physical {
	var clusters []*cluster
	for _, r := range reqs {
		kind := r.filter.Kinds[0]
		var target *cluster
		for _, c := range clusters {
			if c.kinds[0] == kind && unionSize(c.authors, r.filter.Authors) <= MaxListValues {
				target = c
				break
			}
		}
		if target == nil {
			target = &cluster{kinds: []int{kind}}
			clusters = append(clusters, target)
		}
		target.authors = union(target.authors, r.filter.Authors)
		target.limit += r.filter.Limit
		target.members = append(target.members, r)
	}

	out := make([]*physical, 0, len(clusters))
	for _, c := range clusters {
		if len(c.members) == 1 {
			out = append(out, &physical{class: ClassAuthor, filter: cloneFilter(c.members[0].filter), members: c.members})
			continue
		}
		out = append(out, &physical{
			class:   ClassAuthor,
			filter:  nostr.Filter{Kinds: c.kinds, Authors: c.authors, Limit: c.limit},
			members: c.members,
		})
	}
	return out
}

func mergeIDs(reqs []*request) []*physical {
	var clusters []*cluster
	for _, r := range reqs {
		var target *cluster
		for _, c := range clusters {
			if unionSize(c.ids, r.filter.IDs) <= MaxListValues {
				target = c
				break
			}
		}
		if target == nil {
			target = &cluster{}
			clusters = append(clusters, target)
		}
		target.ids = union(target.ids, r.filter.IDs)
		target.members = append(target.members, r)
	}

	out := make([]*physical, 0, len(clusters))
	for _, c := range clusters {
		if len(c.members) == 1 {
			out = append(out, &physical{class: ClassIDs, filter: cloneFilter(c.members[0].filter), members: c.members})
			continue
		}
		out = append(out, &physical{
			class:   ClassIDs,
			filter:  nostr.Filter{IDs: c.ids},
			members: c.members,
		})
	}
	return out
}
