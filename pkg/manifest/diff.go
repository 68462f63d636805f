package manifest

import "sort"

// ChangeSet classifies paths between a previous and a current
// manifest. Each slice is sorted lexicographically and the three are
// pairwise disjoint.
type ChangeSet struct {
	New      []string
	Modified []string
	Deleted  []string
}

// Diff compares two manifests by digest only: a size or timestamp
// difference with an equal digest is not a change. Nil manifests are
// treated as empty.
func Diff(prev, cur *Manifest) ChangeSet {
	var cs ChangeSet
	prevFiles := prev.files()
	curFiles := cur.files()

	for p, r := range curFiles {
		old, ok := prevFiles[p]
		switch {
		case !ok:
			cs.New = append(cs.New, p)
		case old.Hash != r.Hash:
			cs.Modified = append(cs.Modified, p)
		}
	}
	for p := range prevFiles {
		if _, ok := curFiles[p]; !ok {
			cs.Deleted = append(cs.Deleted, p)
		}
	}

	sort.Strings(cs.New)
	sort.Strings(cs.Modified)
	sort.Strings(cs.Deleted)
	return cs
}

// Empty reports whether nothing changed at all.
func (c ChangeSet) Empty() bool {
	return len(c.New) == 0 && len(c.Modified) == 0 && len(c.Deleted) == 0
}

// HasPayload reports whether any file body needs shipping.
func (c ChangeSet) HasPayload() bool {
	return len(c.New) > 0 || len(c.Modified) > 0
}

// Payload returns New and Modified merged into one lexicographic
// sequence. This is the order file bodies are written into a patch.
func (c ChangeSet) Payload() []string {
	out := make([]string, 0, len(c.New)+len(c.Modified))
	out = append(out, c.New...)
	out = append(out, c.Modified...)
	sort.Strings(out)
	return out
}
