package queue

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"accession/internal/coord"
)

// Layout maps entities, locks, and holds to store paths.
type Layout struct {
	Root        string
	Global      string
	Collections string
}

// NewLayout builds a layout rooted at root with default hold names.
func NewLayout(root string) Layout {
	return Layout{Root: coord.Join(root), Global: "global", Collections: "collections"}
}

func (l Layout) entities(kind Kind) string {
	if kind == KindBatch {
		return coord.Join(l.Root, "batches")
	}
	return coord.Join(l.Root, "jobs")
}

// Entity is the path of an entity document.
func (l Layout) Entity(kind Kind, id string) string {
	return coord.Join(l.entities(kind), id)
}

func (l Layout) locks(kind Kind) string {
	if kind == KindBatch {
		return coord.Join(l.Root, "locks", "batches")
	}
	return coord.Join(l.Root, "locks", "jobs")
}

// Lock is the path of an entity's ephemeral lock.
func (l Layout) Lock(kind Kind, id string) string {
	return coord.Join(l.locks(kind), id)
}

// GlobalHold is the path of the global hold flag.
func (l Layout) GlobalHold() string {
	return coord.Join(l.Root, "holds", l.Global)
}

func (l Layout) collectionHolds() string {
	return coord.Join(l.Root, "holds", l.Collections)
}

// CollectionHold is the path of a collection's hold flag.
func (l Layout) CollectionHold(ref string) string {
	return coord.Join(l.collectionHolds(), NormalizeCollection(ref))
}

var collectionFolder = cases.Fold()

// NormalizeCollection folds a collection reference into the key used for its
// hold flag: NFC, case folded, with separators and spaces collapsed to '-'.
func NormalizeCollection(ref string) string {
	folded := collectionFolder.String(norm.NFC.String(strings.TrimSpace(ref)))
	var b strings.Builder
	b.Grow(len(folded))
	dash := false
	for _, r := range folded {
		if r == '/' || r == '\\' || unicode.IsSpace(r) || unicode.IsControl(r) {
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
			continue
		}
		b.WriteRune(r)
		dash = false
	}
	out := strings.TrimRight(b.String(), "-")
	if out == "." || out == ".." {
		return "_" + out
	}
	return out
}
