// Package index builds the per-shot inverted index over outcome records:
// attribute -> value -> positions in the shot's outcome list.
package index

import (
	"sort"
	"strconv"

	"github.com/RoaringBitmap/roaring"

	"go-shot-diagnostics/internal/model"
)

// Indexed attribute names. Status fields are not indexed.
const (
	AttrShot        = "shot_number"
	AttrChannelName = "channel_name"
	AttrChannelType = "channel_type"
	AttrDBName      = "db_name"
	AttrErrorName   = "error_name"
)

// Attributes lists every indexed attribute.
var Attributes = []string{AttrShot, AttrChannelName, AttrChannelType, AttrDBName, AttrErrorName}

// Builder accumulates position sets per attribute value.
type Builder struct {
	attrs map[string]map[string]*roaring.Bitmap
}

func NewBuilder() *Builder {
	return &Builder{attrs: map[string]map[string]*roaring.Bitmap{}}
}

// FromShotIndex seeds a builder with an existing shot index so it can be
// updated in place.
func FromShotIndex(idx model.ShotIndex) *Builder {
	b := NewBuilder()
	for attr, values := range idx {
		for value, positions := range values {
			for _, p := range positions {
				b.set(attr, value, p)
			}
		}
	}
	return b
}

func (b *Builder) set(attr, value string, pos int) {
	values, ok := b.attrs[attr]
	if !ok {
		values = map[string]*roaring.Bitmap{}
		b.attrs[attr] = values
	}
	bm, ok := values[value]
	if !ok {
		bm = roaring.New()
		values[value] = bm
	}
	bm.Add(uint32(pos))
}

func (b *Builder) unset(attr, value string, pos int) {
	bm, ok := b.attrs[attr][value]
	if !ok {
		return
	}
	bm.Remove(uint32(pos))
	if bm.IsEmpty() {
		delete(b.attrs[attr], value)
	}
}

// Add indexes rec at position pos.
func (b *Builder) Add(pos int, rec model.OutcomeRecord) {
	b.set(AttrShot, strconv.Itoa(rec.Shot), pos)
	b.set(AttrChannelName, rec.ChannelName, pos)
	b.set(AttrChannelType, rec.ChannelType, pos)
	b.set(AttrDBName, rec.DBName, pos)
	b.setErrors(pos, rec.ErrorNames)
}

func (b *Builder) setErrors(pos int, names []string) {
	if len(names) == 0 {
		b.set(AttrErrorName, model.NoErrorBucket, pos)
		return
	}
	for _, n := range names {
		b.set(AttrErrorName, n, pos)
	}
}

// ReplaceErrors re-indexes the error_name attribute of the record at pos
// after its detector list changed from before to after.
func (b *Builder) ReplaceErrors(pos int, before, after []string) {
	if len(before) == 0 {
		b.unset(AttrErrorName, model.NoErrorBucket, pos)
	}
	for _, n := range before {
		b.unset(AttrErrorName, n, pos)
	}
	b.setErrors(pos, after)
}

// Positions returns the sorted positions holding value for attr.
func (b *Builder) Positions(attr, value string) []int {
	bm, ok := b.attrs[attr][value]
	if !ok {
		return nil
	}
	return toInts(bm)
}

// Index renders the builder as a shot index.
func (b *Builder) Index() model.ShotIndex {
	idx := make(model.ShotIndex, len(b.attrs))
	for attr, values := range b.attrs {
		out := make(map[string][]int, len(values))
		for value, bm := range values {
			out[value] = toInts(bm)
		}
		idx[attr] = out
	}
	return idx
}

func toInts(bm *roaring.Bitmap) []int {
	out := make([]int, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		out = append(out, int(it.Next()))
	}
	return out
}

// Build indexes a shot's finalized outcome list.
func Build(recs []model.OutcomeRecord) model.ShotIndex {
	b := NewBuilder()
	for i, rec := range recs {
		b.Add(i, rec)
	}
	return b.Index()
}

// Values returns the sorted values present for attr.
func Values(idx model.ShotIndex, attr string) []string {
	out := make([]string, 0, len(idx[attr]))
	for v := range idx[attr] {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
