// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/gomega"
)

type widget struct {
	Meta
	Group   string     `json:"group"`
	ID      uuid.UUID  `json:"id"`
	Name    string     `json:"name"`
	Count   int        `json:"count"`
	Derived string     `json:"derived,omitempty"`
	Due     *time.Time `json:"due,omitempty"`
}

var widgetDescriptor = Descriptor{
	Table:            "Widget",
	PartitionField:   "group",
	RowField:         "id",
	ExcludeFromWrite: []string{"derived"},
}

func newWidgets(t *testing.T) *Collection[widget] {
	t.Helper()
	c := NewCollection[widget](NewMemStore(), widgetDescriptor)
	if err := c.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCollectionRoundTrip(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	widgets := newWidgets(t)

	w := &widget{Group: "a", ID: uuid.New(), Name: "first", Count: 3}
	g.Expect(widgets.Insert(ctx, w)).To(Succeed())
	g.Expect(w.StorageETag()).NotTo(BeEmpty())

	got, err := widgets.Get(ctx, "a", w.ID.String())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(got.Name).To(Equal("first"))
	g.Expect(got.Count).To(Equal(3))
	g.Expect(got.StorageETag()).To(Equal(w.StorageETag()))

	// double insert is rejected
	g.Expect(widgets.Insert(ctx, w)).To(MatchError(ErrAlreadyExists))

	_, err = widgets.Get(ctx, "a", uuid.NewString())
	g.Expect(err).To(MatchError(ErrNotFound))
}

func TestCollectionReplaceDetectsLostRace(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	widgets := newWidgets(t)

	w := &widget{Group: "a", ID: uuid.New(), Name: "first"}
	g.Expect(widgets.Insert(ctx, w)).To(Succeed())

	// two readers load the same revision
	first, err := widgets.Get(ctx, "a", w.ID.String())
	g.Expect(err).NotTo(HaveOccurred())
	second, err := widgets.Get(ctx, "a", w.ID.String())
	g.Expect(err).NotTo(HaveOccurred())

	first.Name = "updated by first"
	g.Expect(widgets.Replace(ctx, first)).To(Succeed())

	second.Name = "updated by second"
	g.Expect(widgets.Replace(ctx, second)).To(MatchError(ErrConflict))

	// a re-read picks up the new etag and the write goes through
	second, err = widgets.Get(ctx, "a", w.ID.String())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(second.Name).To(Equal("updated by first"))
	second.Name = "updated by second"
	g.Expect(widgets.Replace(ctx, second)).To(Succeed())
}

func TestCollectionUpsertIsUnconditional(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	widgets := newWidgets(t)

	w := &widget{Group: "a", ID: uuid.New(), Name: "v1"}
	g.Expect(widgets.Upsert(ctx, w)).To(Succeed())

	// a fresh value with no etag overwrites whatever is there
	g.Expect(widgets.Upsert(ctx, &widget{Group: "a", ID: w.ID, Name: "v2"})).To(Succeed())

	got, err := widgets.Get(ctx, "a", w.ID.String())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(got.Name).To(Equal("v2"))
}

func TestCollectionExcludedFieldsNeverPersist(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	widgets := newWidgets(t)

	w := &widget{Group: "a", ID: uuid.New(), Name: "first", Derived: "computed"}
	g.Expect(widgets.Insert(ctx, w)).To(Succeed())

	got, err := widgets.Get(ctx, "a", w.ID.String())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(got.Derived).To(BeEmpty())
}

func TestCollectionSearch(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	widgets := newWidgets(t)

	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	rows := []*widget{
		{Group: "a", ID: uuid.New(), Name: "expired", Due: &past},
		{Group: "a", ID: uuid.New(), Name: "live", Due: &future},
		{Group: "b", ID: uuid.New(), Name: "live"},
	}
	for _, w := range rows {
		g.Expect(widgets.Insert(ctx, w)).To(Succeed())
	}

	byGroup, err := widgets.Search(ctx, Query{Eq: map[string][]string{"group": {"a"}}}, 0)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(byGroup).To(HaveLen(2))

	byName, err := widgets.Search(ctx, Query{Eq: map[string][]string{"name": {"live"}}}, 0)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(byName).To(HaveLen(2))

	// Eq matches any listed value
	either, err := widgets.Search(ctx, Query{Eq: map[string][]string{"name": {"live", "expired"}}}, 0)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(either).To(HaveLen(3))

	limited, err := widgets.Search(ctx, Query{}, 2)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(limited).To(HaveLen(2))

	// rows without the field never match a time predicate
	overdue, err := widgets.Search(ctx, Query{Before: map[string]time.Time{"due": now}}, 0)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(overdue).To(HaveLen(1))
	g.Expect(overdue[0].Name).To(Equal("expired"))

	upcoming, err := widgets.Search(ctx, Query{After: map[string]time.Time{"due": now}}, 0)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(upcoming).To(HaveLen(1))
	g.Expect(upcoming[0].Name).To(Equal("live"))
}

func TestCollectionSearchByStorageTimestamp(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	widgets := newWidgets(t)

	w := &widget{Group: "a", ID: uuid.New(), Name: "aging"}
	g.Expect(widgets.Insert(ctx, w)).To(Succeed())

	old, err := widgets.Search(ctx, Query{Before: map[string]time.Time{"Timestamp": time.Now().Add(time.Minute)}}, 0)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(old).To(HaveLen(1))

	none, err := widgets.Search(ctx, Query{Before: map[string]time.Time{"Timestamp": time.Now().Add(-time.Minute)}}, 0)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(none).To(BeEmpty())
}

func TestCollectionDelete(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	widgets := newWidgets(t)

	w := &widget{Group: "a", ID: uuid.New(), Name: "doomed"}
	g.Expect(widgets.Insert(ctx, w)).To(Succeed())
	g.Expect(widgets.Delete(ctx, w)).To(Succeed())
	g.Expect(widgets.Delete(ctx, w)).To(MatchError(ErrNotFound))
}
