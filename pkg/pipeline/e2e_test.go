package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/loomkit/loomkit/pkg/entitystore"
	"github.com/loomkit/loomkit/pkg/metrics"
	"github.com/loomkit/loomkit/pkg/query"
	"github.com/loomkit/loomkit/pkg/types"
	"github.com/loomkit/loomkit/pkg/typeindex"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCreateQueryModifyDeleteScenario drives spec.md §8 scenarios S1-S3 as
// one flowing narrative against a real pipeline and compiled query, the way
// a resourced instance itself would see them arrive in sequence.
func TestCreateQueryModifyDeleteScenario(t *testing.T) {
	p, store := newTestPipeline(t)
	registry := typeindex.NewRegistry()
	typeindex.ConfigureEvent(registry)
	ctx := context.Background()

	// S1 — Create+Query.
	rev1, err := p.Apply(ctx, types.Command{
		Kind: types.CommandCreateEntity,
		Create: &types.CreateEntityCommand{
			DomainType: types.TypeEvent,
			EntityID:   "E1",
			Delta:      types.PropertyBag{"summary": types.StringValue("A")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rev1)

	plan, err := query.Compile(query.Query{Type: types.TypeEvent}, registry)
	require.NoError(t, err)

	var results []*types.Entity
	err = store.View(func(tx entitystore.Tx) error {
		results, err = plan.Execute(tx)
		return err
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "E1", results[0].UID)
	summary, _ := results[0].Get("summary")
	assert.Equal(t, "A", summary.AsString())

	// S2 — Modify-latest.
	rev2, err := p.Apply(ctx, types.Command{
		Kind: types.CommandModifyEntity,
		Modify: &types.ModifyEntityCommand{
			DomainType:         types.TypeEvent,
			EntityID:           "E1",
			Revision:           rev1,
			ModifiedProperties: []string{"summary"},
			Delta:              types.PropertyBag{"summary": types.StringValue("B")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rev2)

	err = store.View(func(tx entitystore.Tx) error {
		results, err = plan.Execute(tx)
		return err
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	summary, _ = results[0].Get("summary")
	assert.Equal(t, "B", summary.AsString())

	var updates []query.Update
	err = store.View(func(tx entitystore.Tx) error {
		updates, err = plan.Update(tx, rev1)
		return err
	})
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, query.StatusModified, updates[0].Status)
	assert.Equal(t, "E1", updates[0].UID)

	// S3 — Delete+Reject.
	rev3, err := p.Apply(ctx, types.Command{
		Kind:   types.CommandDeleteEntity,
		Delete: &types.DeleteEntityCommand{DomainType: types.TypeEvent, EntityID: "E1"},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rev3)

	_, err = p.Apply(ctx, types.Command{
		Kind:   types.CommandDeleteEntity,
		Delete: &types.DeleteEntityCommand{DomainType: types.TypeEvent, EntityID: "E1"},
	})
	assert.ErrorIs(t, err, ErrAlreadyRemoved)

	err = store.View(func(tx entitystore.Tx) error {
		max, err := entitystore.MaxRevision(tx)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), max)
		return nil
	})
	require.NoError(t, err)
}

// TestIndexSelectionScenario drives spec.md §8 scenario S4: 100 mails
// scattered across 5 folders with random dates, queried by folder with a
// date sort, must come back from the composite (folder, sort=date) index
// with the full-scan counter untouched.
func TestIndexSelectionScenario(t *testing.T) {
	store, err := entitystore.Open(t.TempDir(), "instance-a")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	registry := typeindex.NewRegistry()
	typeindex.ConfigureMail(registry)
	p := New(store, registry, nil)
	ctx := context.Background()

	folders := []string{"inbox", "archive", "sent", "drafts", "trash"}
	rng := rand.New(rand.NewSource(42))
	base := time.Unix(1_700_000_000, 0)

	var wantInInbox []struct {
		uid  string
		when time.Time
	}
	for i := 0; i < 100; i++ {
		folder := folders[i%len(folders)]
		when := base.Add(time.Duration(rng.Intn(1_000_000)) * time.Second)
		uid := fmt.Sprintf("m%d", i)
		_, err := p.Apply(ctx, types.Command{
			Kind: types.CommandCreateEntity,
			Create: &types.CreateEntityCommand{
				DomainType: types.TypeMail,
				EntityID:   uid,
				Delta: types.PropertyBag{
					typeindex.MailPropertyFolder: types.StringValue(folder),
					typeindex.MailPropertyDate:   types.DateValue(when),
				},
			},
		})
		require.NoError(t, err)
		if folder == "inbox" {
			wantInInbox = append(wantInInbox, struct {
				uid  string
				when time.Time
			}{uid, when})
		}
	}

	scanBefore := testutil.ToFloat64(metrics.QueryIndexSelectedTotal.WithLabelValues(types.TypeMail, "scan"))

	plan, err := query.Compile(query.Query{
		Type:         types.TypeMail,
		Filters:      []query.Filter{{Property: typeindex.MailPropertyFolder, Comparator: query.Equals, Value: types.StringValue("inbox")}},
		SortProperty: typeindex.MailPropertyDate,
	}, registry)
	require.NoError(t, err)

	var results []*types.Entity
	err = store.View(func(tx entitystore.Tx) error {
		results, err = plan.Execute(tx)
		return err
	})
	require.NoError(t, err)

	require.Len(t, results, len(wantInInbox))
	for i := 1; i < len(results); i++ {
		prevDate := mustDate(t, results[i-1])
		currDate := mustDate(t, results[i])
		assert.False(t, currDate.After(prevDate), "results must be ordered by date descending")
	}

	scanAfter := testutil.ToFloat64(metrics.QueryIndexSelectedTotal.WithLabelValues(types.TypeMail, "scan"))
	assert.Equal(t, scanBefore, scanAfter, "an indexed, sorted query must not fall back to a full scan")
}

func mustDate(t *testing.T, e *types.Entity) time.Time {
	t.Helper()
	v, ok := e.Get(typeindex.MailPropertyDate)
	require.True(t, ok)
	return v.AsDate()
}
