package audit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/formula-pm/formula-pm/internal/shared"
)

type stubTimelineRepo struct {
	rows []TimelineRow
	last Query
}

func (s *stubTimelineRepo) Window(ctx context.Context, q Query) ([]TimelineRow, error) {
	s.last = q
	if int(q.Limit) < len(s.rows) {
		return s.rows[:q.Limit], nil
	}
	return s.rows, nil
}

func mockRow(ts, action, entity string) TimelineRow {
	at, _ := time.Parse(time.RFC3339, ts)
	return TimelineRow{At: at, ActorID: uuid.New(), Action: action, Entity: entity, EntityID: uuid.NewString()}
}

func TestServiceTimelinePaging(t *testing.T) {
	repo := &stubTimelineRepo{rows: []TimelineRow{
		mockRow("2026-03-10T10:00:00Z", "rbac.role_changed", "principal"),
		mockRow("2026-03-09T09:00:00Z", "scope.item_updated", "scope_item"),
		mockRow("2026-03-08T08:00:00Z", "rbac.assigned", "project"),
	}}
	svc := NewService(repo)
	actor := uuid.New()

	result, err := svc.Timeline(context.Background(), TimelineFilters{
		From:     time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Actor:    actor,
		Entity:   " scope_item ",
		Page:     1,
		PageSize: 2,
	})
	require.NoError(t, err)
	require.Len(t, result.Rows, 2)
	require.True(t, result.Paging.HasNext)
	require.Equal(t, 2, result.Paging.NextPage)
	require.Zero(t, result.Paging.PrevPage)

	require.EqualValues(t, 3, repo.last.Limit)
	require.EqualValues(t, 0, repo.last.Offset)
	require.True(t, repo.last.FromAt.Valid)
	require.False(t, repo.last.ToAt.Valid)
	require.True(t, repo.last.Actor.Valid)
	require.Equal(t, [16]byte(actor), repo.last.Actor.Bytes)
	require.Equal(t, "scope_item", repo.last.Entity.String)
	require.False(t, repo.last.Action.Valid)
}

func TestServiceTimelineClampsPage(t *testing.T) {
	repo := &stubTimelineRepo{}
	svc := NewService(repo)

	result, err := svc.Timeline(context.Background(), TimelineFilters{Page: 3, PageSize: 500})
	require.NoError(t, err)
	require.NotNil(t, result.Rows)
	require.False(t, result.Paging.HasNext)
	require.Equal(t, 2, result.Paging.PrevPage)
	require.EqualValues(t, maxPageSize+1, repo.last.Limit)
	require.EqualValues(t, 2*maxPageSize, repo.last.Offset)

	_, err = svc.Timeline(context.Background(), TimelineFilters{})
	require.NoError(t, err)
	require.EqualValues(t, defaultPageSize+1, repo.last.Limit)
}

func TestServiceExport(t *testing.T) {
	repo := &stubTimelineRepo{rows: []TimelineRow{mockRow("2026-03-10T10:00:00Z", "scope.item_updated", "scope_item")}}
	rows, err := NewService(repo).Export(context.Background(), TimelineFilters{Action: "scope.item_updated"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.EqualValues(t, ExportLimit, repo.last.Limit)
	require.Equal(t, "scope.item_updated", repo.last.Action.String)

	_, err = NewService(nil).Export(context.Background(), TimelineFilters{})
	require.True(t, errors.Is(err, shared.ErrConfiguration))
}

func TestWriteCSV(t *testing.T) {
	row := mockRow("2026-03-10T10:00:00Z", "rbac.role_changed", "principal")
	row.Meta = map[string]any{"from": "client", "to": "admin"}

	out, err := WriteCSV([]TimelineRow{row})
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	require.Len(t, lines, 2)
	require.Equal(t, "at,actor_id,action,entity,entity_id,meta", lines[0])
	require.Contains(t, lines[1], "2026-03-10T10:00:00Z")
	require.Contains(t, lines[1], `"{""from"":""client"",""to"":""admin""}"`)
}
