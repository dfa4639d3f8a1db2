package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/formula-pm/formula-pm/internal/jobs"
	"github.com/formula-pm/formula-pm/internal/rbac"
	"github.com/formula-pm/formula-pm/internal/workflow"
)

type fakeOutbox struct {
	recipients []uuid.UUID
	recorded   map[uuid.UUID]map[uuid.UUID]bool
	err        error
}

func (o *fakeOutbox) Recipients(ctx context.Context, event workflow.Event) ([]uuid.UUID, error) {
	return o.recipients, o.err
}

func (o *fakeOutbox) Record(ctx context.Context, event workflow.Event, recipients []uuid.UUID) (int, error) {
	if o.recorded == nil {
		o.recorded = make(map[uuid.UUID]map[uuid.UUID]bool)
	}
	if o.recorded[event.ID] == nil {
		o.recorded[event.ID] = make(map[uuid.UUID]bool)
	}
	created := 0
	for _, id := range recipients {
		if !o.recorded[event.ID][id] {
			o.recorded[event.ID][id] = true
			created++
		}
	}
	return created, nil
}

func sampleEvent() workflow.Event {
	return workflow.Event{
		ID:           uuid.New(),
		ResourceID:   uuid.New(),
		ResourceType: rbac.ResourceShopDrawing,
		ProjectID:    uuid.New(),
		Action:       "client_approve",
		FromStatus:   workflow.DrawingClientReviewing,
		ToStatus:     workflow.DrawingApproved,
		PrincipalID:  uuid.New(),
		OccurredAt:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func newTestJob(outbox Outbox) *WorkflowNotifyJob {
	return NewWorkflowNotifyJob(outbox, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
}

func TestWorkflowNotifyRecordsOncePerRecipient(t *testing.T) {
	outbox := &fakeOutbox{recipients: []uuid.UUID{uuid.New(), uuid.New()}}
	job := newTestJob(outbox)
	event := sampleEvent()
	task, err := NewWorkflowNotifyTask(event)
	require.NoError(t, err)
	require.Equal(t, TaskWorkflowNotify, task.Type())

	require.NoError(t, job.Handle(context.Background(), task))
	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, outbox.recorded[event.ID], 2)
}

func TestWorkflowNotifyRejectsBadPayload(t *testing.T) {
	job := newTestJob(&fakeOutbox{})

	err := job.Handle(context.Background(), asynq.NewTask(TaskWorkflowNotify, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	empty, err := json.Marshal(workflow.Event{})
	require.NoError(t, err)
	err = job.Handle(context.Background(), asynq.NewTask(TaskWorkflowNotify, empty))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestWorkflowNotifyRetriesStoreFailures(t *testing.T) {
	job := newTestJob(&fakeOutbox{err: errors.New("db down")})
	task, err := NewWorkflowNotifyTask(sampleEvent())
	require.NoError(t, err)

	err = job.Handle(context.Background(), task)
	require.Error(t, err)
	require.NotErrorIs(t, err, asynq.SkipRetry)

	var nilJob *WorkflowNotifyJob
	require.Error(t, nilJob.Handle(context.Background(), task))
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func (f *fakeEnqueuer) Close() error { return nil }

func TestClientNotifyTransition(t *testing.T) {
	fake := &fakeEnqueuer{}
	client := &Client{client: fake}
	event := sampleEvent()

	require.NoError(t, client.NotifyTransition(context.Background(), event))
	require.Len(t, fake.tasks, 1)
	var decoded workflow.Event
	require.NoError(t, json.Unmarshal(fake.tasks[0].Payload(), &decoded))
	require.Equal(t, event.ID, decoded.ID)
	require.Equal(t, event.ToStatus, decoded.ToStatus)

	fake.err = asynq.ErrTaskIDConflict
	require.NoError(t, client.NotifyTransition(context.Background(), event))

	fake.err = errors.New("redis down")
	require.Error(t, client.NotifyTransition(context.Background(), event))
	require.NoError(t, client.Close())
}

type fakeInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (f fakeInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	return f.info, f.err
}

func TestJobsHealth(t *testing.T) {
	serve := func(h *Handler) *httptest.ResponseRecorder {
		r := chi.NewRouter()
		h.MountRoutes(r)
		res := httptest.NewRecorder()
		r.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/health", nil))
		return res
	}

	res := serve(NewHandler(nil, nil))
	require.Equal(t, http.StatusOK, res.Code)
	require.JSONEq(t, `{"queue":"default","pending":0}`, res.Body.String())

	res = serve(NewHandler(fakeInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 3}}, nil))
	require.Equal(t, http.StatusOK, res.Code)
	require.JSONEq(t, `{"queue":"default","pending":3}`, res.Body.String())

	res = serve(NewHandler(fakeInspector{err: errors.New("redis down")}, nil))
	require.Equal(t, http.StatusServiceUnavailable, res.Code)
}

func TestNewWorkerRequiresHandlers(t *testing.T) {
	_, err := NewWorker(WorkerConfig{RedisOpts: asynq.RedisClientOpt{Addr: "127.0.0.1:0"}})
	require.Error(t, err)
}
