package redisstore

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"recurring-scheduler/internal/models"
	"recurring-scheduler/internal/store"
)

// tx reads through a WATCHed connection and buffers every write in an overlay,
// so reads inside the transaction observe its own writes. commit flushes the
// overlay in a single MULTI/EXEC.
type tx struct {
	s   *Store
	rtx *redis.Tx
	now time.Time

	// nil values record deletions or confirmed absence.
	jobs  map[string]*models.Job
	names map[string]string
	calls map[models.Handle]*models.ScheduledCall

	dirtyJobs  map[string]bool
	dirtyNames map[string]bool
	dirtyCalls map[models.Handle]bool
}

var _ store.Tx = (*tx)(nil)

func newTx(s *Store, rtx *redis.Tx) *tx {
	return &tx{
		s:          s,
		rtx:        rtx,
		now:        time.UnixMilli(s.now().UnixMilli()).UTC(),
		jobs:       map[string]*models.Job{},
		names:      map[string]string{},
		calls:      map[models.Handle]*models.ScheduledCall{},
		dirtyJobs:  map[string]bool{},
		dirtyNames: map[string]bool{},
		dirtyCalls: map[models.Handle]bool{},
	}
}

func (t *tx) Now() time.Time { return t.now }

// get WATCHes key and returns its value; found is false for a missing key.
func (t *tx) get(ctx context.Context, key string) (string, bool, error) {
	if err := t.rtx.Watch(ctx, key).Err(); err != nil {
		return "", false, errors.Wrapf(err, "watch %s", key)
	}
	raw, err := t.rtx.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "get %s", key)
	}
	return raw, true, nil
}

func (t *tx) loadJob(ctx context.Context, id string) (*models.Job, error) {
	if job, ok := t.jobs[id]; ok {
		return job, nil
	}
	raw, found, err := t.get(ctx, t.s.jobKey(id))
	if err != nil {
		return nil, err
	}
	if !found {
		t.jobs[id] = nil
		return nil, nil
	}
	job, err := decodeJob(raw)
	if err != nil {
		return nil, err
	}
	t.jobs[id] = &job
	return &job, nil
}

func (t *tx) resolveName(ctx context.Context, name string) (string, error) {
	if id, ok := t.names[name]; ok {
		return id, nil
	}
	id, _, err := t.get(ctx, t.s.nameKey(name))
	if err != nil {
		return "", err
	}
	t.names[name] = id
	return id, nil
}

func (t *tx) loadCall(ctx context.Context, h models.Handle) (*models.ScheduledCall, error) {
	if call, ok := t.calls[h]; ok {
		return call, nil
	}
	raw, found, err := t.get(ctx, t.s.callKey(h))
	if err != nil {
		return nil, err
	}
	if !found {
		t.calls[h] = nil
		return nil, nil
	}
	call, err := decodeCall(raw)
	if err != nil {
		return nil, err
	}
	t.calls[h] = &call
	return &call, nil
}

func (t *tx) CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error) {
	if p.Name != "" {
		existing, err := t.resolveName(ctx, p.Name)
		if err != nil {
			return models.Job{}, err
		}
		if existing != "" {
			return models.Job{}, errors.Wrapf(store.ErrDuplicateName, "%q", p.Name)
		}
	}
	if _, err := store.EncodeArgs(p.Args); err != nil {
		return models.Job{}, err
	}

	job := models.Job{
		ID:        store.NewJobID(),
		Name:      p.Name,
		Target:    p.Target,
		Args:      store.NormalizeArgs(p.Args),
		Schedule:  p.Schedule,
		CreatedAt: t.now,
	}
	t.jobs[job.ID] = &job
	t.dirtyJobs[job.ID] = true
	if job.Name != "" {
		t.names[job.Name] = job.ID
		t.dirtyNames[job.Name] = true
	}
	return job, nil
}

func (t *tx) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := t.loadJob(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if job == nil {
		return models.Job{}, errors.Wrapf(store.ErrNotFound, "job %s", id)
	}
	return *job, nil
}

func (t *tx) GetJobByName(ctx context.Context, name string) (models.Job, error) {
	id, err := t.resolveName(ctx, name)
	if err != nil {
		return models.Job{}, err
	}
	if id == "" {
		return models.Job{}, errors.Wrapf(store.ErrNotFound, "job named %q", name)
	}
	job, err := t.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Job{}, errors.Wrapf(store.ErrNotFound, "job named %q", name)
	}
	return job, err
}

func (t *tx) ListJobs(ctx context.Context) ([]models.Job, error) {
	key := t.s.jobsKey()
	if err := t.rtx.Watch(ctx, key).Err(); err != nil {
		return nil, errors.Wrapf(err, "watch %s", key)
	}
	ids, err := t.rtx.SMembers(ctx, key).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list job ids")
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for id := range t.jobs {
		seen[id] = true
	}

	jobs := make([]models.Job, 0, len(seen))
	for id := range seen {
		job, err := t.loadJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job != nil {
			jobs = append(jobs, *job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs, nil
}

func (t *tx) DeleteJob(ctx context.Context, id string) error {
	job, err := t.loadJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return errors.Wrapf(store.ErrNotFound, "job %s", id)
	}
	if job.Name != "" {
		t.names[job.Name] = ""
		t.dirtyNames[job.Name] = true
	}
	t.jobs[id] = nil
	t.dirtyJobs[id] = true
	return nil
}

func (t *tx) PatchHandles(ctx context.Context, id string, p store.HandlePatch) error {
	job, err := t.loadJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return errors.Wrapf(store.ErrNotFound, "job %s", id)
	}
	if p.Wakeup != nil {
		job.WakeupHandle = *p.Wakeup
	}
	if p.Execution != nil {
		job.ExecutionHandle = *p.Execution
	}
	t.dirtyJobs[id] = true
	return nil
}

func (t *tx) ScheduleAt(ctx context.Context, at time.Time, function string, args models.Args) (models.Handle, error) {
	if function == "" {
		return "", errors.New("function name is required")
	}
	if _, err := store.EncodeArgs(args); err != nil {
		return "", err
	}
	call := &models.ScheduledCall{
		Handle:      store.NewHandle(),
		Function:    function,
		Args:        store.NormalizeArgs(args),
		ScheduledAt: time.UnixMilli(at.UnixMilli()).UTC(),
		State:       models.CallPending,
		CreatedAt:   t.now,
	}
	t.calls[call.Handle] = call
	t.dirtyCalls[call.Handle] = true
	return call.Handle, nil
}

func (t *tx) ScheduleAfter(ctx context.Context, delay time.Duration, function string, args models.Args) (models.Handle, error) {
	if delay < 0 {
		delay = 0
	}
	return t.ScheduleAt(ctx, t.now.Add(delay), function, args)
}

func (t *tx) Cancel(ctx context.Context, h models.Handle) error {
	call, err := t.loadCall(ctx, h)
	if err != nil || call == nil || call.State != models.CallPending {
		return err
	}
	t.finish(call, models.CallCanceled, "")
	return nil
}

func (t *tx) GetCall(ctx context.Context, h models.Handle) (models.ScheduledCall, error) {
	call, err := t.loadCall(ctx, h)
	if err != nil {
		return models.ScheduledCall{}, err
	}
	if call == nil {
		return models.ScheduledCall{}, errors.Wrapf(store.ErrNotFound, "call %s", h)
	}
	return *call, nil
}

func (t *tx) StartCall(ctx context.Context, h models.Handle) error {
	call, err := t.loadCall(ctx, h)
	if err != nil {
		return err
	}
	if call == nil || call.State != models.CallPending {
		return errors.Wrapf(store.ErrCallState, "start %s", h)
	}
	started := t.now
	call.State = models.CallInProgress
	call.StartedAt = &started
	t.dirtyCalls[h] = true
	return nil
}

func (t *tx) FinishCall(ctx context.Context, h models.Handle, state models.CallState, callErr string) error {
	if !store.ValidFinalState(state) {
		return errors.Newf("invalid final state %q", state)
	}
	call, err := t.loadCall(ctx, h)
	if err != nil {
		return err
	}
	if call == nil || !call.State.Outstanding() {
		return errors.Wrapf(store.ErrCallState, "finish %s", h)
	}
	t.finish(call, state, callErr)
	return nil
}

func (t *tx) finish(call *models.ScheduledCall, state models.CallState, callErr string) {
	finished := t.now
	call.State = state
	call.FinishedAt = &finished
	call.LastError = nil
	if callErr != "" {
		call.LastError = &callErr
	}
	t.dirtyCalls[call.Handle] = true
}

func (t *tx) commit(ctx context.Context) error {
	if len(t.dirtyJobs)+len(t.dirtyNames)+len(t.dirtyCalls) == 0 {
		return nil
	}

	_, err := t.rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for id := range t.dirtyJobs {
			job := t.jobs[id]
			if job == nil {
				pipe.Del(ctx, t.s.jobKey(id))
				pipe.SRem(ctx, t.s.jobsKey(), id)
				continue
			}
			body, err := json.Marshal(job)
			if err != nil {
				return errors.Wrap(err, "marshal job")
			}
			pipe.Set(ctx, t.s.jobKey(id), body, 0)
			pipe.SAdd(ctx, t.s.jobsKey(), id)
		}
		for name := range t.dirtyNames {
			if id := t.names[name]; id != "" {
				pipe.Set(ctx, t.s.nameKey(name), id, 0)
			} else {
				pipe.Del(ctx, t.s.nameKey(name))
			}
		}
		for h := range t.dirtyCalls {
			call := t.calls[h]
			body, err := json.Marshal(call)
			if err != nil {
				return errors.Wrap(err, "marshal call")
			}
			var ttl time.Duration
			if call.State.Terminal() {
				ttl = t.s.retention
			}
			pipe.Set(ctx, t.s.callKey(h), body, ttl)

			switch call.State {
			case models.CallPending:
				pipe.ZAdd(ctx, t.s.pendingKey(), redis.Z{Score: float64(call.ScheduledAt.UnixMilli()), Member: string(h)})
			case models.CallInProgress:
				pipe.ZRem(ctx, t.s.pendingKey(), string(h))
				pipe.ZAdd(ctx, t.s.inflightKey(), redis.Z{Score: float64(call.StartedAt.UnixMilli()), Member: string(h)})
			default:
				pipe.ZRem(ctx, t.s.pendingKey(), string(h))
				pipe.ZRem(ctx, t.s.inflightKey(), string(h))
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.TxFailedErr) {
		return errors.Wrap(err, "commit")
	}
	return err
}
