package fake

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/BearBump/OrderSync/internal/integrations/carrier"
)

// FakeClient: платформа в памяти для локального запуска и тестов.
// Незасеянные номера либо генерируются детерминированно (New), либо не находятся (NewEmpty).
type FakeClient struct {
	mu       sync.Mutex
	jobs     map[string]carrier.Job
	generate bool

	Patches    []PatchCall
	Reattempts []string
}

type PatchCall struct {
	DoNumber string
	Fields   carrier.Fields
}

func New() *FakeClient {
	return &FakeClient{jobs: map[string]carrier.Job{}, generate: true}
}

func NewEmpty() *FakeClient {
	return &FakeClient{jobs: map[string]carrier.Job{}}
}

func (f *FakeClient) Put(job carrier.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.DoNumber] = job
}

func (f *FakeClient) Fetch(ctx context.Context, doNumber string) (carrier.Job, error) {
	if err := ctx.Err(); err != nil {
		return carrier.Job{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[doNumber]; ok {
		return j, nil
	}
	if !f.generate {
		return carrier.Job{}, carrier.ErrNotFound
	}
	j := generated(doNumber)
	f.jobs[doNumber] = j
	return j, nil
}

func (f *FakeClient) Patch(ctx context.Context, doNumber string, fields carrier.Fields) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[doNumber]
	if !ok {
		return carrier.ErrNotFound
	}
	if j.Status == carrier.StatusCompleted {
		return carrier.ErrAlreadyFinalized
	}
	f.Patches = append(f.Patches, PatchCall{DoNumber: doNumber, Fields: fields})
	if fields.Status != nil {
		j.Status = *fields.Status
	}
	if fields.AssignTo != nil {
		j.AssignTo = *fields.AssignTo
	}
	if fields.JobType != nil {
		j.JobType = *fields.JobType
	}
	if fields.TotalPrice != nil {
		j.TotalPrice = *fields.TotalPrice
	}
	if fields.Address != nil {
		j.Address = *fields.Address
	}
	j.UpdatedAt = time.Now().UTC()
	f.jobs[doNumber] = j
	return nil
}

func (f *FakeClient) Reattempt(ctx context.Context, doNumber string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[doNumber]
	if !ok {
		return carrier.ErrNotFound
	}
	j.Attempt++
	f.jobs[doNumber] = j
	f.Reattempts = append(f.Reattempts, doNumber)
	return nil
}

// generated: каждый пятый номер уже доставлен, остальные ждут на складе.
func generated(doNumber string) carrier.Job {
	h := fnv.New32a()
	_, _ = h.Write([]byte(doNumber))
	v := h.Sum32()

	status := carrier.StatusAtWarehouse
	if v%5 == 0 {
		status = carrier.StatusCompleted
	}
	return carrier.Job{
		DoNumber:  doNumber,
		Status:    status,
		JobType:   "Delivery",
		Group:     "localdelivery",
		UpdatedAt: time.Now().UTC(),
	}
}

func (f *FakeClient) PatchCalls() []PatchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PatchCall(nil), f.Patches...)
}

func (f *FakeClient) ReattemptCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Reattempts...)
}
