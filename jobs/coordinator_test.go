package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DavidKalina/realtime-markers-demo-sub012/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// stubDirectory fixed session membership table
type stubDirectory struct {
	members map[string][]string
}

func (d stubDirectory) Members(ctxt context.Context, sessionID string) ([]string, error) {
	members, ok := d.members[sessionID]
	if !ok {
		return nil, fmt.Errorf("session not found")
	}
	return members, nil
}

type recordedDelivery struct {
	connections []string
	update      StatusUpdate
}

func nextDelivery(
	assert *assert.Assertions, deliveries chan recordedDelivery,
) recordedDelivery {
	select {
	case delivery := <-deliveries:
		return delivery
	case <-time.After(time.Second):
		assert.FailNow("timed out waiting for a status update delivery")
	}
	return recordedDelivery{}
}

func TestJobLifecycle(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	tp, err := common.GetNewTaskProcessorInstance("ut-jobs", 16, utCtxt)
	assert.Nil(err)

	sessionID := uuid.New().String()
	members := []string{uuid.New().String(), uuid.New().String()}
	directory := stubDirectory{members: map[string][]string{sessionID: members}}

	uut, err := DefineCoordinator(tp, directory)
	assert.Nil(err)
	deliveries := make(chan recordedDelivery, 8)
	assert.Nil(uut.Start(
		func(ctxt context.Context, connections []string, update StatusUpdate) error {
			deliveries <- recordedDelivery{connections: connections, update: update}
			return nil
		},
	))
	assert.Nil(tp.StartEventLoop(&wg))

	// Case 1: queuing under an unknown session fails
	{
		_, err := uut.AddJob(utCtxt, uuid.New().String(), json.RawMessage(`{}`))
		assert.NotNil(err)
	}

	// Case 2: queue a job
	spec := json.RawMessage(`{"task":"compute-route"}`)
	jobID, err := uut.AddJob(utCtxt, sessionID, spec)
	assert.Nil(err)
	{
		job, err := uut.GetJob(utCtxt, jobID)
		assert.Nil(err)
		assert.Equal(JobQueued, job.Status)
		assert.Equal(spec, job.Spec)
		assert.Empty(job.Result)
	}

	// Case 3: start moves the job to RUNNING and informs the session
	{
		assert.Nil(uut.StartJob(utCtxt, jobID))
		delivery := nextDelivery(assert, deliveries)
		assert.Equal(members, delivery.connections)
		assert.Equal(jobID, delivery.update.JobID)
		assert.Equal(JobRunning, delivery.update.Status)
	}

	// Case 4: repeat start is ignored
	{
		assert.Nil(uut.StartJob(utCtxt, jobID))
		assert.Empty(deliveries)
	}

	// Case 5: progress reports carry a payload but no transition
	{
		payload := json.RawMessage(`{"percent":40}`)
		assert.Nil(uut.ReportProgress(utCtxt, jobID, payload))
		delivery := nextDelivery(assert, deliveries)
		assert.Equal(JobRunning, delivery.update.Status)
		assert.Equal(payload, delivery.update.Payload)
		job, err := uut.GetJob(utCtxt, jobID)
		assert.Nil(err)
		assert.Equal(JobRunning, job.Status)
		assert.Empty(job.Result)
	}

	// Case 6: completion stores the result and informs the session
	{
		result := json.RawMessage(`{"route":[1,2,3]}`)
		assert.Nil(uut.ReportResult(utCtxt, jobID, result))
		delivery := nextDelivery(assert, deliveries)
		assert.Equal(JobCompleted, delivery.update.Status)
		assert.Equal(result, delivery.update.Payload)
		job, err := uut.GetJob(utCtxt, jobID)
		assert.Nil(err)
		assert.Equal(JobCompleted, job.Status)
		assert.Equal(result, job.Result)
	}

	// Case 7: reports after a terminal state are suppressed without error
	{
		assert.Nil(uut.ReportProgress(utCtxt, jobID, json.RawMessage(`{"percent":99}`)))
		assert.Nil(uut.ReportFailure(utCtxt, jobID, json.RawMessage(`{"reason":"late"}`)))
		assert.Empty(deliveries)
		job, err := uut.GetJob(utCtxt, jobID)
		assert.Nil(err)
		assert.Equal(JobCompleted, job.Status)
	}

	// Case 8: unknown job ids are reported as such
	{
		_, err := uut.GetJob(utCtxt, uuid.New().String())
		assert.Equal(ErrJobNotFound, err)
		assert.Equal(ErrJobNotFound, uut.StartJob(utCtxt, uuid.New().String()))
		assert.Equal(
			ErrJobNotFound, uut.ReportResult(utCtxt, uuid.New().String(), nil),
		)
	}
}

func TestJobCancellation(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	tp, err := common.GetNewTaskProcessorInstance("ut-jobs", 16, utCtxt)
	assert.Nil(err)

	sessionID := uuid.New().String()
	members := []string{uuid.New().String()}
	directory := stubDirectory{members: map[string][]string{sessionID: members}}

	uut, err := DefineCoordinator(tp, directory)
	assert.Nil(err)
	deliveries := make(chan recordedDelivery, 8)
	assert.Nil(uut.Start(
		func(ctxt context.Context, connections []string, update StatusUpdate) error {
			deliveries <- recordedDelivery{connections: connections, update: update}
			return nil
		},
	))
	assert.Nil(tp.StartEventLoop(&wg))

	jobID, err := uut.AddJob(utCtxt, sessionID, json.RawMessage(`{"task":"geocode"}`))
	assert.Nil(err)
	assert.Nil(uut.StartJob(utCtxt, jobID))
	nextDelivery(assert, deliveries)

	// Case 1: cancel transitions the job and informs the session
	{
		assert.Nil(uut.CancelJob(utCtxt, jobID))
		delivery := nextDelivery(assert, deliveries)
		assert.Equal(JobCancelled, delivery.update.Status)
		job, err := uut.GetJob(utCtxt, jobID)
		assert.Nil(err)
		assert.Equal(JobCancelled, job.Status)
	}

	// Case 2: a result landing after the cancel is never delivered
	{
		assert.Nil(uut.ReportResult(utCtxt, jobID, json.RawMessage(`{"done":true}`)))
		assert.Empty(deliveries)
		job, err := uut.GetJob(utCtxt, jobID)
		assert.Nil(err)
		assert.Equal(JobCancelled, job.Status)
		assert.Empty(job.Result)
	}

	// Case 3: repeat cancel is a silent no-op
	{
		assert.Nil(uut.CancelJob(utCtxt, jobID))
		assert.Empty(deliveries)
	}

	// Case 4: cancelling an unknown job fails
	{
		assert.Equal(ErrJobNotFound, uut.CancelJob(utCtxt, uuid.New().String()))
	}
}

func TestCancelSessionJobs(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	tp, err := common.GetNewTaskProcessorInstance("ut-jobs", 16, utCtxt)
	assert.Nil(err)

	sessionID := uuid.New().String()
	directory := stubDirectory{
		members: map[string][]string{sessionID: {uuid.New().String()}},
	}

	uut, err := DefineCoordinator(tp, directory)
	assert.Nil(err)
	deliveries := make(chan recordedDelivery, 8)
	assert.Nil(uut.Start(
		func(ctxt context.Context, connections []string, update StatusUpdate) error {
			deliveries <- recordedDelivery{connections: connections, update: update}
			return nil
		},
	))
	assert.Nil(tp.StartEventLoop(&wg))

	queuedJob, err := uut.AddJob(utCtxt, sessionID, json.RawMessage(`{"task":"a"}`))
	assert.Nil(err)
	finishedJob, err := uut.AddJob(utCtxt, sessionID, json.RawMessage(`{"task":"b"}`))
	assert.Nil(err)
	assert.Nil(uut.StartJob(utCtxt, finishedJob))
	nextDelivery(assert, deliveries)
	assert.Nil(uut.ReportResult(utCtxt, finishedJob, json.RawMessage(`{}`)))
	nextDelivery(assert, deliveries)

	// Case 1: the whole session's job history is dropped
	{
		assert.Nil(uut.CancelSessionJobs(utCtxt, sessionID))
		_, err := uut.GetJob(utCtxt, queuedJob)
		assert.Equal(ErrJobNotFound, err)
		_, err = uut.GetJob(utCtxt, finishedJob)
		assert.Equal(ErrJobNotFound, err)
	}

	// Case 2: no per-job fan-out happens on the session sweep
	{
		assert.Empty(deliveries)
	}

	// Case 3: sweeping a session with no jobs is a no-op
	{
		assert.Nil(uut.CancelSessionJobs(utCtxt, uuid.New().String()))
	}

	// Case 4: the session is verified inside the queue insert itself, so a
	// session dying after submission can not leave an orphaned job behind
	{
		delete(directory.members, sessionID)
		_, err := uut.AddJob(utCtxt, sessionID, json.RawMessage(`{"task":"c"}`))
		assert.NotNil(err)
		assert.Nil(uut.CancelSessionJobs(utCtxt, sessionID))
		assert.Empty(deliveries)
	}
}
