package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/DavidKalina/realtime-markers-demo-sub012/common"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// JobStatus job lifecycle state
type JobStatus string

// Job lifecycle states
const (
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobCancelled JobStatus = "CANCELLED"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

// terminal whether a status admits no further transition
func (s JobStatus) terminal() bool {
	return s == JobCancelled || s == JobCompleted || s == JobFailed
}

// ErrJobNotFound returned when a job id is unknown to the coordinator
var ErrJobNotFound = fmt.Errorf("job not found")

// Job an asynchronous session-scoped unit of work
type Job struct {
	ID        string
	SessionID string
	Spec      json.RawMessage
	Status    JobStatus
	Result    json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StatusUpdate a job transition or progress report bound for session members
type StatusUpdate struct {
	JobID     string
	SessionID string
	Status    JobStatus
	Payload   json.RawMessage
}

// SessionDirectory resolves a session id to its current member connections
type SessionDirectory interface {
	// Members fetch the member connection ids of a session
	Members(ctxt context.Context, sessionID string) ([]string, error)
}

// DeliverCB callback for forwarding a status update to a set of connections
type DeliverCB func(ctxt context.Context, connections []string, update StatusUpdate) error

// Coordinator manages session-scoped jobs and their result delivery
type Coordinator interface {
	// AddJob create a new QUEUED job under a session
	AddJob(ctxt context.Context, sessionID string, spec json.RawMessage) (string, error)
	// CancelJob cancel a job. No-op if the job already reached a terminal state.
	// Once cancelled, no further report for the job is delivered to anyone.
	CancelJob(ctxt context.Context, jobID string) error
	// StartJob called by the execution collaborator when it picks up a job
	StartJob(ctxt context.Context, jobID string) error
	// ReportProgress called by the execution collaborator with an interim payload.
	// Suppressed without error if the job is already CANCELLED.
	ReportProgress(ctxt context.Context, jobID string, payload json.RawMessage) error
	// ReportResult called by the execution collaborator on successful completion.
	// Suppressed without error if the job is already CANCELLED.
	ReportResult(ctxt context.Context, jobID string, payload json.RawMessage) error
	// ReportFailure called by the execution collaborator when a job failed.
	// Suppressed without error if the job is already CANCELLED.
	ReportFailure(ctxt context.Context, jobID string, payload json.RawMessage) error
	// CancelSessionJobs cancel every non-terminal job owned by a session
	CancelSessionJobs(ctxt context.Context, sessionID string) error
	// GetJob fetch a job record
	GetJob(ctxt context.Context, jobID string) (Job, error)
	// Start begin forwarding status updates through the delivery callback
	Start(deliverCB DeliverCB) error
}

// coordinatorImpl implements Coordinator
type coordinatorImpl struct {
	common.Component
	tp        common.TaskProcessor
	directory SessionDirectory
	jobs      map[string]*Job
	bySession map[string][]string
	deliver   DeliverCB
	started   bool
	lock      *sync.Mutex
}

// DefineCoordinator create new job Coordinator
func DefineCoordinator(
	tp common.TaskProcessor, directory SessionDirectory,
) (Coordinator, error) {
	logTags := log.Fields{
		"module": "jobs", "component": "coordinator",
	}
	instance := coordinatorImpl{
		Component: common.Component{LogTags: logTags},
		tp:        tp,
		directory: directory,
		jobs:      make(map[string]*Job),
		bySession: make(map[string][]string),
		started:   false,
		lock:      &sync.Mutex{},
	}

	// Define task executions
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(jobAddReq{}), instance.processAddRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(jobCancelReq{}), instance.processCancelRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(jobStartReq{}), instance.processStartRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(jobReportReq{}), instance.processReportRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(jobCancelSessionReq{}), instance.processCancelSessionRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(jobGetReq{}), instance.processGetRequest,
	); err != nil {
		return nil, err
	}

	return &instance, nil
}

// Start begin forwarding status updates through the delivery callback
func (c *coordinatorImpl) Start(deliverCB DeliverCB) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.started {
		return fmt.Errorf("already started")
	}
	c.deliver = deliverCB
	c.started = true
	return nil
}

// fanOut push one status update to every current member of the owning session
func (c *coordinatorImpl) fanOut(ctxt context.Context, update StatusUpdate) {
	if c.deliver == nil {
		return
	}
	members, err := c.directory.Members(ctxt, update.SessionID)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf(
			"Unable to resolve members of session %s for job %s", update.SessionID, update.JobID,
		)
		return
	}
	if len(members) == 0 {
		return
	}
	if err := c.deliver(ctxt, members, update); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf(
			"Delivery of job %s update failed", update.JobID,
		)
	}
}

// ========================================================================================
// AddJob

type jobAddReq struct {
	ctxt      context.Context
	sessionID string
	spec      json.RawMessage
	resultCB  func(jobID string, err error)
}

// AddJob create a new QUEUED job under a session
func (c *coordinatorImpl) AddJob(
	ctxt context.Context, sessionID string, spec json.RawMessage,
) (string, error) {
	resultChan := make(chan string, 1)
	errorChan := make(chan error, 1)
	handler := func(jobID string, err error) {
		resultChan <- jobID
		errorChan <- err
	}

	request := jobAddReq{ctxt: ctxt, sessionID: sessionID, spec: spec, resultCB: handler}

	if err := c.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf(
			"Failed to submit add-job for session %s", sessionID,
		)
		return "", err
	}

	select {
	case jobID := <-resultChan:
		return jobID, <-errorChan
	case <-ctxt.Done():
		return "", ctxt.Err()
	}
}

func (c *coordinatorImpl) processAddRequest(param interface{}) error {
	request, ok := param.(jobAddReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for add job", reflect.TypeOf(param),
		)
	}
	jobID, err := c.ProcessAddRequest(request.ctxt, request.sessionID, request.spec)
	request.resultCB(jobID, err)
	return nil
}

// ProcessAddRequest create a new QUEUED job under a session
func (c *coordinatorImpl) ProcessAddRequest(
	ctxt context.Context, sessionID string, spec json.RawMessage,
) (string, error) {
	// Checked here rather than at submit time; the session could die between
	// the two, and a job queued after its session's cancel sweep would never
	// be swept again
	if _, err := c.directory.Members(ctxt, sessionID); err != nil {
		return "", err
	}
	now := time.Now().UTC()
	job := &Job{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Spec:      spec,
		Status:    JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	c.jobs[job.ID] = job
	c.bySession[sessionID] = append(c.bySession[sessionID], job.ID)
	log.WithFields(c.LogTags).Infof("Queued job %s for session %s", job.ID, sessionID)
	return job.ID, nil
}

// ========================================================================================
// CancelJob

type jobCancelReq struct {
	ctxt     context.Context
	jobID    string
	resultCB func(err error)
}

// CancelJob cancel a job. No-op if the job already reached a terminal state.
func (c *coordinatorImpl) CancelJob(ctxt context.Context, jobID string) error {
	errorChan := make(chan error, 1)
	handler := func(err error) {
		errorChan <- err
	}

	request := jobCancelReq{ctxt: ctxt, jobID: jobID, resultCB: handler}

	if err := c.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Failed to submit cancel of job %s", jobID)
		return err
	}

	select {
	case err := <-errorChan:
		return err
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

func (c *coordinatorImpl) processCancelRequest(param interface{}) error {
	request, ok := param.(jobCancelReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for cancel job", reflect.TypeOf(param),
		)
	}
	request.resultCB(c.ProcessCancelRequest(request.ctxt, request.jobID))
	return nil
}

// ProcessCancelRequest cancel a job
func (c *coordinatorImpl) ProcessCancelRequest(ctxt context.Context, jobID string) error {
	job, ok := c.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status.terminal() {
		log.WithFields(c.LogTags).Debugf(
			"Ignoring cancel of job %s already in state %s", jobID, job.Status,
		)
		return nil
	}
	job.Status = JobCancelled
	job.UpdatedAt = time.Now().UTC()
	log.WithFields(c.LogTags).Infof("Cancelled job %s", jobID)
	c.fanOut(ctxt, StatusUpdate{JobID: jobID, SessionID: job.SessionID, Status: JobCancelled})
	return nil
}

// ========================================================================================
// StartJob

type jobStartReq struct {
	ctxt     context.Context
	jobID    string
	resultCB func(err error)
}

// StartJob called by the execution collaborator when it picks up a job
func (c *coordinatorImpl) StartJob(ctxt context.Context, jobID string) error {
	errorChan := make(chan error, 1)
	handler := func(err error) {
		errorChan <- err
	}

	request := jobStartReq{ctxt: ctxt, jobID: jobID, resultCB: handler}

	if err := c.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Failed to submit start of job %s", jobID)
		return err
	}

	select {
	case err := <-errorChan:
		return err
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

func (c *coordinatorImpl) processStartRequest(param interface{}) error {
	request, ok := param.(jobStartReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for start job", reflect.TypeOf(param),
		)
	}
	request.resultCB(c.ProcessStartRequest(request.ctxt, request.jobID))
	return nil
}

// ProcessStartRequest transition a job from QUEUED to RUNNING
func (c *coordinatorImpl) ProcessStartRequest(ctxt context.Context, jobID string) error {
	job, ok := c.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != JobQueued {
		// Cancelled while queued, or collaborator double-started it
		log.WithFields(c.LogTags).Debugf(
			"Ignoring start of job %s in state %s", jobID, job.Status,
		)
		return nil
	}
	job.Status = JobRunning
	job.UpdatedAt = time.Now().UTC()
	c.fanOut(ctxt, StatusUpdate{JobID: jobID, SessionID: job.SessionID, Status: JobRunning})
	return nil
}

// ========================================================================================
// ReportProgress / ReportResult / ReportFailure

type jobReportReq struct {
	ctxt     context.Context
	jobID    string
	payload  json.RawMessage
	terminal JobStatus
	resultCB func(err error)
}

func (c *coordinatorImpl) submitReport(
	ctxt context.Context, jobID string, payload json.RawMessage, terminal JobStatus,
) error {
	errorChan := make(chan error, 1)
	handler := func(err error) {
		errorChan <- err
	}

	request := jobReportReq{
		ctxt: ctxt, jobID: jobID, payload: payload, terminal: terminal, resultCB: handler,
	}

	if err := c.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Failed to submit report for job %s", jobID)
		return err
	}

	select {
	case err := <-errorChan:
		return err
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// ReportProgress called by the execution collaborator with an interim payload
func (c *coordinatorImpl) ReportProgress(
	ctxt context.Context, jobID string, payload json.RawMessage,
) error {
	return c.submitReport(ctxt, jobID, payload, "")
}

// ReportResult called by the execution collaborator on successful completion
func (c *coordinatorImpl) ReportResult(
	ctxt context.Context, jobID string, payload json.RawMessage,
) error {
	return c.submitReport(ctxt, jobID, payload, JobCompleted)
}

// ReportFailure called by the execution collaborator when a job failed
func (c *coordinatorImpl) ReportFailure(
	ctxt context.Context, jobID string, payload json.RawMessage,
) error {
	return c.submitReport(ctxt, jobID, payload, JobFailed)
}

func (c *coordinatorImpl) processReportRequest(param interface{}) error {
	request, ok := param.(jobReportReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for job report", reflect.TypeOf(param),
		)
	}
	request.resultCB(
		c.ProcessReportRequest(request.ctxt, request.jobID, request.payload, request.terminal),
	)
	return nil
}

// ProcessReportRequest record a collaborator report and fan it out to the session.
// An empty terminal status marks a progress report.
func (c *coordinatorImpl) ProcessReportRequest(
	ctxt context.Context, jobID string, payload json.RawMessage, terminal JobStatus,
) error {
	job, ok := c.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status.terminal() {
		// Late report after cancel / completion. Never delivered.
		log.WithFields(c.LogTags).Infof(
			"Suppressing report for job %s already in state %s", jobID, job.Status,
		)
		return nil
	}
	status := job.Status
	if terminal != "" {
		job.Status = terminal
		job.Result = payload
		status = terminal
	}
	job.UpdatedAt = time.Now().UTC()
	c.fanOut(ctxt, StatusUpdate{
		JobID: jobID, SessionID: job.SessionID, Status: status, Payload: payload,
	})
	return nil
}

// ========================================================================================
// CancelSessionJobs

type jobCancelSessionReq struct {
	ctxt      context.Context
	sessionID string
	resultCB  func(err error)
}

// CancelSessionJobs cancel every non-terminal job owned by a session
func (c *coordinatorImpl) CancelSessionJobs(ctxt context.Context, sessionID string) error {
	errorChan := make(chan error, 1)
	handler := func(err error) {
		errorChan <- err
	}

	request := jobCancelSessionReq{ctxt: ctxt, sessionID: sessionID, resultCB: handler}

	if err := c.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf(
			"Failed to submit cancel of session %s jobs", sessionID,
		)
		return err
	}

	select {
	case err := <-errorChan:
		return err
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

func (c *coordinatorImpl) processCancelSessionRequest(param interface{}) error {
	request, ok := param.(jobCancelSessionReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for cancel session jobs", reflect.TypeOf(param),
		)
	}
	request.resultCB(c.ProcessCancelSessionRequest(request.ctxt, request.sessionID))
	return nil
}

// ProcessCancelSessionRequest cancel every non-terminal job owned by a session
// and drop the session's job history
func (c *coordinatorImpl) ProcessCancelSessionRequest(
	ctxt context.Context, sessionID string,
) error {
	jobIDs, ok := c.bySession[sessionID]
	if !ok {
		return nil
	}
	for _, jobID := range jobIDs {
		job, present := c.jobs[jobID]
		if !present {
			continue
		}
		if !job.Status.terminal() {
			job.Status = JobCancelled
			job.UpdatedAt = time.Now().UTC()
			log.WithFields(c.LogTags).Infof(
				"Cancelled job %s with session %s", jobID, sessionID,
			)
		}
		delete(c.jobs, jobID)
	}
	delete(c.bySession, sessionID)
	return nil
}

// ========================================================================================
// GetJob

type jobGetReq struct {
	ctxt     context.Context
	jobID    string
	resultCB func(job Job, err error)
}

// GetJob fetch a job record
func (c *coordinatorImpl) GetJob(ctxt context.Context, jobID string) (Job, error) {
	resultChan := make(chan Job, 1)
	errorChan := make(chan error, 1)
	handler := func(job Job, err error) {
		resultChan <- job
		errorChan <- err
	}

	request := jobGetReq{ctxt: ctxt, jobID: jobID, resultCB: handler}

	if err := c.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Failed to submit fetch of job %s", jobID)
		return Job{}, err
	}

	select {
	case job := <-resultChan:
		return job, <-errorChan
	case <-ctxt.Done():
		return Job{}, ctxt.Err()
	}
}

func (c *coordinatorImpl) processGetRequest(param interface{}) error {
	request, ok := param.(jobGetReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for fetch job", reflect.TypeOf(param),
		)
	}
	job, err := c.ProcessGetRequest(request.ctxt, request.jobID)
	request.resultCB(job, err)
	return nil
}

// ProcessGetRequest fetch a job record
func (c *coordinatorImpl) ProcessGetRequest(ctxt context.Context, jobID string) (Job, error) {
	job, ok := c.jobs[jobID]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return *job, nil
}
