package agent

import (
	"container/list"
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/amazonlinux/bottlerocket/duagent/pkg/commchannel"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/result"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/retry"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/workflow"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

const (
	msgTypeResult = "updrslt"
	// reportExpiry bounds how long a report is retried before it is given
	// up on.
	reportExpiry = time.Hour
)

var errNotConnected = errors.New("communication channel not connected")

type reportWorkflow struct {
	Action         workflow.Action `json:"action"`
	ID             string          `json:"id"`
	RetryTimestamp string          `json:"retryTimestamp,omitempty"`
}

type reportResult struct {
	ResultCode         result.Code             `json:"resultCode"`
	ExtendedResultCode int                     `json:"extendedResultCode"`
	ResultDetails      string                  `json:"resultDetails,omitempty"`
	StepResults        map[string]reportResult `json:"stepResults,omitempty"`
}

// report is the state of a workflow as sent to the service.
type report struct {
	State             workflow.State `json:"state"`
	Workflow          reportWorkflow `json:"workflow"`
	InstalledUpdateID string         `json:"installedUpdateId,omitempty"`
	LastInstallResult reportResult   `json:"lastInstallResult"`
}

func reportOf(n *workflow.Node) report {
	return report{
		State: workflow.RootState(n),
		Workflow: reportWorkflow{
			Action:         n.Action(),
			ID:             n.ID(),
			RetryTimestamp: n.RetryToken(),
		},
		InstalledUpdateID: n.InstalledUpdateID(),
		LastInstallResult: resultOf(n),
	}
}

func resultOf(n *workflow.Node) reportResult {
	res := n.Result()
	r := reportResult{
		ResultCode:         res.Code,
		ExtendedResultCode: res.Extended,
		ResultDetails:      n.ResultDetails(),
	}
	if n.ChildCount() == 0 {
		return r
	}
	r.StepResults = make(map[string]reportResult, n.ChildCount())
	for i := 0; i < n.ChildCount(); i++ {
		r.StepResults["step_"+strconv.Itoa(i)] = resultOf(n.Child(i))
	}
	return r
}

// report queues the current state of n for publishing.
func (a *Agent) report(n *workflow.Node) {
	payload, err := json.Marshal(reportOf(n))
	if err != nil {
		a.log.WithError(err).Error("unable to serialize report")
		return
	}
	correlationID := a.newID()
	op := retry.NewOperation(a.log, "report", func(ctx context.Context, op *retry.Operation) error {
		if err := a.publish(payload, correlationID); err != nil {
			return retry.Fail(retry.FailureClientTransient, err)
		}
		op.Complete()
		return nil
	})
	op.Params = a.cfg.Retry
	op.ExpiresAt = time.Now().Add(reportExpiry)
	a.reports.add(op)
}

func (a *Agent) publish(payload []byte, correlationID string) error {
	if !a.channel.IsConnected() {
		return errNotConnected
	}
	props := &commchannel.Properties{
		User: map[string]string{
			commchannel.UserPropertyMessageType: msgTypeResult,
			commchannel.UserPropertyProtocolID:  commchannel.ProtocolID,
		},
		CorrelationData: []byte(correlationID),
		ContentType:     "application/json",
	}
	_, err := a.channel.Publish(a.cfg.Agent.AgentTopicFor(), a.cfg.MQTT.QoS, false, payload, props)
	return errors.WithMessage(err, "unable to publish report")
}

// reportTracker holds reports until they are published or given up on.
type reportTracker struct {
	mu   sync.Mutex
	list *list.List
}

func newReportTracker() *reportTracker {
	return &reportTracker{list: list.New()}
}

func (r *reportTracker) add(op *retry.Operation) {
	r.mu.Lock()
	r.list.PushBack(op)
	r.mu.Unlock()
}

// doWork advances every report in the order they were queued and forgets
// those that are done.
func (r *reportTracker) doWork(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for elm := r.list.Front(); elm != nil; {
		op := elm.Value.(*retry.Operation)
		op.DoWork(ctx)
		next := elm.Next()
		if op.State().Terminal() {
			r.list.Remove(elm)
		}
		elm = next
	}
}

func (r *reportTracker) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list.Len()
}
