package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amazonlinux/bottlerocket/duagent/pkg/commchannel"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/config"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/extension"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/handler"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/internal/logfields"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/logging"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/metrics"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/retry"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/statestore"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/workflow"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/workflow/cache"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/workgroup"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	// msgTypeAction marks update actions sent by the service.
	msgTypeAction = "upd_resp"
	inboxSize     = 16
)

// Channel is the MQTT session the agent exchanges messages over.
type Channel interface {
	Initialize(params commchannel.InitParams) error
	Deinitialize() error
	DoWork()
	IsConnected() bool
	Publish(topic string, qos byte, retain bool, payload []byte, props *commchannel.Properties) (int, error)
}

// Host carries out reboot and restart requests once a deployment completes.
type Host interface {
	Reboot(ctx context.Context) error
	RestartAgent(ctx context.Context) error
}

// Options are the collaborators of an Agent.
type Options struct {
	Channel  Channel
	Registry *handler.Registry
	Gateway  extension.Gateway
	// Verifier checks manifest signatures, none are checked when nil.
	Verifier workflow.Verifier
	Host     Host
	Store    statestore.Store
}

type Agent struct {
	log      logging.Logger
	cfg      *config.Config
	channel  Channel
	registry *handler.Registry
	host     Host
	store    statestore.Store
	parse    []workflow.ParseOption

	last  cache.LastCache
	newID func() string
	inbox chan inbound
	start chan *workflow.Node

	reports *reportTracker
	// connected mirrors the channel state for readers off the pump.
	connected atomic.Bool

	mu sync.Mutex
	// cur describes the deployment owned by the worker. The worker alone
	// touches the running workflow; other goroutines hand it controls.
	cur      deployment
	pending  *control
	cancelOp context.CancelFunc
	// done is the last completed deployment, kept so it may be retried.
	done *workflow.Node
}

type deployment struct {
	id         string
	retryToken string
	inProgress bool
	cancelling bool
}

// control is a request to change the course of the running deployment.
type control struct {
	cancel     bool
	retryToken string
	next       *workflow.Node
}

type inbound struct {
	source  string
	payload []byte
}

func New(log logging.Logger, cfg *config.Config, opts Options) (*Agent, error) {
	if cfg == nil {
		return nil, errors.New("config must be provided for Agent to run")
	}
	if opts.Store == nil {
		opts.Store = statestore.NewMemory()
	}
	parse := []workflow.ParseOption{
		workflow.WithSandboxRoot(cfg.Agent.SandboxRoot),
	}
	if opts.Gateway != nil {
		parse = append(parse, workflow.WithGateway(opts.Gateway))
	}
	if opts.Verifier != nil {
		parse = append(parse, workflow.WithValidation(opts.Verifier))
	}
	return &Agent{
		log:      log,
		cfg:      cfg,
		channel:  opts.Channel,
		registry: opts.Registry,
		host:     opts.Host,
		store:    opts.Store,
		parse:    parse,
		last:     cache.NewLastCache(),
		newID:    uuid.NewString,
		inbox:    make(chan inbound, inboxSize),
		start:    make(chan *workflow.Node, 1),
		reports:  newReportTracker(),
	}, nil
}

func (a *Agent) checkProviders() error {
	switch {
	case a.channel == nil:
		return errors.New("communication channel is nil")
	case a.registry == nil:
		return errors.New("handler registry is nil")
	case a.host == nil:
		return errors.New("host is nil")
	}
	return nil
}

func (a *Agent) Run(ctx context.Context) error {
	if err := a.checkProviders(); err != nil {
		return errors.WithMessage(err, "misconfigured")
	}
	a.log.Debug("starting")
	defer a.log.Debug("finished")

	err := a.channel.Initialize(commchannel.InitParams{
		Settings:  a.cfg.MQTT,
		Callbacks: a.callbacks(),
		Store:     a.store,
		Backoff:   commchannel.NewPolicyBackoff(a.cfg.Retry.For(retry.FailureServerTransient)),
	})
	if err != nil {
		return errors.WithMessage(err, "unable to initialize communication channel")
	}
	defer func() {
		if err := a.channel.Deinitialize(); err != nil {
			a.log.WithError(err).Warn("unable to deinitialize communication channel")
		}
	}()

	group := workgroup.WithContext(ctx)
	group.Work(a.pump)
	group.Work(a.receive)
	group.Work(a.process)

	select {
	case <-ctx.Done():
		a.log.Info("waiting on workers to finish")
		return group.Wait()
	}
}

func (a *Agent) callbacks() commchannel.Callbacks {
	return commchannel.Callbacks{
		OnMessageFunc: a.onMessage,
		OnConnectFunc: func(rc int, _ int, _ *commchannel.Properties) {
			a.log.WithField("rc", rc).Info("connected to update service")
		},
		OnDisconnectFunc: func(rc int, _ *commchannel.Properties) {
			a.log.WithField("rc", rc).Warn("disconnected from update service")
		},
		SubscriptionTopicsFunc: func() []string {
			return []string{a.cfg.Agent.ServiceTopicFor()}
		},
	}
}

// pump drives the channel and the pending reports. It is the only
// goroutine to call into the channel.
func (a *Agent) pump(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Agent.WorkInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.channel.DoWork()
			a.connected.Store(a.channel.IsConnected())
			a.reports.doWork(ctx)
		}
	}
}

// Ready reports an error until the agent is connected to the update service.
func (a *Agent) Ready() error {
	if !a.connected.Load() {
		return errNotConnected
	}
	return nil
}

func (a *Agent) onMessage(msg *commchannel.Message) {
	log := a.log.WithField("topic", msg.Topic)
	if msg.Topic != a.cfg.Agent.ServiceTopicFor() {
		log.Debug("ignoring message on foreign topic")
		return
	}
	if mt, ok := msg.Properties.UserProperty(commchannel.UserPropertyMessageType); ok && mt != msgTypeAction {
		log.WithField("mt", mt).Debug("ignoring message type")
		return
	}
	select {
	case a.inbox <- inbound{source: msg.Topic, payload: msg.Payload}:
	default:
		metrics.MessagesDropped.WithLabelValues("agent-busy").Inc()
		log.Warn("dropping update action, agent is busy")
	}
}

// receive parses inbound actions. Parsing may download a detached manifest
// so it is kept off the pump.
func (a *Agent) receive(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case in := <-a.inbox:
			if err := a.handleAction(ctx, in.source, in.payload); err != nil {
				a.log.WithError(err).Error("could not handle update action")
			}
		}
	}
}

// handleAction decides what an update action means for the deployment in
// flight.
func (a *Agent) handleAction(ctx context.Context, source string, payload []byte) error {
	n, err := workflow.Parse(ctx, string(payload), a.parse...)
	if err != nil {
		metrics.MessagesDropped.WithLabelValues("invalid-action").Inc()
		return errors.WithMessage(err, "unable to parse update action")
	}
	log := a.log.WithFields(logfields.Workflow(n))

	if last, ok := a.last.Last(source); ok && last == cache.SummaryOf(n) {
		log.Debug("ignoring redelivered update action")
		n.Free()
		return nil
	}
	a.last.Record(source, n)

	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case n.Action() == workflow.ActionCancel:
		n.Free()
		switch {
		case !a.cur.inProgress:
			log.Info("no deployment in progress to cancel")
		case a.cur.cancelling:
			log.Debug("deployment already cancelling")
		default:
			log.Info("cancelling deployment")
			a.cur.cancelling = true
			a.request(&control{cancel: true})
		}

	case a.cur.id != "" && n.ID() == a.cur.id:
		token := n.RetryToken()
		if token == "" || token == a.cur.retryToken {
			log.Debug("ignoring repeated deployment")
			n.Free()
			return nil
		}
		a.cur.retryToken = token
		if a.cur.inProgress {
			log.Info("retrying deployment in progress")
			n.Free()
			a.request(&control{retryToken: token})
			return nil
		}
		log.Info("retrying deployment")
		if a.done == nil {
			a.begin(n)
			return nil
		}
		n.Free()
		retried := a.done
		workflow.UpdateRetryDeployment(retried, token)
		workflow.UpdateForRetry(retried)
		a.begin(retried)

	case a.cur.inProgress:
		log.WithField("current", a.cur.id).Info("replacing deployment once it stops")
		a.request(&control{next: n})

	default:
		log.Info("starting deployment")
		if a.done != nil {
			a.done.Free()
		}
		a.begin(n)
	}
	return nil
}

// begin hands n to the idle worker. The caller holds mu.
func (a *Agent) begin(n *workflow.Node) {
	a.done = nil
	a.cur = deployment{id: n.ID(), retryToken: n.RetryToken(), inProgress: true}
	a.start <- n
}

// request queues c for the worker and interrupts the running phase. The
// latest request wins. The caller holds mu.
func (a *Agent) request(c *control) {
	if a.pending != nil && a.pending.next != nil && a.pending.next != c.next {
		a.pending.next.Free()
	}
	a.pending = c
	if a.cancelOp != nil {
		a.cancelOp()
	}
}

func (a *Agent) takePending() *control {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.pending
	a.pending = nil
	return c
}

// apply records c on the running workflow n.
func (a *Agent) apply(ctx context.Context, n *workflow.Node, c *control) {
	switch {
	case c.next != nil:
		workflow.UpdateReplacementDeployment(n, c.next)
	case c.retryToken != "":
		workflow.UpdateRetryDeployment(n, c.retryToken)
	case c.cancel:
		n.SetCancellationType(workflow.CancellationNormal)
		if h, err := a.registry.For(n); err == nil {
			if _, err := h.Cancel(ctx, n); err != nil {
				a.log.WithFields(logfields.Workflow(n)).WithError(err).Warn("handler could not cancel")
			}
		}
		workflow.RequestCancel(n)
	}
}

func (a *Agent) process(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-a.start:
			for n != nil && ctx.Err() == nil {
				n = a.execute(ctx, n)
			}
		}
	}
}
