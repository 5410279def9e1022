package quorum

import (
	"context"
	"sort"
	"sync"
	"time"

	"pkt.systems/pslog"

	"quorumdb/internal/clock"
	"quorumdb/internal/protocol"
)

const (
	// DefaultWaitSlice bounds one uninterrupted sleep of a waiter.
	DefaultWaitSlice = 10 * time.Second
	// AdditionalTimeoutClusterShape is added to the synchronous timeout to
	// form the default total timeout.
	AdditionalTimeoutClusterShape = 10 * time.Second
)

// FailureDetector answers reachability questions about other nodes.
type FailureDetector interface {
	IsNodeAvailable(node string) bool
	DatabaseStatus(node, db string) protocol.DatabaseStatus
	LastClusterChange() time.Time
}

// Fixer brings nodes that answered differently from the quorum back in line.
// It is called after the final response is resolved and must not block.
type Fixer interface {
	Fix(req *protocol.Request, winner *protocol.Response, losers []*protocol.Response)
}

// Undoer compensates a non-idempotent request that failed to reach the
// quorum on the nodes that applied it. It must not block.
type Undoer interface {
	Undo(req *protocol.Request, applied []*protocol.Response)
}

// Options configure a Manager.
type Options struct {
	Request   *protocol.Request
	LocalNode string
	// ExpectedNodes are the nodes the request was sent to.
	ExpectedNodes []string
	// ConcurringNodes are the nodes whose answers count toward the quorum.
	// Nil means every expected node.
	ConcurringNodes  []string
	Quorum           int
	GroupByResult    bool
	WaitForLocalNode bool
	SynchTimeout     time.Duration
	// TotalTimeout caps the wait including the extension granted when the
	// cluster shape changes. Defaults to SynchTimeout plus
	// AdditionalTimeoutClusterShape.
	TotalTimeout time.Duration
	WaitSlice    time.Duration
	Detector     FailureDetector
	Clock        clock.Clock
	Logger       pslog.Logger
	Metrics      *Metrics
	Fixer        Fixer
	Undoer       Undoer
}

// Final is the resolved outcome of a request.
type Final struct {
	// Response is the quorum response, or nil when the request expects no
	// result.
	Response *protocol.Response
	// PerNode holds every non-error payload when the task uses the UNION
	// strategy.
	PerNode map[string]protocol.Payload
}

// Manager collects the responses of one request.
type Manager struct {
	req       *protocol.Request
	localNode string
	opts      Options
	clock     clock.Clock
	logger    pslog.Logger
	sentOn    time.Time

	mu             sync.Mutex
	expected       map[string]*protocol.Response
	expectedCount  int
	concurring     map[string]struct{}
	arrivals       []string
	groups         [][]*protocol.Response
	receivedCount  int
	localReceived  bool
	quorum         int
	quorumReached  bool
	quorumResponse *protocol.Response
	finished       bool
	canceled       bool
	timedOut       bool

	done     chan struct{}
	doneOnce sync.Once
}

// NewManager creates a manager expecting one response per expected node.
func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = pslog.NoopLogger()
	}
	if opts.WaitSlice <= 0 {
		opts.WaitSlice = DefaultWaitSlice
	}
	if opts.TotalTimeout <= 0 {
		opts.TotalTimeout = opts.SynchTimeout + AdditionalTimeoutClusterShape
	}
	m := &Manager{
		req:       opts.Request,
		localNode: opts.LocalNode,
		opts:      opts,
		clock:     opts.Clock,
		logger:    opts.Logger.With("svc", "quorum", "req", opts.Request.ID.String()),
		sentOn:    opts.Clock.Now(),
		expected:  make(map[string]*protocol.Response, len(opts.ExpectedNodes)),
		quorum:    opts.Quorum,
		done:      make(chan struct{}),
	}
	for _, node := range opts.ExpectedNodes {
		if _, dup := m.expected[node]; dup {
			continue
		}
		m.expected[node] = nil
		m.expectedCount++
	}
	m.concurring = make(map[string]struct{})
	if opts.ConcurringNodes == nil {
		for node := range m.expected {
			m.concurring[node] = struct{}{}
		}
	} else {
		for _, node := range opts.ConcurringNodes {
			m.concurring[node] = struct{}{}
		}
	}
	if opts.GroupByResult {
		m.groups = [][]*protocol.Response{{}}
	}
	if m.quorum <= 0 {
		m.quorumReached = true
	}
	return m
}

// Request returns the request this manager collects responses for.
func (m *Manager) Request() *protocol.Request { return m.req }

// SentOn returns when the manager was created.
func (m *Manager) SentOn() time.Time { return m.sentOn }

// CollectResponse records one response. It returns true when every
// expected response has been collected.
func (m *Manager) CollectResponse(resp *protocol.Response) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	executor := resp.ExecutorNode
	prev, known := m.expected[executor]
	if !known && executor != m.localNode {
		m.logger.Warn("quorum.collect.unexpected", "executor", executor, "expected", m.expectedNodesLocked())
		m.opts.Metrics.recordUnexpected(m.taskName())
		return false
	}
	if prev != nil {
		m.logger.Debug("quorum.collect.duplicate", "executor", executor)
		return false
	}
	if !known {
		// The local node may execute a request it did not address to itself.
		m.expectedCount++
	}
	m.expected[executor] = resp
	m.arrivals = append(m.arrivals, executor)
	m.receivedCount++
	if executor == m.localNode {
		m.localReceived = true
	}

	if m.opts.GroupByResult {
		m.placeInGroupLocked(resp)
	}
	if !m.canceled {
		m.computeQuorumResponseLocked()
	}
	return m.checkForCompletionLocked()
}

func (m *Manager) placeInGroupLocked(resp *protocol.Response) {
	for i, g := range m.groups {
		if len(g) == 0 {
			continue
		}
		if g[0].Payload.Equal(resp.Payload) {
			m.groups[i] = append(g, resp)
			return
		}
	}
	if len(m.groups) == 1 && len(m.groups[0]) == 0 {
		m.groups[0] = append(m.groups[0], resp)
		return
	}
	m.groups = append(m.groups, []*protocol.Response{resp})
}

// computeQuorumResponseLocked sets the quorum response the first time a
// quorum is found. Later calls are no-ops.
func (m *Manager) computeQuorumResponseLocked() {
	if m.quorumResponse != nil || m.quorum <= 0 {
		return
	}
	if m.opts.GroupByResult {
		for _, g := range m.groups {
			if len(g) < m.quorum {
				continue
			}
			concurring := 0
			for _, r := range g {
				if _, ok := m.concurring[r.ExecutorNode]; !ok {
					continue
				}
				if r.Payload.IsLockConflict() {
					m.quorumReached = true
					m.quorumResponse = r
					return
				}
				if r.Payload.IsError() {
					continue
				}
				concurring++
				if concurring >= m.quorum {
					m.quorumReached = true
					m.quorumResponse = g[0]
					return
				}
			}
		}
		return
	}

	if m.receivedCount < m.quorum {
		return
	}
	count := 0
	for _, node := range m.arrivals {
		if _, ok := m.concurring[node]; ok {
			count++
		}
	}
	if count < m.quorum {
		return
	}
	for _, node := range m.arrivals {
		if _, ok := m.concurring[node]; !ok {
			continue
		}
		if r := m.expected[node]; !r.Payload.IsError() {
			m.quorumReached = true
			m.quorumResponse = r
			return
		}
	}
}

// checkForCompletionLocked wakes waiters once the outcome is decided and
// reports whether every expected response arrived.
func (m *Manager) checkForCompletionLocked() bool {
	all := m.receivedCount >= m.expectedCount
	if all || m.quorumDecidedLocked() {
		m.signal()
	}
	return all
}

func (m *Manager) quorumDecidedLocked() bool {
	if !m.quorumReached {
		return false
	}
	if m.quorum <= 0 {
		return true
	}
	return !m.opts.WaitForLocalNode || m.localReceived || !m.localExpectedLocked()
}

func (m *Manager) localExpectedLocked() bool {
	_, ok := m.expected[m.localNode]
	return ok
}

func (m *Manager) decidedLocked() bool {
	return m.receivedCount >= m.expectedCount || m.quorumDecidedLocked()
}

func (m *Manager) signal() {
	m.doneOnce.Do(func() { close(m.done) })
}

// RemoveServerBecauseUnreachable stops waiting for node. It returns true
// when this made the request complete.
func (m *Manager) RemoveServerBecauseUnreachable(node string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	resp, ok := m.expected[node]
	if !ok || resp != nil {
		return false
	}
	delete(m.expected, node)
	delete(m.concurring, node)
	m.expectedCount--
	m.logger.Info("quorum.node.unreachable", "node", node, "expected", m.expectedCount, "received", m.receivedCount)
	if !m.canceled {
		m.computeQuorumResponseLocked()
	}
	return m.checkForCompletionLocked()
}

// WaitForSynchronousResponses blocks until the outcome is decided, the
// synchronous timeout expires or the request is canceled. It returns true
// when a quorum, or every expected response, was collected in time.
func (m *Manager) WaitForSynchronousResponses(ctx context.Context) (bool, error) {
	deadline := m.sentOn.Add(m.opts.SynchTimeout)
	hardDeadline := m.sentOn.Add(m.opts.TotalTimeout)
	extended := false

	for {
		m.mu.Lock()
		canceled, timedOut, decided := m.canceled, m.timedOut, m.decidedLocked()
		m.mu.Unlock()
		switch {
		case canceled:
			return false, ErrCanceled
		case decided:
			return true, nil
		case timedOut:
			return false, nil
		}

		now := m.clock.Now()
		if !now.Before(deadline) {
			if !extended && m.clusterChangedDuringWait() && now.Before(hardDeadline) {
				extended = true
				deadline = now.Add(m.opts.SynchTimeout)
				if deadline.After(hardDeadline) {
					deadline = hardDeadline
				}
				m.logger.Info("quorum.wait.extended", "until", deadline)
				continue
			}
			m.logger.Debug("quorum.wait.timeout", "received", m.ReceivedCount(), "missing", m.MissingNodes())
			return false, nil
		}

		slice := deadline.Sub(now)
		if slice > m.opts.WaitSlice {
			slice = m.opts.WaitSlice
		}
		select {
		case <-m.done:
		case <-ctx.Done():
			return false, ctx.Err()
		case <-m.clock.After(slice):
			if !m.anyMissingNodeActive() {
				m.mu.Lock()
				decided := m.decidedLocked()
				m.mu.Unlock()
				m.logger.Debug("quorum.wait.no_active_nodes", "missing", m.MissingNodes())
				return decided, nil
			}
		}
	}
}

func (m *Manager) clusterChangedDuringWait() bool {
	if m.opts.Detector == nil {
		return false
	}
	return m.opts.Detector.LastClusterChange().After(m.sentOn)
}

// anyMissingNodeActive drops missing nodes the detector reports as gone and
// reports whether any remaining one may still answer.
func (m *Manager) anyMissingNodeActive() bool {
	if m.opts.Detector == nil {
		return true
	}
	missing := m.MissingNodes()
	active := 0
	for _, node := range missing {
		if !m.opts.Detector.IsNodeAvailable(node) {
			m.RemoveServerBecauseUnreachable(node)
			continue
		}
		if m.opts.Detector.DatabaseStatus(node, m.req.DatabaseName).IsActive() {
			active++
		}
	}
	return active > 0
}

// Cancel releases every waiter with ErrCanceled. No further response can
// produce a quorum response.
func (m *Manager) Cancel() {
	m.mu.Lock()
	m.canceled = true
	m.mu.Unlock()
	m.signal()
}

// Timeout releases every waiter, keeping whatever was computed so far.
func (m *Manager) Timeout() {
	m.mu.Lock()
	m.timedOut = true
	m.mu.Unlock()
	m.signal()
}

// FinalResponse resolves the outcome after waiting.
func (m *Manager) FinalResponse() (*Final, error) {
	final, followUp, err := m.resolve()
	if followUp != nil {
		followUp()
	}
	outcome := "ok"
	switch err.(type) {
	case nil:
	case *ConflictError:
		outcome = "conflict"
	case *QuorumError:
		outcome = "no_quorum"
	case *UnavailableError:
		outcome = "unavailable"
	default:
		if err == ErrCanceled {
			outcome = "canceled"
		} else {
			outcome = "error"
		}
	}
	m.opts.Metrics.recordOutcome(m.taskName(), outcome, clock.Since(m.clock, m.sentOn))
	return final, err
}

func (m *Manager) resolve() (*Final, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = true

	if m.canceled {
		return nil, nil, ErrCanceled
	}
	task := m.req.Task

	if task.ResultStrategy() == protocol.StrategyUnion {
		perNode := make(map[string]protocol.Payload, m.receivedCount)
		for node, r := range m.expected {
			if r != nil && !r.Payload.IsError() {
				perNode[node] = r.Payload
			}
		}
		return &Final{PerNode: perNode}, nil, nil
	}

	if m.receivedCount == 0 {
		if !task.IsIdempotent() && m.quorum > 0 {
			return nil, nil, &UnavailableError{RequestID: m.req.ID, Nodes: m.expectedNodesLocked()}
		}
		return &Final{}, nil, nil
	}

	if m.quorum <= 0 {
		return &Final{Response: m.expected[m.arrivals[0]]}, nil, nil
	}

	var followUp func()
	if m.opts.GroupByResult {
		var err error
		followUp, err = m.manageConflictsLocked()
		if err != nil {
			return nil, followUp, err
		}
	}

	if m.quorumResponse == nil {
		for _, node := range m.arrivals {
			if r := m.expected[node]; r != nil && r.Payload.IsLockConflict() {
				return nil, followUp, r.Payload.Err
			}
		}
		var cause error
		if first := m.expected[m.arrivals[0]]; first.Payload.IsError() {
			cause = first.Payload.Err
		}
		return nil, followUp, m.quorumErrorLocked(cause)
	}
	if m.quorumResponse.Payload.IsError() {
		return nil, followUp, m.quorumResponse.Payload.Err
	}
	return &Final{Response: m.quorumResponse}, followUp, nil
}

// manageConflictsLocked checks the groups for a split brain and prepares
// the fix or undo follow-up.
func (m *Manager) manageConflictsLocked() (func(), error) {
	if m.quorumResponse != nil && m.quorumResponse.Payload.IsLockConflict() {
		return nil, nil
	}
	if m.opts.Detector != nil && m.localExpectedLocked() &&
		m.opts.Detector.DatabaseStatus(m.localNode, m.req.DatabaseName) != protocol.StatusOnline {
		return nil, nil
	}
	groups := m.nonEmptyGroupsLocked()
	if len(groups) == 0 || (len(groups) == 1 && m.quorumResponse != nil) {
		return nil, nil
	}
	if len(groups) > 1 {
		if err := m.checkNoWinnerCaseLocked(groups); err != nil {
			m.logger.Warn("quorum.conflict.split_brain", "groups", err.(*ConflictError).Groups)
			m.opts.Metrics.recordConflict(m.taskName(), "split_brain")
			return nil, err
		}
		m.opts.Metrics.recordConflict(m.taskName(), "minority")
	}
	if m.quorumResponse != nil {
		// Repair toward the largest group even when a smaller one reached
		// the quorum first. The caller still receives quorumResponse.
		best := m.repairGroupLocked(groups)
		winner := best[0]
		var losers []*protocol.Response
		for _, g := range groups {
			if g[0] == best[0] {
				continue
			}
			losers = append(losers, g...)
		}
		m.logger.Info("quorum.conflict.minority", "winner", winner.ExecutorNode, "losers", nodesOf(losers))
		if m.opts.Fixer == nil || len(losers) == 0 || winner.Payload.IsError() {
			return nil, nil
		}
		req, fixer := m.req, m.opts.Fixer
		return func() { fixer.Fix(req, winner, losers) }, nil
	}

	// No quorum: compensate and report the most specific error.
	var followUp func()
	if m.opts.Undoer != nil && !m.req.Task.IsIdempotent() {
		var applied []*protocol.Response
		for _, node := range m.arrivals {
			if r := m.expected[node]; r != nil && !r.Payload.IsError() {
				applied = append(applied, r)
			}
		}
		if len(applied) > 0 {
			req, undoer := m.req, m.opts.Undoer
			followUp = func() { undoer.Undo(req, applied) }
		}
	}
	for _, node := range m.arrivals {
		if r := m.expected[node]; r != nil && r.Payload.IsLockConflict() {
			return followUp, r.Payload.Err
		}
	}
	best := groups[0]
	if best[0].Payload.IsError() {
		return followUp, m.quorumErrorLocked(best[0].Payload.Err)
	}
	if len(groups) == 2 && groups[1][0].Payload.IsError() {
		return followUp, m.quorumErrorLocked(groups[1][0].Payload.Err)
	}
	return followUp, m.quorumErrorLocked(nil)
}

// repairGroupLocked picks the group the others are fixed toward: the largest
// one, preferring the group holding the quorum response on a size tie.
// groups is sorted by size.
func (m *Manager) repairGroupLocked(groups [][]*protocol.Response) []*protocol.Response {
	best := groups[0]
	if m.quorumResponse == nil {
		return best
	}
	for _, g := range groups {
		if len(g) < len(best) {
			break
		}
		if containsResponse(g, m.quorumResponse) {
			return g
		}
	}
	return best
}

// checkNoWinnerCaseLocked reports a split brain when the two largest groups
// have the same size and both reach the quorum. groups is sorted by size.
func (m *Manager) checkNoWinnerCaseLocked(groups [][]*protocol.Response) error {
	if len(groups) < 2 {
		return nil
	}
	first, second := groups[0], groups[1]
	if len(first) != len(second) || len(second) < m.quorum {
		return nil
	}
	if first[0].Payload.Equal(second[0].Payload) {
		return nil
	}
	conflict := &ConflictError{RequestID: m.req.ID, Quorum: m.quorum}
	for _, g := range groups {
		conflict.Groups = append(conflict.Groups, nodesOf(g))
	}
	return conflict
}

// nonEmptyGroupsLocked returns the groups ordered by size, largest first.
// Equal sizes keep their creation order.
func (m *Manager) nonEmptyGroupsLocked() [][]*protocol.Response {
	out := make([][]*protocol.Response, 0, len(m.groups))
	for _, g := range m.groups {
		if len(g) > 0 {
			out = append(out, g)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

func (m *Manager) quorumErrorLocked(cause error) *QuorumError {
	return &QuorumError{
		RequestID:  m.req.ID,
		Quorum:     m.quorum,
		Responding: m.respondingNodesLocked(),
		Missing:    m.missingNodesLocked(),
		Err:        cause,
	}
}

func (m *Manager) taskName() string {
	if m.req == nil || m.req.Task == nil {
		return "unknown"
	}
	return m.req.Task.Kind().String()
}

// MissingNodes returns the expected nodes that did not answer yet.
func (m *Manager) MissingNodes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.missingNodesLocked()
}

func (m *Manager) missingNodesLocked() []string {
	var out []string
	for node, r := range m.expected {
		if r == nil {
			out = append(out, node)
		}
	}
	sort.Strings(out)
	return out
}

// RespondingNodes returns the nodes that answered.
func (m *Manager) RespondingNodes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.respondingNodesLocked()
}

func (m *Manager) respondingNodesLocked() []string {
	out := append([]string(nil), m.arrivals...)
	sort.Strings(out)
	return out
}

func (m *Manager) expectedNodesLocked() []string {
	out := make([]string, 0, len(m.expected))
	for node := range m.expected {
		out = append(out, node)
	}
	sort.Strings(out)
	return out
}

// ConflictServers returns the nodes whose answer differs from the quorum
// response, or from the largest group when there is none.
func (m *Manager) ConflictServers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	groups := m.nonEmptyGroupsLocked()
	if len(groups) <= 1 {
		return nil
	}
	winner := m.repairGroupLocked(groups)
	var out []string
	for _, g := range groups {
		if g[0] == winner[0] {
			continue
		}
		out = append(out, nodesOf(g)...)
	}
	sort.Strings(out)
	return out
}

// Groups returns the executor nodes of each non-empty group, largest first.
func (m *Manager) Groups() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out [][]string
	for _, g := range m.nonEmptyGroupsLocked() {
		out = append(out, nodesOf(g))
	}
	return out
}

// QuorumResponse returns the winning response, or nil.
func (m *Manager) QuorumResponse() *protocol.Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quorumResponse
}

// IsQuorumReached reports whether a quorum was found.
func (m *Manager) IsQuorumReached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quorumReached
}

// ReceivedCount returns how many responses were collected.
func (m *Manager) ReceivedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.receivedCount
}

// ExpectedCount returns how many responses are still expected in total.
func (m *Manager) ExpectedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expectedCount
}

// Quorum returns the quorum of the request.
func (m *Manager) Quorum() int { return m.quorum }

// IsCanceled reports whether Cancel was called.
func (m *Manager) IsCanceled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canceled
}

// IsFinished reports whether the final response was resolved.
func (m *Manager) IsFinished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finished
}

func containsResponse(g []*protocol.Response, r *protocol.Response) bool {
	for _, x := range g {
		if x == r {
			return true
		}
	}
	return false
}

func nodesOf(g []*protocol.Response) []string {
	out := make([]string, 0, len(g))
	for _, r := range g {
		out = append(out, r.ExecutorNode)
	}
	return out
}
