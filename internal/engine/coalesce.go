package engine

import (
	"context"
	"fmt"
	"slices"
	"time"

	"dario.cat/mergo"

	"github.com/aescanero/rowflow/pkg/canonical"
	"github.com/aescanero/rowflow/pkg/domain"
	"github.com/aescanero/rowflow/pkg/graph"
)

type pendingKey struct {
	node string
	key  string
}

// pendingCoalesce is one join waiting for its branches.
type pendingCoalesce struct {
	node         *graph.Node
	key          string
	arrived      map[string]domain.Token
	states       map[string]domain.NodeStateOpen
	arrivedAt    map[string]time.Time
	firstArrival time.Time
}

// CoalesceResult is the resolution of one join, or the receipt of a token
// that is still waiting. Merged is set when a merged token must continue
// at Node's next node.
type CoalesceResult struct {
	Node     *graph.Node
	Merged   *domain.Token
	Outcomes []domain.RowResult
}

// CoalesceExecutor tracks pending joins for one run and resolves them
// according to each point's policy.
type CoalesceExecutor struct {
	rc       *runContext
	tokens   *TokenManager
	states   nodeStates
	points   map[string]*graph.Node
	pending  map[pendingKey]*pendingCoalesce
	order    []pendingKey
	resolved map[pendingKey]bool
	history  []pendingKey
}

func newCoalesceExecutor(rc *runContext, tokens *TokenManager) *CoalesceExecutor {
	e := &CoalesceExecutor{
		rc:       rc,
		tokens:   tokens,
		states:   nodeStates{rc: rc},
		points:   make(map[string]*graph.Node),
		pending:  make(map[pendingKey]*pendingCoalesce),
		resolved: make(map[pendingKey]bool),
	}
	for _, n := range rc.graph.NodesOfKind(graph.KindCoalesce) {
		e.RegisterPoint(n)
	}
	return e
}

// RegisterPoint makes node a known join point.
func (e *CoalesceExecutor) RegisterPoint(node *graph.Node) {
	e.points[node.Name] = node
}

// joinKey identifies which branch tokens belong together: the fork event
// that produced them.
func joinKey(t domain.Token) string {
	if t.ForkGroupID != "" {
		return t.ForkGroupID
	}
	return t.RowID
}

// Accept registers a branch token at a join point. The token is either held
// (a Buffered outcome), merged together with the other arrivals, or
// quarantined when its join has already resolved.
func (e *CoalesceExecutor) Accept(ctx context.Context, node *graph.Node, token domain.Token) (CoalesceResult, error) {
	point, ok := e.points[node.Name]
	if !ok {
		return CoalesceResult{}, domain.NewInvariantError("coalesce accept", fmt.Errorf("%w: %q", domain.ErrUnknownCoalescePoint, node.Name))
	}
	settings := point.Coalesce
	if !slices.Contains(settings.Branches, token.BranchName) {
		return CoalesceResult{}, domain.NewInvariantError("coalesce accept",
			fmt.Errorf("%w: token %s on branch %q at %s", domain.ErrUnexpectedBranch, token.ID, token.BranchName, point.Name))
	}

	inputHash, err := hashInput(point, token.Data)
	if err != nil {
		return CoalesceResult{}, err
	}
	open, err := e.states.begin(ctx, point, token, 1, inputHash)
	if err != nil {
		return CoalesceResult{}, err
	}

	pk := pendingKey{node: point.Name, key: joinKey(token)}
	if e.resolved[pk] {
		detail := domain.FailureDetail{
			Type:    domain.ReasonLateArrival,
			Message: fmt.Sprintf("branch %q arrived after join %s resolved", token.BranchName, pk.key),
		}
		if err := e.states.fail(ctx, point, open, detail); err != nil {
			return CoalesceResult{}, err
		}
		return CoalesceResult{Node: point, Outcomes: []domain.RowResult{{
			Token:   token,
			NodeID:  point.ID,
			Outcome: domain.Quarantined{Reason: domain.ReasonLateArrival, Error: &detail},
		}}}, nil
	}

	now := e.rc.clock.Now()
	entry, ok := e.pending[pk]
	if !ok {
		entry = &pendingCoalesce{
			node:         point,
			key:          pk.key,
			arrived:      make(map[string]domain.Token),
			states:       make(map[string]domain.NodeStateOpen),
			arrivedAt:    make(map[string]time.Time),
			firstArrival: now,
		}
		e.pending[pk] = entry
		e.order = append(e.order, pk)
	}

	if _, dup := entry.arrived[token.BranchName]; dup {
		detail := domain.FailureDetail{Type: domain.ReasonDuplicateArrival, Message: fmt.Sprintf("branch %q already arrived", token.BranchName)}
		if err := e.states.fail(ctx, point, open, detail); err != nil {
			return CoalesceResult{}, err
		}
		return CoalesceResult{}, domain.NewInvariantError("coalesce accept",
			fmt.Errorf("%w: branch %q at %s for join %s", domain.ErrDuplicateArrival, token.BranchName, point.Name, pk.key))
	}

	entry.arrived[token.BranchName] = token
	entry.states[token.BranchName] = open
	entry.arrivedAt[token.BranchName] = now

	if readyOnArrival(settings, len(entry.arrived)) {
		return e.merge(ctx, pk, entry)
	}
	return CoalesceResult{Node: point, Outcomes: []domain.RowResult{{
		Token:   token,
		NodeID:  point.ID,
		Outcome: domain.Buffered{NodeID: point.ID},
	}}}, nil
}

func readyOnArrival(cs *graph.CoalesceSettings, arrived int) bool {
	switch cs.Policy {
	case graph.PolicyRequireAll:
		return arrived == len(cs.Branches)
	case graph.PolicyQuorum:
		return arrived >= cs.Quorum
	default:
		return false
	}
}

// CheckTimeouts resolves every pending join whose timeout has elapsed at
// now. Resolved joins are gone from pending state, so calling it again is a
// no-op for them.
func (e *CoalesceExecutor) CheckTimeouts(ctx context.Context, now time.Time) ([]CoalesceResult, error) {
	var out []CoalesceResult
	for _, pk := range slices.Clone(e.order) {
		entry, ok := e.pending[pk]
		if !ok {
			continue
		}
		timeout := entry.node.Coalesce.Timeout
		if timeout <= 0 || now.Sub(entry.firstArrival) < timeout {
			continue
		}
		res, err := e.resolveFinal(ctx, pk, entry)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

// FlushPending forces resolution of every pending join at the coalesce
// node with the given step, using the same rules as a timeout.
func (e *CoalesceExecutor) FlushPending(ctx context.Context, step int) ([]CoalesceResult, error) {
	var out []CoalesceResult
	for _, pk := range slices.Clone(e.order) {
		entry, ok := e.pending[pk]
		if !ok || entry.node.Step != step {
			continue
		}
		res, err := e.resolveFinal(ctx, pk, entry)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

// PendingCount is the number of unresolved joins.
func (e *CoalesceExecutor) PendingCount() int {
	return len(e.pending)
}

func (e *CoalesceExecutor) resolveFinal(ctx context.Context, pk pendingKey, entry *pendingCoalesce) (CoalesceResult, error) {
	cs := entry.node.Coalesce
	n := len(entry.arrived)
	switch cs.Policy {
	case graph.PolicyBestEffort:
		return e.merge(ctx, pk, entry)
	case graph.PolicyQuorum:
		if n >= cs.Quorum {
			return e.merge(ctx, pk, entry)
		}
		return e.fail(ctx, pk, entry, domain.ReasonQuorumNotMet,
			fmt.Sprintf("%d of %d branches arrived, quorum is %d", n, len(cs.Branches), cs.Quorum))
	default:
		if n == len(cs.Branches) {
			return e.merge(ctx, pk, entry)
		}
		return e.fail(ctx, pk, entry, domain.ReasonIncompleteBranches,
			fmt.Sprintf("%d of %d branches arrived", n, len(cs.Branches)))
	}
}

// arrivals splits the configured branches into arrived tokens (in branch
// order) and missing branch names.
func arrivals(entry *pendingCoalesce) ([]string, []domain.Token, []string) {
	var (
		branches []string
		tokens   []domain.Token
		missing  []string
	)
	for _, b := range entry.node.Coalesce.Branches {
		if t, ok := entry.arrived[b]; ok {
			branches = append(branches, b)
			tokens = append(tokens, t)
		} else {
			missing = append(missing, b)
		}
	}
	return branches, tokens, missing
}

func (e *CoalesceExecutor) merge(ctx context.Context, pk pendingKey, entry *pendingCoalesce) (CoalesceResult, error) {
	node := entry.node
	cs := node.Coalesce
	branches, consumed, missing := arrivals(entry)

	row, reason, msg := mergeRows(cs, branches, consumed)
	if reason != "" {
		return e.fail(ctx, pk, entry, reason, msg)
	}
	outHash, err := canonical.Hash(row)
	if err != nil {
		return e.fail(ctx, pk, entry, domain.ReasonCoalesceNotMergeable, err.Error())
	}

	merged, err := e.tokens.Coalesce(ctx, consumed, row, node.Step)
	if err != nil {
		return CoalesceResult{}, err
	}

	res := CoalesceResult{Node: node, Merged: &merged}
	for i, branch := range branches {
		if err := e.states.complete(ctx, node, entry.states[branch], outHash); err != nil {
			return CoalesceResult{}, err
		}
		res.Outcomes = append(res.Outcomes, domain.RowResult{
			Token:  consumed[i],
			NodeID: node.ID,
			Outcome: domain.Coalesced{
				CoalesceName:    node.Name,
				JoinGroupID:     merged.JoinGroupID,
				MergedTokenID:   merged.ID,
				Policy:          string(cs.Policy),
				MissingBranches: missing,
			},
		})
	}
	e.markResolved(pk)
	return res, nil
}

func (e *CoalesceExecutor) fail(ctx context.Context, pk pendingKey, entry *pendingCoalesce, reason, msg string) (CoalesceResult, error) {
	node := entry.node
	branches, tokens, missing := arrivals(entry)
	detail := domain.FailureDetail{
		Type:    reason,
		Message: msg,
		Details: map[string]any{"arrived": branches, "missing": missing},
	}

	res := CoalesceResult{Node: node}
	for i, branch := range branches {
		if err := e.states.fail(ctx, node, entry.states[branch], detail); err != nil {
			return CoalesceResult{}, err
		}
		d := detail
		res.Outcomes = append(res.Outcomes, domain.RowResult{
			Token:   tokens[i],
			NodeID:  node.ID,
			Outcome: domain.Failed{Reason: reason, Error: &d},
		})
	}
	e.markResolved(pk)
	return res, nil
}

func (e *CoalesceExecutor) markResolved(pk pendingKey) {
	delete(e.pending, pk)
	if i := slices.Index(e.order, pk); i >= 0 {
		e.order = slices.Delete(e.order, i, i+1)
	}
	if !e.resolved[pk] {
		e.resolved[pk] = true
		e.history = append(e.history, pk)
	}
}

// Forget drops resolved joins whose key is not in held. A branch token
// keeps its fork group through transforms, expands and aggregations, so
// once the work queue is empty only tokens buffered in an aggregation can
// still arrive late at a join that has resolved.
func (e *CoalesceExecutor) Forget(held map[string]bool) {
	e.history = slices.DeleteFunc(e.history, func(pk pendingKey) bool {
		if held[pk.key] {
			return false
		}
		delete(e.resolved, pk)
		return true
	})
}

// mergeRows combines branch rows. A non-empty reason means the join cannot
// be merged.
func mergeRows(cs *graph.CoalesceSettings, branches []string, tokens []domain.Token) (domain.Row, string, string) {
	switch cs.Merge {
	case graph.MergeNested:
		out := make(domain.Row, len(branches))
		for i, b := range branches {
			out[b] = map[string]any(tokens[i].Data.DeepClone())
		}
		return out, "", ""

	case graph.MergeSelect:
		i := slices.Index(branches, cs.SelectBranch)
		if i < 0 {
			return nil, domain.ReasonSelectBranchMissing, fmt.Sprintf("selected branch %q did not arrive", cs.SelectBranch)
		}
		return tokens[i].Data.DeepClone(), "", ""

	default:
		out := map[string]any{}
		for i, b := range branches {
			src := map[string]any(tokens[i].Data.DeepClone())
			if err := mergo.Merge(&out, src, mergo.WithOverride); err != nil {
				return nil, domain.ReasonCoalesceNotMergeable, fmt.Sprintf("branch %q: %v", b, err)
			}
		}
		return domain.Row(out), "", ""
	}
}

// Snapshot captures pending joins for a checkpoint, with arrival times
// relative to each join's first arrival.
func (e *CoalesceExecutor) Snapshot(now time.Time) ([]domain.CoalesceCheckpoint, []domain.ResolvedJoin) {
	var pending []domain.CoalesceCheckpoint
	for _, pk := range e.order {
		entry := e.pending[pk]
		cp := domain.CoalesceCheckpoint{
			NodeName:       pk.node,
			JoinKey:        pk.key,
			ElapsedSeconds: now.Sub(entry.firstArrival).Seconds(),
		}
		for _, b := range entry.node.Coalesce.Branches {
			t, ok := entry.arrived[b]
			if !ok {
				continue
			}
			cp.Arrivals = append(cp.Arrivals, domain.CoalesceArrival{
				Branch:        b,
				Token:         t,
				StateID:       entry.states[b].StateID,
				OffsetSeconds: entry.arrivedAt[b].Sub(entry.firstArrival).Seconds(),
			})
		}
		pending = append(pending, cp)
	}

	resolved := make([]domain.ResolvedJoin, len(e.history))
	for i, pk := range e.history {
		resolved[i] = domain.ResolvedJoin{NodeName: pk.node, JoinKey: pk.key}
	}
	return pending, resolved
}

// Restore rebuilds pending joins from a checkpoint so that timeouts
// continue from where they were, and remembers already-resolved joins.
// The open node states of held tokens are reused, not reopened.
func (e *CoalesceExecutor) Restore(pending []domain.CoalesceCheckpoint, resolved []domain.ResolvedJoin) error {
	now := e.rc.clock.Now()
	for _, cp := range pending {
		node, ok := e.points[cp.NodeName]
		if !ok {
			return domain.NewInvariantError("coalesce restore", fmt.Errorf("%w: %q", domain.ErrUnknownCoalescePoint, cp.NodeName))
		}
		first := now.Add(-seconds(cp.ElapsedSeconds))
		entry := &pendingCoalesce{
			node:         node,
			key:          cp.JoinKey,
			arrived:      make(map[string]domain.Token, len(cp.Arrivals)),
			states:       make(map[string]domain.NodeStateOpen, len(cp.Arrivals)),
			arrivedAt:    make(map[string]time.Time, len(cp.Arrivals)),
			firstArrival: first,
		}
		for _, a := range cp.Arrivals {
			if !slices.Contains(node.Coalesce.Branches, a.Branch) {
				return domain.NewInvariantError("coalesce restore", fmt.Errorf("%w: %q at %s", domain.ErrUnexpectedBranch, a.Branch, node.Name))
			}
			inputHash, err := hashInput(node, a.Token.Data)
			if err != nil {
				return err
			}
			at := first.Add(seconds(a.OffsetSeconds))
			entry.arrived[a.Branch] = a.Token
			entry.arrivedAt[a.Branch] = at
			entry.states[a.Branch] = domain.NodeStateOpen{
				StateID:   a.StateID,
				RunID:     e.rc.runID,
				TokenID:   a.Token.ID,
				NodeID:    node.ID,
				Step:      node.Step,
				Attempt:   1,
				InputHash: inputHash,
				StartedAt: at,
			}
		}
		pk := pendingKey{node: cp.NodeName, key: cp.JoinKey}
		e.pending[pk] = entry
		e.order = append(e.order, pk)
	}

	for _, r := range resolved {
		pk := pendingKey{node: r.NodeName, key: r.JoinKey}
		if !e.resolved[pk] {
			e.resolved[pk] = true
			e.history = append(e.history, pk)
		}
	}
	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
