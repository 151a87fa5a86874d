// Package archive implements the archive pipeline: named groups that route
// matching publishes into a last-value store, a historical append-only
// store, or both, with cluster-coordinated retention purges.
package archive

import (
	"context"
	"time"

	"github.com/pyr33x/goqtt/internal/trie"
)

// Group configures one archive destination.
type Group struct {
	Name          string
	TopicFilters  []string
	RetainedOnly  bool
	UseLastVal    bool
	UseArchive    bool
	PayloadFormat string // "raw" or "json", informational: no transcoding is performed here
	Retention     time.Duration
	PurgeInterval time.Duration
}

// Message is one routed publish.
type Message struct {
	Topic     string
	Payload   []byte
	QoS       byte
	Retain    bool
	Timestamp int64
}

// LastValStore keeps the most recent payload per (group, topic).
type LastValStore interface {
	Upsert(ctx context.Context, group, topic string, payload []byte, ts int64) error
}

// HistoricalStore appends every routed message and purges by age.
type HistoricalStore interface {
	Append(ctx context.Context, group, topic string, payload []byte, ts int64) error
	Purge(ctx context.Context, group string, olderThan time.Time) (int64, error)
}

// Locker is the cluster-wide mutex the purge loop uses so only one node
// runs a purge pass per group at a time.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (unlock func(context.Context) error, ok bool, err error)
}

// Pipeline evaluates groups in declaration order and routes a message into
// every group whose filters match.
type Pipeline struct {
	groups   []Group
	lastVal  LastValStore
	archive  HistoricalStore
	locker   Locker
	stopCh   chan struct{}
	isLeader func() bool
}

// NewPipeline builds a pipeline. isLeader reports whether this node runs the
// purge loops; followers still route messages, they just don't double-purge.
// Table creation is not gated by isLeader: each store constructor creates
// its own table on every node.
func NewPipeline(groups []Group, lastVal LastValStore, archive HistoricalStore, locker Locker, isLeader func() bool) *Pipeline {
	return &Pipeline{
		groups:   groups,
		lastVal:  lastVal,
		archive:  archive,
		locker:   locker,
		stopCh:   make(chan struct{}),
		isLeader: isLeader,
	}
}

// Route sends msg to every matching group's configured stores.
func (p *Pipeline) Route(ctx context.Context, msg Message) error {
	for _, group := range p.groups {
		if group.RetainedOnly && !msg.Retain {
			continue
		}
		if !matchesAny(group.TopicFilters, msg.Topic) {
			continue
		}
		if group.UseLastVal && p.lastVal != nil {
			if err := p.lastVal.Upsert(ctx, group.Name, msg.Topic, msg.Payload, msg.Timestamp); err != nil {
				return err
			}
		}
		if group.UseArchive && p.archive != nil {
			if err := p.archive.Append(ctx, group.Name, msg.Topic, msg.Payload, msg.Timestamp); err != nil {
				return err
			}
		}
	}
	return nil
}

func matchesAny(filters []string, topic string) bool {
	for _, filter := range filters {
		if trie.IsMatching(filter, topic) {
			return true
		}
	}
	return false
}

// StartPurgeLoops launches one retention-purge goroutine per group that has
// both a retention window and an archive store configured. Only the leader
// node runs them; followers are no-ops so a cluster doesn't purge the same
// rows N times concurrently (the cluster lock is a second line of defense
// against a stale leader view during a split-brain window).
func (p *Pipeline) StartPurgeLoops(ctx context.Context) {
	if !p.isLeader() || p.archive == nil {
		return
	}
	for _, group := range p.groups {
		if !group.UseArchive || group.Retention <= 0 {
			continue
		}
		go p.purgeLoop(ctx, group)
	}
}

func (p *Pipeline) purgeLoop(ctx context.Context, group Group) {
	interval := group.PurgeInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.purgeOnce(ctx, group)
		}
	}
}

func (p *Pipeline) purgeOnce(ctx context.Context, group Group) {
	unlock, ok, err := p.locker.TryLock(ctx, "archive-purge-"+group.Name, interval2x(group.PurgeInterval))
	if err != nil || !ok {
		return
	}
	defer unlock(ctx)

	cutoff := timeNowFunc().Add(-group.Retention)
	p.archive.Purge(ctx, group.Name, cutoff)
}

func interval2x(d time.Duration) time.Duration {
	if d <= 0 {
		return 2 * time.Hour
	}
	return 2 * d
}

// Stop ends every running purge loop.
func (p *Pipeline) Stop() {
	close(p.stopCh)
}

// timeNowFunc is a seam so tests can freeze "now"; production uses time.Now.
var timeNowFunc = time.Now
