package archive

import (
	"context"
	"testing"
	"time"
)

type fakeLastVal struct {
	upserts []string
}

func (f *fakeLastVal) Upsert(ctx context.Context, group, topic string, payload []byte, ts int64) error {
	f.upserts = append(f.upserts, group+"|"+topic)
	return nil
}

type fakeHistorical struct {
	appends []string
}

func (f *fakeHistorical) Append(ctx context.Context, group, topic string, payload []byte, ts int64) error {
	f.appends = append(f.appends, group+"|"+topic)
	return nil
}

func (f *fakeHistorical) Purge(ctx context.Context, group string, olderThan time.Time) (int64, error) {
	return 0, nil
}

func TestRouteMatchesFilterIntoBothStores(t *testing.T) {
	lastVal := &fakeLastVal{}
	hist := &fakeHistorical{}

	groups := []Group{
		{Name: "telemetry", TopicFilters: []string{"sensors/#"}, UseLastVal: true, UseArchive: true},
	}
	p := NewPipeline(groups, lastVal, hist, nil, func() bool { return true })

	err := p.Route(context.Background(), Message{Topic: "sensors/kitchen/temp", Payload: []byte("21")})
	if err != nil {
		t.Fatalf("route failed: %v", err)
	}

	if len(lastVal.upserts) != 1 || lastVal.upserts[0] != "telemetry|sensors/kitchen/temp" {
		t.Errorf("expected one last-value upsert, got %v", lastVal.upserts)
	}
	if len(hist.appends) != 1 {
		t.Errorf("expected one historical append, got %v", hist.appends)
	}
}

func TestRouteSkipsNonMatchingGroup(t *testing.T) {
	lastVal := &fakeLastVal{}
	hist := &fakeHistorical{}

	groups := []Group{
		{Name: "alerts", TopicFilters: []string{"alerts/#"}, UseLastVal: true, UseArchive: true},
	}
	p := NewPipeline(groups, lastVal, hist, nil, func() bool { return true })

	p.Route(context.Background(), Message{Topic: "sensors/kitchen/temp", Payload: []byte("21")})

	if len(lastVal.upserts) != 0 || len(hist.appends) != 0 {
		t.Errorf("expected no routing for a non-matching topic, got lastVal=%v hist=%v", lastVal.upserts, hist.appends)
	}
}

func TestRouteRetainedOnlyGroupSkipsNonRetained(t *testing.T) {
	lastVal := &fakeLastVal{}

	groups := []Group{
		{Name: "snapshots", TopicFilters: []string{"#"}, RetainedOnly: true, UseLastVal: true},
	}
	p := NewPipeline(groups, lastVal, nil, nil, func() bool { return true })

	p.Route(context.Background(), Message{Topic: "a/b", Payload: []byte("x"), Retain: false})
	if len(lastVal.upserts) != 0 {
		t.Errorf("expected retained-only group to skip a non-retained publish, got %v", lastVal.upserts)
	}

	p.Route(context.Background(), Message{Topic: "a/b", Payload: []byte("x"), Retain: true})
	if len(lastVal.upserts) != 1 {
		t.Errorf("expected retained-only group to accept a retained publish, got %v", lastVal.upserts)
	}
}

func TestRouteMultipleGroupsCanBothMatch(t *testing.T) {
	lastVal := &fakeLastVal{}

	groups := []Group{
		{Name: "all", TopicFilters: []string{"#"}, UseLastVal: true},
		{Name: "sensors-only", TopicFilters: []string{"sensors/#"}, UseLastVal: true},
	}
	p := NewPipeline(groups, lastVal, nil, nil, func() bool { return true })

	p.Route(context.Background(), Message{Topic: "sensors/kitchen/temp", Payload: []byte("21")})

	if len(lastVal.upserts) != 2 {
		t.Errorf("expected both matching groups to route, got %v", lastVal.upserts)
	}
}
