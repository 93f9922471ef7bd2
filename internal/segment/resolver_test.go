package segment

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmehdipour/sms-broadcast/internal/apperr"
	"github.com/jmehdipour/sms-broadcast/internal/model"
	"github.com/jmehdipour/sms-broadcast/internal/repository"
	"github.com/jmehdipour/sms-broadcast/internal/testutil"
)

type fixture struct {
	r        *Resolver
	segments *repository.SegmentsRepositoryImpl
	authors  *repository.AuthorsRepositoryImpl
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dbx := testutil.NewDB(t)
	f := &fixture{
		segments: repository.NewSegmentsRepository(dbx),
		authors:  repository.NewAuthorsRepository(dbx),
	}
	f.r = NewResolver(f.segments, f.authors, "1", nil)
	f.r.pageSize = 2
	return f
}

func (f *fixture) author(t *testing.T, phone string, labels ...string) {
	t.Helper()
	if err := f.authors.Insert(context.Background(), model.Author{Phone: phone}, labels...); err != nil {
		t.Fatalf("insert author: %v", err)
	}
}

func (f *fixture) segment(t *testing.T, name string, def model.SegmentDefinition) int64 {
	t.Helper()
	id, err := f.segments.Insert(context.Background(), model.AudienceSegment{Name: name, Definition: def})
	if err != nil {
		t.Fatalf("insert segment: %v", err)
	}
	return id
}

func phones(rs []Recipient) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Phone
	}
	return out
}

func assertUnique(t *testing.T, rs []Recipient) {
	t.Helper()
	seen := map[string]bool{}
	for _, r := range rs {
		if seen[r.Phone] {
			t.Fatalf("duplicate recipient %s", r.Phone)
		}
		seen[r.Phone] = true
	}
}

func TestForBroadcastTopsUpFromFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, p := range []string{"+15550000001", "+15550000002", "+15550000003"} {
		f.author(t, p, "vip")
	}
	for _, p := range []string{"+15550000004", "+15550000005", "+15550000006", "+15550000007"} {
		f.author(t, p)
	}
	f.author(t, "+15550000008", "vip")
	if err := f.authors.SetUnsubscribed(ctx, "+15550000008", true); err != nil {
		t.Fatal(err)
	}

	vip := f.segment(t, "vip", model.SegmentDefinition{LabelsAny: []string{"vip"}})
	fallback := f.segment(t, model.FallbackSegmentName, model.SegmentDefinition{})

	b := model.Broadcast{ID: 1, NoUsers: 6}
	got, err := f.r.ForBroadcast(ctx, b, []model.BroadcastSegment{{SegmentID: vip, Ratio: 100}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 6 {
		t.Fatalf("got %d recipients, want 6: %v", len(got), phones(got))
	}
	assertUnique(t, got)

	fromFallback := 0
	for i, r := range got {
		if i < 3 && r.SegmentID != vip {
			t.Fatalf("recipient %d from segment %d, want vip", i, r.SegmentID)
		}
		if r.SegmentID == fallback {
			fromFallback++
		}
		if r.Phone == "+15550000008" {
			t.Fatal("unsubscribed author selected")
		}
	}
	if fromFallback != 3 {
		t.Fatalf("fallback supplied %d, want 3", fromFallback)
	}
}

func TestForBroadcastNeverExceedsBatchSize(t *testing.T) {
	f := newFixture(t)
	for _, p := range []string{"+15550000001", "+15550000002", "+15550000003", "+15550000004", "+15550000005"} {
		f.author(t, p, "a", "b")
	}
	a := f.segment(t, "a", model.SegmentDefinition{LabelsAny: []string{"a"}})
	b := f.segment(t, "b", model.SegmentDefinition{LabelsAny: []string{"b"}})

	got, err := f.r.ForBroadcast(context.Background(), model.Broadcast{NoUsers: 3},
		[]model.BroadcastSegment{{SegmentID: a, Ratio: 100}, {SegmentID: b, Ratio: 100}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d recipients, want 3", len(got))
	}
	for _, r := range got {
		if r.SegmentID != a {
			t.Fatalf("segment b should have had no room, got %+v", r)
		}
	}
}

func TestForBroadcastRatiosFloor(t *testing.T) {
	f := newFixture(t)
	for _, p := range []string{"+15550000001", "+15550000002", "+15550000003", "+15550000004"} {
		f.author(t, p, "a")
	}
	for _, p := range []string{"+15550000011", "+15550000012", "+15550000013"} {
		f.author(t, p, "b")
	}
	a := f.segment(t, "a", model.SegmentDefinition{LabelsAny: []string{"a"}})
	b := f.segment(t, "b", model.SegmentDefinition{LabelsAny: []string{"b"}})
	f.segment(t, model.FallbackSegmentName, model.SegmentDefinition{LabelsAny: []string{"none"}})

	// 3*50/100 = 1, 3*50/100 = 1; fallback is empty so the shortfall stays.
	got, err := f.r.ForBroadcast(context.Background(), model.Broadcast{NoUsers: 3},
		[]model.BroadcastSegment{{SegmentID: a, Ratio: 50}, {SegmentID: b, Ratio: 50}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 2 || got[0].SegmentID != a || got[1].SegmentID != b {
		t.Fatalf("got %+v", got)
	}
}

func TestForBroadcastMissingFallbackIsConfigError(t *testing.T) {
	f := newFixture(t)
	f.author(t, "+15550000001", "vip")
	vip := f.segment(t, "vip", model.SegmentDefinition{LabelsAny: []string{"vip"}})

	_, err := f.r.ForBroadcast(context.Background(), model.Broadcast{NoUsers: 5},
		[]model.BroadcastSegment{{SegmentID: vip, Ratio: 100}})
	if !errors.Is(err, ErrNoFallbackSegment) || !errors.Is(err, apperr.ErrConfig) {
		t.Fatalf("err = %v, want ErrNoFallbackSegment", err)
	}

	// No shortfall means the fallback is never consulted.
	got, err := f.r.ForBroadcast(context.Background(), model.Broadcast{NoUsers: 1},
		[]model.BroadcastSegment{{SegmentID: vip, Ratio: 100}})
	if err != nil || len(got) != 1 {
		t.Fatalf("got %v, %v", got, err)
	}
}

func TestForCampaignExpression(t *testing.T) {
	f := newFixture(t)
	f.author(t, "+15550000001", "a")
	f.author(t, "+15550000002", "b", "c")
	f.author(t, "+15550000003", "b")
	f.author(t, "+15550000004", "c", "d")
	f.author(t, "+15550000005", "b", "c", "d")
	f.author(t, "+15550000006", "a", "d")

	a := f.segment(t, "a", model.SegmentDefinition{LabelsAny: []string{"a"}})
	b := f.segment(t, "b", model.SegmentDefinition{LabelsAny: []string{"b"}})
	c := f.segment(t, "c", model.SegmentDefinition{LabelsAny: []string{"c"}})
	d := f.segment(t, "d", model.SegmentDefinition{LabelsAny: []string{"d"}})

	camp := model.Campaign{
		IncludedSegments: model.SegmentExpr{{a}, {b, c}},
		ExcludedSegments: model.SegmentExpr{{d}},
	}
	got, err := f.r.ForCampaign(context.Background(), camp)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := []string{"+15550000001", "+15550000002"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", phones(got), want)
	}
	for i := range want {
		if got[i].Phone != want[i] {
			t.Fatalf("got %v, want %v", phones(got), want)
		}
	}
	if got[1].SegmentID != b {
		t.Fatalf("AND-group recipient attributed to %d, want %d", got[1].SegmentID, b)
	}
}

func TestForCampaignMissingSegment(t *testing.T) {
	f := newFixture(t)
	_, err := f.r.ForCampaign(context.Background(), model.Campaign{IncludedSegments: model.SegmentExpr{{42}}})
	if !errors.Is(err, apperr.ErrConfig) {
		t.Fatalf("err = %v, want config error", err)
	}
}

func TestForCampaignFromFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.author(t, "+15550000002")
	if err := f.authors.SetUnsubscribed(ctx, "+15550000002", true); err != nil {
		t.Fatal(err)
	}
	f.author(t, "+15550000003", "d")
	d := f.segment(t, "d", model.SegmentDefinition{LabelsAny: []string{"d"}})

	path := filepath.Join(t.TempDir(), "recipients.csv")
	body := "phone,name\n(555) 000-0001,Ann\n+1 555 000 0002,Bob\n5550000003,Cy\n555-000-0001,Ann again\n,\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := f.r.ForCampaign(ctx, model.Campaign{RecipientFile: path, ExcludedSegments: model.SegmentExpr{{d}}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 1 || got[0].Phone != "+15550000001" || got[0].SegmentID != 0 {
		t.Fatalf("got %+v", got)
	}
}
