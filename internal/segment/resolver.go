// Package segment turns audience definitions into concrete recipient lists.
package segment

import (
	"context"
	"fmt"

	"github.com/jmehdipour/sms-broadcast/internal/apperr"
	"github.com/jmehdipour/sms-broadcast/internal/model"
	"github.com/jmehdipour/sms-broadcast/internal/repository"
	"go.uber.org/zap"
)

var ErrNoFallbackSegment = fmt.Errorf("%w: fallback segment %q is not defined", apperr.ErrConfig, model.FallbackSegmentName)

const defaultPageSize = 500

// Recipient is one resolved phone number and the segment that selected it.
type Recipient struct {
	Phone     string
	SegmentID int64 // 0 for file imports
}

type Resolver struct {
	segments  repository.SegmentsRepository
	authors   repository.AuthorsRepository
	log       *zap.Logger
	pageSize  int
	defaultCC string
}

func NewResolver(segments repository.SegmentsRepository, authors repository.AuthorsRepository, defaultCC string, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		segments:  segments,
		authors:   authors,
		log:       log,
		pageSize:  defaultPageSize,
		defaultCC: defaultCC,
	}
}

// ForBroadcast takes floor(ratio*NoUsers/100) members from each attached segment and
// tops up any shortfall from the fallback segment. A phone is selected at most once.
func (r *Resolver) ForBroadcast(ctx context.Context, b model.Broadcast, segs []model.BroadcastSegment) ([]Recipient, error) {
	total := b.NoUsers
	if total <= 0 {
		return nil, nil
	}

	seen := make(map[string]struct{}, total)
	out := make([]Recipient, 0, total)

	for _, bs := range segs {
		limit := bs.Ratio * total / 100
		if limit > total-len(out) {
			limit = total - len(out)
		}
		if limit <= 0 {
			continue
		}
		seg, err := r.segments.GetByID(ctx, bs.SegmentID)
		if err != nil {
			return nil, fmt.Errorf("load segment %d: %w", bs.SegmentID, err)
		}
		if seg == nil {
			return nil, apperr.Configf("broadcast %d references missing segment %d", b.ID, bs.SegmentID)
		}
		if out, err = r.take(ctx, seg, limit, seen, out); err != nil {
			return nil, err
		}
	}

	shortfall := total - len(out)
	if shortfall <= 0 {
		return out, nil
	}

	fallback, err := r.segments.GetByName(ctx, model.FallbackSegmentName)
	if err != nil {
		return nil, fmt.Errorf("load fallback segment: %w", err)
	}
	if fallback == nil {
		return nil, ErrNoFallbackSegment
	}
	before := len(out)
	if out, err = r.take(ctx, fallback, shortfall, seen, out); err != nil {
		return nil, err
	}
	r.log.Debug("topped up from fallback segment",
		zap.Int64("broadcast_id", b.ID),
		zap.Int("shortfall", shortfall),
		zap.Int("added", len(out)-before),
	)
	return out, nil
}

// take appends up to limit unseen members of seg to out.
func (r *Resolver) take(ctx context.Context, seg *model.AudienceSegment, limit int, seen map[string]struct{}, out []Recipient) ([]Recipient, error) {
	got := 0
	after := ""
	for got < limit {
		page, err := r.segments.Members(ctx, seg.Definition, after, r.pageSize)
		if err != nil {
			return nil, fmt.Errorf("members of segment %d: %w", seg.ID, err)
		}
		for _, phone := range page {
			if _, dup := seen[phone]; dup {
				continue
			}
			seen[phone] = struct{}{}
			out = append(out, Recipient{Phone: phone, SegmentID: seg.ID})
			if got++; got == limit {
				break
			}
		}
		if len(page) < r.pageSize {
			break
		}
		after = page[len(page)-1]
	}
	return out, nil
}

// ForCampaign resolves included minus excluded. The excluded set is computed first.
// A recipient file, when set, replaces the included expression.
func (r *Resolver) ForCampaign(ctx context.Context, c model.Campaign) ([]Recipient, error) {
	cache := make(map[int64][]string)

	excluded := make(map[string]struct{})
	for _, term := range c.ExcludedSegments {
		phones, err := r.term(ctx, term, cache)
		if err != nil {
			return nil, err
		}
		for _, p := range phones {
			excluded[p] = struct{}{}
		}
	}

	seen := make(map[string]struct{})
	var out []Recipient
	add := func(phone string, segID int64) {
		if _, ok := excluded[phone]; ok {
			return
		}
		if _, ok := seen[phone]; ok {
			return
		}
		seen[phone] = struct{}{}
		out = append(out, Recipient{Phone: phone, SegmentID: segID})
	}

	if c.RecipientFile != "" {
		phones, err := r.FromFile(ctx, c.RecipientFile)
		if err != nil {
			return nil, err
		}
		for _, p := range phones {
			add(p, 0)
		}
		return out, nil
	}

	for _, term := range c.IncludedSegments {
		phones, err := r.term(ctx, term, cache)
		if err != nil {
			return nil, err
		}
		for _, p := range phones {
			add(p, term[0])
		}
	}
	return out, nil
}

// term returns the members of a single segment, or the intersection of an AND-group.
func (r *Resolver) term(ctx context.Context, term model.SegmentTerm, cache map[int64][]string) ([]string, error) {
	if len(term) == 0 {
		return nil, nil
	}
	base, err := r.all(ctx, term[0], cache)
	if err != nil {
		return nil, err
	}
	for _, id := range term[1:] {
		other, err := r.all(ctx, id, cache)
		if err != nil {
			return nil, err
		}
		in := make(map[string]struct{}, len(other))
		for _, p := range other {
			in[p] = struct{}{}
		}
		kept := base[:0:0]
		for _, p := range base {
			if _, ok := in[p]; ok {
				kept = append(kept, p)
			}
		}
		base = kept
	}
	return base, nil
}

func (r *Resolver) all(ctx context.Context, id int64, cache map[int64][]string) ([]string, error) {
	if phones, ok := cache[id]; ok {
		return phones, nil
	}
	seg, err := r.segments.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load segment %d: %w", id, err)
	}
	if seg == nil {
		return nil, apperr.Configf("campaign references missing segment %d", id)
	}

	var phones []string
	after := ""
	for {
		page, err := r.segments.Members(ctx, seg.Definition, after, r.pageSize)
		if err != nil {
			return nil, fmt.Errorf("members of segment %d: %w", id, err)
		}
		phones = append(phones, page...)
		if len(page) < r.pageSize {
			break
		}
		after = page[len(page)-1]
	}
	cache[id] = phones
	return phones, nil
}
