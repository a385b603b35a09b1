package router

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/sync/errgroup"

	"routeline/internal/domain"
)

const (
	confidenceDirect     = 90
	confidenceTargetPath = 70
)

// attribute resolves the humans responsible for an action. Gaps and timeouts degrade
// to a weaker basis and are logged; they never fail the submission.
func (r *Router) attribute(ctx context.Context, a domain.Action) domain.Attribution {
	ctx, cancel := context.WithTimeout(ctx, r.Config.Routing.OwnershipTimeout)
	defer cancel()

	resolved := make([]*domain.Owners, len(a.AffectedServices))
	g, gctx := errgroup.WithContext(ctx)
	for i, svc := range a.AffectedServices {
		g.Go(func() error {
			o, err := r.Owners.ResolveOwners(gctx, svc)
			if err != nil {
				r.logAttributionGap(a, svc, err)
				return nil
			}
			resolved[i] = &o
			return nil
		})
	}
	_ = g.Wait()

	attr := domain.Attribution{Owners: []domain.Owners{}, Humans: []string{}, Channels: []string{}}
	for i, o := range resolved {
		if o == nil {
			attr.Unresolved = append(attr.Unresolved, a.AffectedServices[i])
			continue
		}
		attr.Owners = append(attr.Owners, *o)
	}
	if len(attr.Owners) > 0 {
		attr.Confidence = confidenceDirect
		attr.Basis = domain.BasisDirectOwnership
		return collect(attr)
	}
	if o, ok := r.ownerFromTarget(ctx, a); ok {
		attr.Owners = append(attr.Owners, o)
		attr.Confidence = confidenceTargetPath
		attr.Basis = domain.BasisTargetPath
		return collect(attr)
	}
	attr.Basis = domain.BasisUnattributed
	return attr
}

// ownerFromTarget tries the target's path segments, innermost first.
func (r *Router) ownerFromTarget(ctx context.Context, a domain.Action) (domain.Owners, bool) {
	declared := make(map[string]struct{}, len(a.AffectedServices))
	for _, svc := range a.AffectedServices {
		declared[svc] = struct{}{}
	}
	segments := strings.Split(a.Target, "/")
	for i := len(segments) - 1; i >= 0; i-- {
		seg := strings.TrimSpace(segments[i])
		if seg == "" {
			continue
		}
		if _, ok := declared[seg]; ok {
			continue
		}
		o, err := r.Owners.ResolveOwners(ctx, seg)
		if err == nil {
			return o, true
		}
		if ctx.Err() != nil {
			r.logAttributionGap(a, seg, err)
			return domain.Owners{}, false
		}
	}
	return domain.Owners{}, false
}

func (r *Router) logAttributionGap(a domain.Action, service string, err error) {
	evt := r.Log.Warn().Err(err).Str("action_id", a.ID).Str("service", service)
	if errors.Is(err, context.DeadlineExceeded) {
		evt.Msg("Owner resolution timed out; continuing without attribution")
		return
	}
	evt.Msg("No owners for service; continuing without attribution")
}

// collect flattens owners into deduplicated humans and channels, in resolution order.
func collect(attr domain.Attribution) domain.Attribution {
	humans := map[string]struct{}{}
	channels := map[string]struct{}{}
	add := func(set map[string]struct{}, list *[]string, v string) {
		if v == "" {
			return
		}
		if _, ok := set[v]; ok {
			return
		}
		set[v] = struct{}{}
		*list = append(*list, v)
	}
	for _, o := range attr.Owners {
		add(humans, &attr.Humans, o.PrimaryOwner)
		for _, s := range o.SecondaryOwners {
			add(humans, &attr.Humans, s)
		}
		add(humans, &attr.Humans, o.OnCall)
		add(channels, &attr.Channels, o.Channel)
	}
	return attr
}
