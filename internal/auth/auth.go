// Package auth resolves a caller into the capabilities the pipeline checks.
// Identity is established by the transport layer; nothing below it re-derives roles.
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"researchline/internal/domain"
	"researchline/internal/repo"
)

const RoleAdmin = "admin"

// Principal is an authenticated caller.
type Principal struct {
	ActorID string
	Roles   []string
	Source  string
	// Automation is set for API keys provisioned for unattended dispatch.
	Automation bool
}

// Capabilities is everything the pipeline needs to know about a caller.
type Capabilities struct {
	ActorID  string `json:"actor_id"`
	IsAdmin  bool   `json:"is_admin"`
	CanSpend bool   `json:"can_spend"`
}

// System is used by in-process callers such as the CLI.
func System(actorID string) Capabilities {
	return Capabilities{ActorID: actorID, IsAdmin: true, CanSpend: true}
}

var ErrForbidden = errors.New("forbidden")

// ForbiddenError names the missing capability.
type ForbiddenError struct {
	Capability string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("capability %s required", e.Capability)
}

func (e ForbiddenError) Is(target error) bool { return target == ErrForbidden }

// RequireSpend fails unless the caller may incur provider cost.
func (c Capabilities) RequireSpend() error {
	if !c.CanSpend {
		return ForbiddenError{Capability: "spend"}
	}
	return nil
}

func (c Capabilities) RequireAdmin() error {
	if !c.IsAdmin {
		return ForbiddenError{Capability: "admin"}
	}
	return nil
}

// Service answers capability questions from the admins and memberships tables.
type Service struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// IsAdmin is true for an admin role claim or an admins row.
func (s Service) IsAdmin(ctx context.Context, p Principal) (bool, error) {
	if p.ActorID == "" {
		return false, nil
	}
	if slices.Contains(p.Roles, RoleAdmin) {
		return true, nil
	}
	return s.Repo.IsAdmin(ctx, p.ActorID)
}

// HasActiveMembership is true for an active membership that has not expired at now.
func (s Service) HasActiveMembership(ctx context.Context, p Principal, now time.Time) (bool, error) {
	if p.ActorID == "" {
		return false, nil
	}
	m, err := s.Repo.GetMembership(ctx, p.ActorID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return membershipActive(m, now), nil
}

func membershipActive(m domain.Membership, now time.Time) bool {
	if m.Status != "active" {
		return false
	}
	return m.ExpiresAt == nil || now.Before(*m.ExpiresAt)
}

// Resolve computes {IsAdmin, CanSpend}. Automation principals may spend.
func (s Service) Resolve(ctx context.Context, p Principal) (Capabilities, error) {
	caps := Capabilities{ActorID: p.ActorID}
	admin, err := s.IsAdmin(ctx, p)
	if err != nil {
		return caps, fmt.Errorf("resolve admin: %w", err)
	}
	caps.IsAdmin = admin
	if admin || p.Automation {
		caps.CanSpend = true
		return caps, nil
	}
	member, err := s.HasActiveMembership(ctx, p, s.now())
	if err != nil {
		return caps, fmt.Errorf("resolve membership: %w", err)
	}
	caps.CanSpend = member
	return caps, nil
}
