// Package auth implements the Authorizer the gRPC server checks on every
// RPC, wrapping a casbin enforcer behind an
// Authorize(subject, object, action) error surface.
package auth

import (
	"fmt"

	"github.com/casbin/casbin/v2"
)

// Authorizer answers subject/object/action access checks against a casbin
// ACL model and policy file.
type Authorizer struct {
	enforcer *casbin.Enforcer
}

// New loads the ACL model and policy from disk and builds an Authorizer.
func New(modelFile, policyFile string) (*Authorizer, error) {
	enforcer, err := casbin.NewEnforcer(modelFile, policyFile)
	if err != nil {
		return nil, fmt.Errorf("auth: load casbin enforcer: %w", err)
	}
	return &Authorizer{enforcer: enforcer}, nil
}

// Authorize returns nil if subject may perform action on object, or a
// *PermissionDenied otherwise.
func (a *Authorizer) Authorize(subject, object, action string) error {
	ok, err := a.enforcer.Enforce(subject, object, action)
	if err != nil {
		return fmt.Errorf("auth: enforce: %w", err)
	}
	if !ok {
		return &PermissionDenied{Subject: subject, Object: object, Action: action}
	}
	return nil
}

// PermissionDenied is returned for a denied check; internal/server maps it
// to a gRPC PermissionDenied status.
type PermissionDenied struct {
	Subject, Object, Action string
}

func (e *PermissionDenied) Error() string {
	return fmt.Sprintf("auth: %s not permitted to %s %s", e.Subject, e.Action, e.Object)
}
