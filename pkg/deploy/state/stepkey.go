// Package state holds the identity and value types for deployments: the
// StepKey that names a single (module, account, region) deployment, the
// Target/Current records describing intent and observed state, and the
// durable Store that persists CurrentRecords to remote object storage.
package state

import "fmt"

// StepKey is the universal identity of a deployment within the planner,
// graph, and state store. Equality and hashing are structural on the
// triple, which Go's comparable struct semantics give for free — StepKey
// is safe to use directly as a map key.
type StepKey struct {
	Module    string
	AccountID string
	Region    string
}

// NewStepKey builds a StepKey from its three identity components.
func NewStepKey(module, accountID, region string) StepKey {
	return StepKey{Module: module, AccountID: accountID, Region: region}
}

// String renders the key in "module/accountID/region" form, used in log
// lines, error messages, and deployment cache directory names.
func (k StepKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Module, k.AccountID, k.Region)
}
