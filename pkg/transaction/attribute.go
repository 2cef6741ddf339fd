// Package transaction runs units of work under a transaction manager and decides,
// from the failure a unit of work produces, whether its transaction commits or rolls back.
package transaction

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Propagation describes how a new unit of work relates to a transaction already
// bound to the context. The runner never interprets it; managers do.
type Propagation int

// Propagation constants
const (
	// PropagationRequired joins the current transaction or starts a new one
	PropagationRequired Propagation = iota
	// PropagationRequiresNew always starts a new, independent transaction
	PropagationRequiresNew
	// PropagationSupports joins the current transaction or runs without one
	PropagationSupports
	// PropagationNever fails when a transaction is already bound to the context
	PropagationNever
)

// String returns the configuration name of the propagation.
func (p Propagation) String() string {
	switch p {
	case PropagationRequired:
		return "required"
	case PropagationRequiresNew:
		return "requires_new"
	case PropagationSupports:
		return "supports"
	case PropagationNever:
		return "never"
	default:
		return fmt.Sprintf("propagation(%d)", int(p))
	}
}

// ParsePropagation converts a configuration string to a Propagation.
func ParsePropagation(s string) (Propagation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "required":
		return PropagationRequired, nil
	case "requires_new":
		return PropagationRequiresNew, nil
	case "supports":
		return PropagationSupports, nil
	case "never":
		return PropagationNever, nil
	default:
		return 0, fmt.Errorf("invalid propagation: %s", s)
	}
}

// ParseIsolation converts a configuration string to a sql.IsolationLevel.
func ParseIsolation(s string) (sql.IsolationLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return sql.LevelDefault, nil
	case "read_uncommitted":
		return sql.LevelReadUncommitted, nil
	case "read_committed":
		return sql.LevelReadCommitted, nil
	case "repeatable_read":
		return sql.LevelRepeatableRead, nil
	case "serializable":
		return sql.LevelSerializable, nil
	default:
		return sql.LevelDefault, fmt.Errorf("invalid isolation level: %s", s)
	}
}

// Definition carries the desired transaction semantics. It is passed through to the
// manager untouched.
type Definition struct {
	Name        string
	Isolation   sql.IsolationLevel
	ReadOnly    bool
	Timeout     time.Duration
	Propagation Propagation
}

// Attribute is the policy object consulted when a unit of work fails.
type Attribute interface {
	// Definition returns the transaction semantics handed to the manager.
	Definition() Definition

	// RollbackOn reports whether the failure should roll the transaction back.
	// Returning false commits the work done so far; the failure is still returned.
	// err is the failure as the unit of work produced it, before the runner wraps it
	// in *UndeclaredError. A transaction marked rollback-only is rolled back regardless.
	RollbackOn(err error) bool
}

// DefaultAttribute rolls back on every failure.
type DefaultAttribute struct {
	def Definition
}

// NewDefaultAttribute returns an attribute that rolls back on any failure.
func NewDefaultAttribute(def Definition) DefaultAttribute {
	return DefaultAttribute{def: def}
}

// Definition implements Attribute.
func (a DefaultAttribute) Definition() Definition { return a.def }

// RollbackOn implements Attribute.
func (a DefaultAttribute) RollbackOn(error) bool { return true }

// RollbackRule matches a failure and states whether it rolls back.
type RollbackRule struct {
	match    func(error) bool
	rollback bool
	desc     string
}

// String describes the rule.
func (r RollbackRule) String() string {
	if r.rollback {
		return "rollback for " + r.desc
	}
	return "no rollback for " + r.desc
}

// RollbackFor rolls back when errors.Is(err, target).
func RollbackFor(target error) RollbackRule {
	return RollbackRule{
		match:    func(err error) bool { return errors.Is(err, target) },
		rollback: true,
		desc:     fmt.Sprintf("%q", target),
	}
}

// NoRollbackFor commits when errors.Is(err, target).
func NoRollbackFor(target error) RollbackRule {
	r := RollbackFor(target)
	r.rollback = false
	return r
}

// RollbackForType rolls back when errors.As finds an E in the chain.
func RollbackForType[E error]() RollbackRule {
	var zero E
	return RollbackRule{
		match: func(err error) bool {
			var target E
			return errors.As(err, &target)
		},
		rollback: true,
		desc:     fmt.Sprintf("%T", zero),
	}
}

// NoRollbackForType commits when errors.As finds an E in the chain.
func NoRollbackForType[E error]() RollbackRule {
	r := RollbackForType[E]()
	r.rollback = false
	return r
}

// RollbackWhen rolls back when pred returns true.
func RollbackWhen(desc string, pred func(error) bool) RollbackRule {
	return RollbackRule{match: pred, rollback: true, desc: desc}
}

// NoRollbackWhen commits when pred returns true.
func NoRollbackWhen(desc string, pred func(error) bool) RollbackRule {
	return RollbackRule{match: pred, rollback: false, desc: desc}
}

// RuleBasedAttribute applies the first matching rule and rolls back when none match.
type RuleBasedAttribute struct {
	def   Definition
	rules []RollbackRule
}

// NewRuleBasedAttribute creates an attribute evaluating rules in order.
func NewRuleBasedAttribute(def Definition, rules ...RollbackRule) *RuleBasedAttribute {
	return &RuleBasedAttribute{
		def:   def,
		rules: append([]RollbackRule(nil), rules...),
	}
}

// Definition implements Attribute.
func (a *RuleBasedAttribute) Definition() Definition { return a.def }

// Rules returns a copy of the configured rules.
func (a *RuleBasedAttribute) Rules() []RollbackRule {
	return append([]RollbackRule(nil), a.rules...)
}

// RollbackOn implements Attribute.
func (a *RuleBasedAttribute) RollbackOn(err error) bool {
	for _, rule := range a.rules {
		if rule.match != nil && rule.match(err) {
			return rule.rollback
		}
	}
	return true
}
