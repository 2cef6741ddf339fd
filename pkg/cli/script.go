package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nimburion/txrunner/pkg/store"
	"github.com/nimburion/txrunner/pkg/transaction"
)

// Script is a batch of statements executed in a single transaction.
//
//	name: import-items
//	min_version: v1.2.0
//	no_rollback_for: ["duplicate key"]
//	statements:
//	  - sql: INSERT INTO items (id, name) VALUES (?, ?)
//	    rows: [[1, "a"], [2, "b"]]
//	  - sql: UPDATE items SET name = @name WHERE id = @id
//	    named_rows: [{id: 1, name: "c"}]
type Script struct {
	Name       string      `yaml:"name"`
	MinVersion string      `yaml:"min_version"`
	Statements []Statement `yaml:"statements"`
	// NoRollbackFor lists error message fragments that commit instead of rolling back.
	NoRollbackFor []string `yaml:"no_rollback_for"`
}

// Statement is one SQL statement run once per row. A statement without rows runs once
// without arguments.
type Statement struct {
	SQL       string           `yaml:"sql"`
	Rows      [][]any          `yaml:"rows"`
	NamedRows []map[string]any `yaml:"named_rows"`
}

// ScriptResult holds the affected-row counts of every statement that ran.
type ScriptResult struct {
	Counts [][]int64
	State  transaction.State
}

// LoadScript reads and validates a script file.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return ParseScript(data)
}

// ParseScript decodes a YAML script. Unknown keys are rejected.
func ParseScript(data []byte) (*Script, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var s Script
	if err := dec.Decode(&s); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("script is empty")
		}
		return nil, fmt.Errorf("parse script: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks that every statement has SQL and at most one kind of rows.
func (s *Script) Validate() error {
	if len(s.Statements) == 0 {
		return fmt.Errorf("script has no statements")
	}
	for i, st := range s.Statements {
		if strings.TrimSpace(st.SQL) == "" {
			return fmt.Errorf("statement %d: sql is required", i+1)
		}
		if len(st.Rows) > 0 && len(st.NamedRows) > 0 {
			return fmt.Errorf("statement %d: rows and named_rows are mutually exclusive", i+1)
		}
	}
	for _, frag := range s.NoRollbackFor {
		if frag == "" {
			return fmt.Errorf("no_rollback_for entries must not be empty")
		}
	}
	return nil
}

// Attribute returns the rollback policy for the script: failures whose message contains a
// no_rollback_for fragment commit, everything else rolls back.
func (s *Script) Attribute(def transaction.Definition) transaction.Attribute {
	if def.Name == "" {
		def.Name = s.Name
	}
	if len(s.NoRollbackFor) == 0 {
		return transaction.NewDefaultAttribute(def)
	}
	rules := make([]transaction.RollbackRule, 0, len(s.NoRollbackFor))
	for _, frag := range s.NoRollbackFor {
		frag := frag
		rules = append(rules, transaction.NoRollbackWhen(fmt.Sprintf("%q", frag), func(err error) bool {
			return strings.Contains(err.Error(), frag)
		}))
	}
	return transaction.NewRuleBasedAttribute(def, rules...)
}

// Run executes every statement through exec inside one transaction. With dryRun the
// transaction is marked rollback-only after the statements succeed. Counts of the
// statements that ran are returned even when the transaction fails.
func (s *Script) Run(ctx context.Context, r *transaction.Runner, exec store.BatchExecutor, dryRun bool) (ScriptResult, error) {
	var res ScriptResult
	_, state, err := transaction.ExecuteWithOutcome(ctx, r, func(ctx context.Context, h transaction.Handle) (struct{}, error) {
		for i, st := range s.Statements {
			counts, err := runStatement(ctx, exec, st)
			res.Counts = append(res.Counts, counts)
			if err != nil {
				return struct{}{}, fmt.Errorf("statement %d: %w", i+1, err)
			}
		}
		if dryRun {
			h.SetRollbackOnly()
		}
		return struct{}{}, nil
	})
	res.State = state
	return res, err
}

func runStatement(ctx context.Context, exec store.BatchExecutor, st Statement) ([]int64, error) {
	switch {
	case len(st.NamedRows) > 0:
		return exec.NamedBatchUpdate(ctx, st.SQL, st.NamedRows)
	case len(st.Rows) > 0:
		return exec.BatchUpdate(ctx, st.SQL, st.Rows)
	default:
		return exec.BatchUpdate(ctx, st.SQL, [][]any{{}})
	}
}

// Print writes one line per statement followed by the terminal state.
func (r ScriptResult) Print(w io.Writer, s *Script) {
	for i, counts := range r.Counts {
		var total int64
		for _, c := range counts {
			if c > 0 {
				total += c
			}
		}
		fmt.Fprintf(w, "statement %d: %d rows affected %v\n", i+1, total, counts)
	}
	for i := len(r.Counts); i < len(s.Statements); i++ {
		fmt.Fprintf(w, "statement %d: not run\n", i+1)
	}
	fmt.Fprintf(w, "transaction: %s\n", r.State)
}
