package mangle

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
	"go.uber.org/zap"

	"drawsnerd/internal/config"
)

//go:embed schema.mg
var defaultSchema string

// Fact represents a normalized event emitted by the traversal.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
	Timestamp time.Time     `json:"timestamp"`
}

// QueryResult represents a binding of variables to values from a Mangle query.
type QueryResult map[string]interface{}

// Engine buffers traversal facts and evaluates the audit rules over them.
// Derived predicates use negation, so every query evaluates into a fresh
// store rather than accumulating derived facts that later base facts would
// invalidate.
type Engine struct {
	cfg    config.MangleConfig
	logger *zap.Logger
	mu     sync.RWMutex

	sources     []string
	programInfo *analysis.ProgramInfo

	// Fact buffer, bounded by cfg.FactBufferLimit.
	facts []Fact
	// Predicate index into facts.
	index map[string][]int
}

func NewEngine(cfg config.MangleConfig, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:    cfg,
		logger: logger.Named("mangle"),
		facts:  make([]Fact, 0, cfg.FactBufferLimit),
		index:  make(map[string][]int),
	}
	if !cfg.Enable {
		return e, nil
	}

	schema := defaultSchema
	if cfg.SchemaPath != "" {
		data, err := os.ReadFile(cfg.SchemaPath)
		if err != nil {
			return nil, fmt.Errorf("read schema: %w", err)
		}
		schema = string(data)
	}
	if err := e.load([]string{schema}); err != nil {
		return nil, err
	}
	return e, nil
}

// load parses and analyzes the concatenated sources, replacing the program
// only when the whole set is valid.
func (e *Engine) load(sources []string) error {
	unit, err := parse.Unit(strings.NewReader(strings.Join(sources, "\n")))
	if err != nil {
		return fmt.Errorf("parse schema: %w", err)
	}
	programInfo, err := analysis.AnalyzeOneUnit(unit, make(map[ast.PredicateSym]ast.Decl))
	if err != nil {
		return fmt.Errorf("analyze schema: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.sources = sources
	e.programInfo = programInfo
	return nil
}

// AddRule extends the program with additional rules, e.g. ad-hoc audits
// submitted over MCP.
func (e *Engine) AddRule(ruleSource string) error {
	if !e.cfg.Enable {
		return nil
	}
	e.mu.RLock()
	sources := append(append([]string(nil), e.sources...), ruleSource)
	e.mu.RUnlock()

	if err := e.load(sources); err != nil {
		return fmt.Errorf("add rule: %w", err)
	}
	return nil
}

// AddFacts appends facts to the buffer, evicting the oldest beyond the limit.
func (e *Engine) AddFacts(ctx context.Context, facts []Fact) error {
	if !e.cfg.Enable {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	baseIdx := len(e.facts)
	e.facts = append(e.facts, facts...)
	if e.cfg.FactBufferLimit > 0 && len(e.facts) > e.cfg.FactBufferLimit {
		trimCount := len(e.facts) - e.cfg.FactBufferLimit
		e.facts = e.facts[trimCount:]
		e.rebuildIndex()
		e.logger.Debug("fact buffer trimmed", zap.Int("dropped", trimCount))
		return nil
	}
	for i, f := range facts {
		e.index[f.Predicate] = append(e.index[f.Predicate], baseIdx+i)
	}
	return nil
}

// Emit is AddFacts for a single fact stamped now.
func (e *Engine) Emit(ctx context.Context, predicate string, args ...interface{}) error {
	return e.AddFacts(ctx, []Fact{{Predicate: predicate, Args: args, Timestamp: time.Now()}})
}

// Reset drops all buffered facts. Rules are kept.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.facts = e.facts[:0]
	e.index = make(map[string][]int)
}

// evaluate builds a store from the buffer and runs the program over it.
// Callers hold at least the read lock.
func (e *Engine) evaluate() (factstore.FactStore, error) {
	store := factstore.NewSimpleInMemoryStore()
	for _, f := range e.facts {
		store.Add(factToAtom(f))
	}
	if err := engine.EvalProgram(e.programInfo, store); err != nil {
		return nil, fmt.Errorf("eval program: %w", err)
	}
	return store, nil
}

// Query evaluates the program and returns every binding of the query atom's
// variables, e.g. `leaked_panel("Football/...", Label).`
func (e *Engine) Query(ctx context.Context, queryStr string) ([]QueryResult, error) {
	if !e.Ready() || !e.cfg.Enable {
		return nil, fmt.Errorf("engine not ready")
	}

	unit, err := parse.Unit(bytes.NewReader([]byte(queryStr)))
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", err)
	}
	if len(unit.Clauses) == 0 {
		return nil, fmt.Errorf("no query found")
	}
	queryAtom := unit.Clauses[0].Head

	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store, err := e.evaluate()
	if err != nil {
		return nil, err
	}

	results := make([]QueryResult, 0)
	err = store.GetFacts(queryAtom, func(atom ast.Atom) error {
		result := make(QueryResult)
		for i, arg := range queryAtom.Args {
			if i >= len(atom.Args) {
				break
			}
			if v, ok := arg.(ast.Variable); ok && v.Symbol != "_" {
				result[v.Symbol] = convertConstant(atom.Args[i])
			}
		}
		results = append(results, result)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}
	return results, nil
}

// Evaluate returns every fact of predicate after evaluation, base or derived.
func (e *Engine) Evaluate(ctx context.Context, predicate string) ([]Fact, error) {
	if !e.Ready() || !e.cfg.Enable {
		return nil, fmt.Errorf("engine not ready")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store, err := e.evaluate()
	if err != nil {
		return nil, err
	}

	facts := make([]Fact, 0)
	for _, sym := range store.ListPredicates() {
		if sym.Symbol != predicate {
			continue
		}
		args := make([]ast.BaseTerm, sym.Arity)
		for i := range args {
			args[i] = ast.Variable{Symbol: fmt.Sprintf("V%d", i)}
		}
		err := store.GetFacts(ast.Atom{Predicate: sym, Args: args}, func(atom ast.Atom) error {
			facts = append(facts, atomToFact(atom))
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("get facts: %w", err)
		}
	}
	return facts, nil
}

// LeakedPanels lists panels of path that were expanded and never collapsed.
func (e *Engine) LeakedPanels(ctx context.Context, path string) ([]string, error) {
	if !e.cfg.Enable {
		return nil, nil
	}
	results, err := e.Query(ctx, fmt.Sprintf("leaked_panel(%s, Label).", strconv.Quote(path)))
	if err != nil {
		return nil, err
	}
	labels := make([]string, 0, len(results))
	for _, r := range results {
		labels = append(labels, fmt.Sprintf("%v", r["Label"]))
	}
	return labels, nil
}

// FactsByPredicate returns buffered facts of one predicate in insertion order.
func (e *Engine) FactsByPredicate(predicate string) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	indices := e.index[predicate]
	results := make([]Fact, 0, len(indices))
	for _, idx := range indices {
		if idx >= 0 && idx < len(e.facts) {
			results = append(results, e.facts[idx])
		}
	}
	return results
}

// Facts returns a shallow copy of buffered facts for debugging.
func (e *Engine) Facts() []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Fact, len(e.facts))
	copy(out, e.facts)
	return out
}

// Ready reports whether the engine has a usable query context.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.programInfo != nil || !e.cfg.Enable
}

func factToAtom(f Fact) ast.Atom {
	args := make([]ast.BaseTerm, len(f.Args))
	for i, arg := range f.Args {
		args[i] = toConstant(arg)
	}
	return ast.Atom{
		Predicate: ast.PredicateSym{Symbol: f.Predicate, Arity: len(f.Args)},
		Args:      args,
	}
}

func atomToFact(atom ast.Atom) Fact {
	args := make([]interface{}, len(atom.Args))
	for i, arg := range atom.Args {
		args[i] = convertConstant(arg)
	}
	return Fact{Predicate: atom.Predicate.Symbol, Args: args, Timestamp: time.Now()}
}

func toConstant(v interface{}) ast.Constant {
	switch val := v.(type) {
	case string:
		return ast.String(val)
	case int:
		return ast.Number(int64(val))
	case int64:
		return ast.Number(val)
	case float64:
		return ast.Float64(val)
	case bool:
		return ast.String(strconv.FormatBool(val))
	default:
		return ast.String(fmt.Sprintf("%v", v))
	}
}

func convertConstant(c ast.BaseTerm) interface{} {
	switch term := c.(type) {
	case ast.Constant:
		switch term.Type {
		case ast.StringType:
			val, _ := term.StringValue()
			return val
		case ast.NumberType:
			val, _ := term.NumberValue()
			return val
		case ast.Float64Type:
			if val, err := term.Float64Value(); err == nil {
				return val
			}
		}
		return term.String()
	case ast.Variable:
		return term.Symbol
	default:
		return fmt.Sprintf("%v", c)
	}
}

func (e *Engine) rebuildIndex() {
	e.index = make(map[string][]int)
	for i, f := range e.facts {
		e.index[f.Predicate] = append(e.index[f.Predicate], i)
	}
}
