package query

import (
	"sort"
	"strings"

	"github.com/holon-app/holon/render"
	"github.com/holon-app/holon/value"
)

// CompileResult is the C4 output handed to the render-spec compiler (C5)
// and the materialized-view engine (C6): a SQL statement plus bind args
// ready for execution, and the raw (unwired) render spec extracted from
// the query's render clauses.
type CompileResult struct {
	SQL     string
	Args    []interface{}
	Columns []string

	// Entities maps each output column to the relation (entity) that
	// projects it — the sole relation for a single-branch query, or the
	// per-branch owner set for a union, mirroring render.Owner.
	Entities map[string][]string
	// SoleEntity is set when the query has a single branch (no union),
	// naming that branch's `from` relation even when it joins another;
	// Owner construction can shortcut column resolution.
	SoleEntity   string
	HasSoleEntity bool

	// RawSpec carries the unwired render tree plus any per-row
	// templates, in textual template-index order (§4.4 point 4). The
	// caller wires operations onto it via render.Compile.
	RawSpec render.Spec
}

// Compile parses src and lowers its data pipeline to SQL against the
// given entity schemas (keyed by relation name), extracting the raw
// render AST (§4.4). It does not wire operation descriptors — that is
// render.Compile's job, performed by the caller once it has an
// render.Registry.
func Compile(src string, schemas map[string]value.Schema) (*CompileResult, error) {
	q, err := ParseQuery(src)
	if err != nil {
		return nil, err
	}

	branches := q.AllBranches()
	if len(branches) == 0 {
		return nil, &SyntaxError{Message: "query has no branches"}
	}

	var rawTemplates []render.RawTemplate
	for _, br := range branches {
		tmpl := branchTemplate(br)
		if tmpl == nil {
			continue
		}
		if branchHasJoin(br) {
			// A joined branch no longer reads one table, so the
			// template has no single owning entity (open question #2:
			// a compile error, not a silent fallback).
			return nil, &RenderNotAllowedHereError{Relation: br.Relation}
		}
		rawTemplates = append(rawTemplates, render.RawTemplate{
			EntityName:      br.Relation,
			EntityShortName: shortName(br.Relation),
			Expr:            tmpl,
		})
	}
	includeUI := len(rawTemplates) > 0
	includeEntityName := len(branches) > 1

	b := &sqlBuilder{schemas: schemas}
	compiled := make([]branchSQL, 0, len(branches))
	templateIdx := 0
	for _, br := range branches {
		uiValue := -1
		if branchTemplate(br) != nil {
			uiValue = templateIdx
			templateIdx++
		}
		bs, err := b.compileBranch(br, uiValue, includeUI, includeEntityName)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, bs)
	}

	if len(compiled) > 1 {
		first := compiled[0].columns
		for _, bs := range compiled[1:] {
			if !sameColumns(first, bs.columns) {
				return nil, &UnionColumnMismatchError{Left: first, Right: bs.columns}
			}
		}
	}

	var sqlParts []string
	var args []interface{}
	entities := map[string][]string{}
	for _, bs := range compiled {
		part := bs.sql
		if len(compiled) > 1 {
			// SQLite only allows ORDER BY/LIMIT on the final arm of a
			// compound select; wrapping each arm keeps a branch's own
			// sort/take valid inside the union.
			part = "SELECT * FROM (" + part + ")"
		}
		sqlParts = append(sqlParts, part)
		args = append(args, bs.args...)
		for _, c := range bs.columns {
			if c == "ui" || c == "entity_name" {
				continue
			}
			entities[c] = appendUnique(entities[c], bs.relation)
		}
	}

	result := &CompileResult{
		SQL:      strings.Join(sqlParts, " UNION ALL "),
		Args:     args,
		Columns:  compiled[0].columns,
		Entities: entities,
	}
	if len(branches) == 1 {
		result.SoleEntity = branches[0].Relation
		result.HasSoleEntity = true
	}

	indexed := render.AssignIndices(rawTemplates)
	result.RawSpec = render.BuildSpec(q.TrailingRender, indexed)

	return result, nil
}

// Owner builds the render.Owner this CompileResult implies, for use with
// render.Compile.
func (r *CompileResult) Owner() render.Owner {
	if r.HasSoleEntity {
		return render.Owner{Sole: r.SoleEntity, HasSole: true}
	}
	short := map[string]string{}
	for _, ents := range r.Entities {
		for _, e := range ents {
			short[e] = shortName(e)
		}
	}
	return render.Owner{PerEntity: r.Entities, ShortName: short}
}

// branchTemplate returns the per-row render clause attached to a branch's
// derive stage, if any (§4.4 point 1).
func branchTemplate(br Branch) *render.Expr {
	for _, st := range br.Stages {
		if st.Kind == StageDerive && st.RenderClause != nil {
			return st.RenderClause
		}
	}
	return nil
}

func branchHasJoin(br Branch) bool {
	for _, st := range br.Stages {
		if st.Kind == StageJoin {
			return true
		}
	}
	return false
}

func sameColumns(a, b []string) bool {
	filteredA := dropUI(a)
	filteredB := dropUI(b)
	if len(filteredA) != len(filteredB) {
		return false
	}
	for i := range filteredA {
		if filteredA[i] != filteredB[i] {
			return false
		}
	}
	return true
}

func dropUI(cols []string) []string {
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		if c != "ui" {
			out = append(out, c)
		}
	}
	return out
}

func appendUnique(ss []string, s string) []string {
	for _, x := range ss {
		if x == s {
			return ss
		}
	}
	out := append(ss, s)
	sort.Strings(out)
	return out
}

// shortName derives a short entity alias from a relation name by taking
// the portion after its first underscore-delimited namespace segment
// (e.g. "todoist_tasks" -> "tasks"), falling back to the relation name
// itself when there is no such segment.
func shortName(relation string) string {
	if i := strings.IndexByte(relation, '_'); i >= 0 && i+1 < len(relation) {
		return relation[i+1:]
	}
	return relation
}
