package rbac

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
)

// PolicyFileActor is recorded as the author of rows imported from the CSV
// policy file.
var PolicyFileActor = Actor{ID: "csv-permission-policy-file"}

// ParsePolicyCSV reads casbin policy lines:
//
//	p, role:default/team-a, catalog-entity, read, allow
//	g, user:default/alice, role:default/team-a
//
// Blank lines and lines starting with # are ignored. Every row is validated;
// the first bad row fails the parse with its line number.
func ParsePolicyCSV(r io.Reader) ([]PolicyRule, []Membership, error) {
	const op = "parse_policy_file"
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var policies []PolicyRule
	var memberships []Membership
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, wrapError(KindValidation, op, err)
		}
		line, _ := cr.FieldPos(0)
		for i := range row {
			row[i] = strings.TrimSpace(row[i])
		}
		switch row[0] {
		case "p":
			if len(row) != 5 {
				return nil, nil, ValidationError(op, "row", "line %d: policy rows need 5 fields, got %d", line, len(row))
			}
			p, _ := PolicyRuleFromRow(row[1:])
			p = p.Normalize()
			if err := validateStruct(op, &p); err != nil {
				return nil, nil, ValidationError(op, FieldOf(err), "line %d: %v", line, err)
			}
			policies = append(policies, p)
		case "g":
			if len(row) != 3 {
				return nil, nil, ValidationError(op, "row", "line %d: role rows need 3 fields, got %d", line, len(row))
			}
			m := Membership{Member: row[1], Role: row[2]}.Normalize()
			if err := validateStruct(op, &m); err != nil {
				return nil, nil, ValidationError(op, FieldOf(err), "line %d: %v", line, err)
			}
			memberships = append(memberships, m)
		default:
			return nil, nil, ValidationError(op, "row", "line %d: unknown row type %q", line, row[0])
		}
	}
	return policies, memberships, nil
}

// LoadPolicyFile reconciles the roles owned by the csv-file source with the
// file at path: missing rows are added and rows no longer in the file are
// removed. Rows naming roles owned by another source are skipped.
func (e *Engine) LoadPolicyFile(ctx context.Context, path string) error {
	const op = "load_policy_file"
	f, err := os.Open(path)
	if err != nil {
		return wrapError(KindConfiguration, op, fmt.Errorf("open policy file: %w", err))
	}
	defer f.Close()

	policies, memberships, err := ParsePolicyCSV(f)
	if err != nil {
		return err
	}
	if policies == nil {
		policies = []PolicyRule{}
	}
	if memberships == nil {
		memberships = []Membership{}
	}
	stats, err := e.sync(ctx, op, SourceCSVFile, PolicyFileActor, desiredState{policies: policies, memberships: memberships})
	if err != nil {
		return err
	}
	e.log.Info("policy file loaded", "path", path,
		"policies_added", stats.PoliciesAdded, "policies_removed", stats.PoliciesRemoved,
		"memberships_added", stats.MembershipsAdded, "memberships_removed", stats.MembershipsRemoved,
		"skipped", len(stats.Skipped))
	return nil
}
