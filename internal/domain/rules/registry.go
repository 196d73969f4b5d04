// Package rules holds per-application-type configuration and the CEL rules
// that decide which documents a licence pack needs.
package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"issuance/internal/domain/casework"
)

// ApplicationType is the issuance configuration of one process type.
type ApplicationType struct {
	ProcessType casework.ProcessType `yaml:"process_type"`
	Name        string               `yaml:"name"`
	// LicenceType is the Authority licence type code (SIL, DFL, OIL, SAN).
	LicenceType       string `yaml:"licence_type"`
	PaperLicence      bool   `yaml:"paper_licence"`
	ElectronicLicence bool   `yaml:"electronic_licence"`
	// CoverLetter is a CEL expression; an empty rule means no cover letter.
	CoverLetter string `yaml:"cover_letter"`
	// ValidityDays is the default licence validity.
	ValidityDays int `yaml:"validity_days"`
}

// Input is the data a cover-letter rule can see.
type Input struct {
	ProcessType      casework.ProcessType
	IsVariation      bool
	PaperLicenceOnly bool
	OriginCountry    string
}

func (in Input) vars() map[string]any {
	return map[string]any{
		"process_type":       string(in.ProcessType),
		"is_variation":       in.IsVariation,
		"paper_licence_only": in.PaperLicenceOnly,
		"origin_country":     in.OriginCountry,
	}
}

type compiled struct {
	appType     ApplicationType
	coverLetter cel.Program
}

// Registry compiles and evaluates application type rules.
type Registry struct {
	mu    sync.RWMutex
	env   *cel.Env
	types map[casework.ProcessType]*compiled
}

// NewRegistry compiles every application type. A rule that does not
// compile or does not yield a bool fails the whole registry.
func NewRegistry(types []ApplicationType) (*Registry, error) {
	env, err := cel.NewEnv(
		cel.Variable("process_type", cel.StringType),
		cel.Variable("is_variation", cel.BoolType),
		cel.Variable("paper_licence_only", cel.BoolType),
		cel.Variable("origin_country", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	r := &Registry{env: env, types: make(map[casework.ProcessType]*compiled, len(types))}
	for _, t := range types {
		if err := r.register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) register(t ApplicationType) error {
	if !t.ProcessType.IsValid() {
		return fmt.Errorf("application type %q: unknown process type", t.ProcessType)
	}
	c := &compiled{appType: t}
	if t.CoverLetter != "" {
		ast, iss := r.env.Compile(t.CoverLetter)
		if iss != nil && iss.Err() != nil {
			return fmt.Errorf("application type %s: cover letter rule: %w", t.ProcessType, iss.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return fmt.Errorf("application type %s: cover letter rule must be bool, got %s", t.ProcessType, ast.OutputType())
		}
		prg, err := r.env.Program(ast)
		if err != nil {
			return fmt.Errorf("application type %s: program: %w", t.ProcessType, err)
		}
		c.coverLetter = prg
	}

	r.mu.Lock()
	r.types[t.ProcessType] = c
	r.mu.Unlock()
	return nil
}

// Get returns the application type for p.
func (r *Registry) Get(p casework.ProcessType) (ApplicationType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.types[p]
	if !ok {
		return ApplicationType{}, false
	}
	return c.appType, true
}

// RequiresCoverLetter evaluates the cover-letter rule for in.
func (r *Registry) RequiresCoverLetter(in Input) (bool, error) {
	r.mu.RLock()
	c, ok := r.types[in.ProcessType]
	r.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("no application type for %s", in.ProcessType)
	}
	if c.coverLetter == nil {
		return false, nil
	}

	out, _, err := c.coverLetter.Eval(in.vars())
	if err != nil {
		return false, fmt.Errorf("evaluate cover letter rule for %s: %w", in.ProcessType, err)
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("cover letter rule for %s returned %T", in.ProcessType, out.Value())
	}
	return v, nil
}

// DefaultPaperLicenceOnly is the paper-only default for a fresh licence
// draft: paper-only types give true, electronic-only types give false and
// anything else leaves the choice to the case worker.
func (r *Registry) DefaultPaperLicenceOnly(p casework.ProcessType) *bool {
	t, ok := r.Get(p)
	if !ok {
		return nil
	}
	var v bool
	switch {
	case t.PaperLicence && !t.ElectronicLicence:
		v = true
	case t.ElectronicLicence && !t.PaperLicence:
		v = false
	default:
		return nil
	}
	return &v
}

// DefaultApplicationTypes is used when no application types file is configured.
func DefaultApplicationTypes() []ApplicationType {
	return []ApplicationType{
		{
			ProcessType:       casework.ProcessFirearmsOIL,
			Name:              "Open Individual Import Licence",
			LicenceType:       "OIL",
			ElectronicLicence: true,
			CoverLetter:       "",
			ValidityDays:      1825,
		},
		{
			ProcessType:       casework.ProcessFirearmsDFL,
			Name:              "Deactivated Firearms Import Licence",
			LicenceType:       "DFL",
			ElectronicLicence: true,
			CoverLetter:       "!is_variation",
			ValidityDays:      180,
		},
		{
			ProcessType:       casework.ProcessFirearmsSIL,
			Name:              "Specific Individual Import Licence",
			LicenceType:       "SIL",
			PaperLicence:      true,
			ElectronicLicence: true,
			CoverLetter:       "!is_variation",
			ValidityDays:      180,
		},
		{
			ProcessType:  casework.ProcessSanctions,
			Name:         "Sanctions and Adhoc Licence",
			LicenceType:  "SAN",
			PaperLicence: true,
			CoverLetter:  "!paper_licence_only && origin_country != ''",
			ValidityDays: 180,
		},
		{ProcessType: casework.ProcessCFS, Name: "Certificate of Free Sale"},
		{ProcessType: casework.ProcessCOM, Name: "Certificate of Manufacture"},
		{ProcessType: casework.ProcessGMP, Name: "Certificate of Good Manufacturing Practice"},
	}
}
