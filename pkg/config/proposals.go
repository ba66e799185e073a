package config

import (
	"context"
	"fmt"
	"os"

	"github.com/stagehand/stagehand/pkg/engine"
	"gopkg.in/yaml.v3"
)

// LoadProposals reads one proposal or a list of proposals from a file.
func (l *Loader) LoadProposals(path string) ([]*engine.Proposal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read proposals %s: %w", path, err)
	}
	return l.ParseProposals(data, path)
}

// ParseProposals decodes a single proposal document or a sequence of them.
// Each proposal is checked against the proposal schema and then validated
// structurally; the first failing entry aborts the whole file.
func (l *Loader) ParseProposals(data []byte, filename string) ([]*engine.Proposal, error) {
	doc, err := l.normalize(data, filename)
	if err != nil {
		return nil, err
	}

	var root yaml.Node
	if err := yaml.Unmarshal(doc, &root); err != nil {
		return nil, &LoadError{File: filename, Errors: []ValidationError{{File: filename, Message: err.Error()}}}
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, &LoadError{File: filename, Errors: []ValidationError{{File: filename, Message: "no proposals found"}}}
	}

	var items []*yaml.Node
	switch top := root.Content[0]; top.Kind {
	case yaml.SequenceNode:
		items = top.Content
	case yaml.MappingNode:
		items = []*yaml.Node{top}
	default:
		return nil, &LoadError{File: filename, Errors: []ValidationError{{
			File: filename, Line: top.Line, Column: top.Column,
			Message: "expected a proposal or a list of proposals",
		}}}
	}

	proposals := make([]*engine.Proposal, 0, len(items))
	seen := make(map[string]bool, len(items))
	for i, item := range items {
		p, err := l.decodeProposal(item, filename)
		if err != nil {
			return nil, err
		}
		if seen[p.ID] {
			return nil, &LoadError{File: filename, Errors: []ValidationError{{
				File: filename, Line: item.Line, Column: item.Column,
				Path:    fmt.Sprintf("[%d].id", i),
				Message: fmt.Sprintf("duplicate proposal id %q", p.ID),
			}}}
		}
		seen[p.ID] = true
		proposals = append(proposals, p)
	}
	return proposals, nil
}

func (l *Loader) decodeProposal(node *yaml.Node, filename string) (*engine.Proposal, error) {
	var raw map[string]interface{}
	if err := node.Decode(&raw); err != nil {
		return nil, &LoadError{File: filename, Errors: []ValidationError{{
			File: filename, Line: node.Line, Column: node.Column, Message: err.Error(),
		}}}
	}
	if err := l.schemas.ValidateAgainstSchema(context.Background(), SchemaProposal, raw); err != nil {
		errs := convertCUEErrors(err, filename)
		for i := range errs {
			if errs[i].Line == 0 {
				errs[i].Line, errs[i].Column = node.Line, node.Column
			}
		}
		return nil, &LoadError{File: filename, Errors: errs}
	}

	var p engine.Proposal
	if err := node.Decode(&p); err != nil {
		return nil, &LoadError{File: filename, Errors: []ValidationError{{
			File: filename, Line: node.Line, Column: node.Column, Message: err.Error(),
		}}}
	}
	if err := p.Validate(); err != nil {
		return nil, &LoadError{File: filename, Errors: []ValidationError{{
			File: filename, Line: node.Line, Column: node.Column, Path: p.ID, Message: err.Error(),
		}}}
	}
	return &p, nil
}
