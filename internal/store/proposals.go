package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"selfpatch/internal/types"
)

// ProposalsPath returns the proposal log's location, for callers that
// watch it for external appends.
func (s *Store) ProposalsPath() string {
	return filepath.Join(s.root, proposalsFile)
}

// AppendProposal appends one proposal to the proposal log.
func (s *Store) AppendProposal(p types.ChangeProposal) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal proposal: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(s.root, proposalsFile),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open proposal log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append proposal: %w", err)
	}
	return nil
}

// UpdateProposal replaces the entry with the same ID, rewriting the log
// wholesale. Proposals are never deleted; an unknown ID is appended.
func (s *Store) UpdateProposal(p types.ChangeProposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	proposals := s.readProposals()
	replaced := false
	for i := range proposals {
		if proposals[i].ID == p.ID {
			proposals[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		proposals = append(proposals, p)
	}

	var buf bytes.Buffer
	for _, entry := range proposals {
		line, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal proposal %s: %w", entry.ID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	path := filepath.Join(s.root, proposalsFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("rewrite proposal log: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace proposal log: %w", err)
	}
	return nil
}

// Proposals returns every logged proposal in append order.
func (s *Store) Proposals() ([]types.ChangeProposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readProposals(), nil
}

// LastApproved returns the most recently logged proposal that is approved
// but not yet applied, or false when none exists.
func (s *Store) LastApproved() (types.ChangeProposal, bool) {
	s.mu.Lock()
	proposals := s.readProposals()
	s.mu.Unlock()

	for i := len(proposals) - 1; i >= 0; i-- {
		if proposals[i].Status == types.StatusApproved && !proposals[i].Applied {
			return proposals[i], true
		}
	}
	return types.ChangeProposal{}, false
}

// readProposals loads the proposal log, skipping malformed lines.
// Callers hold s.mu.
func (s *Store) readProposals() []types.ChangeProposal {
	f, err := os.Open(filepath.Join(s.root, proposalsFile))
	if err != nil {
		return nil
	}
	defer f.Close()

	var proposals []types.ChangeProposal
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var p types.ChangeProposal
		if err := json.Unmarshal(line, &p); err != nil {
			s.logger.Warn("skipping malformed proposal line", zap.Error(err))
			continue
		}
		proposals = append(proposals, p)
	}
	return proposals
}
