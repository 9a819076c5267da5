// Package directory resolves users, roles and branches for the approval engine.
package directory

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/davidahmann/docflow/pkg/types"
)

// RoleDirectory is the user/role/branch lookup the engine consumes.
type RoleDirectory interface {
	FindApproverByRoleAndBranch(ctx context.Context, role string, branch string) (types.User, bool, error)
	RolesOf(ctx context.Context, userID string) ([]string, error)
	GetUser(ctx context.Context, userID string) (types.User, bool, error)
	HeadquartersBranch(ctx context.Context) (string, error)
}

type File struct {
	Branches []types.Branch `yaml:"branches"`
	Users    []types.User   `yaml:"users"`
}

// Static is an in-memory directory. Approver lookup returns the first active
// user, in declaration order, holding the role in the branch.
type Static struct {
	mu       sync.RWMutex
	branches []types.Branch
	users    []types.User
	byID     map[string]int
}

func NewStatic(branches []types.Branch, users []types.User) (*Static, error) {
	s := &Static{}
	if err := s.replace(branches, users); err != nil {
		return nil, err
	}
	return s, nil
}

// Load reads a YAML directory file.
func Load(path string) (*Static, error) {
	// #nosec G304 -- path comes from operator-configured directory path.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return NewStatic(f.Branches, f.Users)
}

func (s *Static) replace(branches []types.Branch, users []types.User) error {
	known := make(map[string]struct{}, len(branches))
	hq := 0
	for _, b := range branches {
		if b.Code == "" {
			return fmt.Errorf("branch code is required")
		}
		if _, dup := known[b.Code]; dup {
			return fmt.Errorf("duplicate branch %s", b.Code)
		}
		known[b.Code] = struct{}{}
		if b.Headquarters {
			hq++
		}
	}
	if hq > 1 {
		return fmt.Errorf("at most one headquarters branch is allowed")
	}

	byID := make(map[string]int, len(users))
	for i, u := range users {
		if u.ID == "" {
			return fmt.Errorf("user id is required")
		}
		if _, dup := byID[u.ID]; dup {
			return fmt.Errorf("duplicate user %s", u.ID)
		}
		if _, ok := known[u.BranchCode]; !ok && len(branches) > 0 {
			return fmt.Errorf("user %s references unknown branch %s", u.ID, u.BranchCode)
		}
		byID[u.ID] = i
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.branches = append([]types.Branch(nil), branches...)
	s.users = make([]types.User, len(users))
	for i, u := range users {
		s.users[i] = cloneUser(u)
	}
	s.byID = byID
	return nil
}

func (s *Static) FindApproverByRoleAndBranch(_ context.Context, role string, branch string) (types.User, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Active && u.BranchCode == branch && u.HasRole(role) {
			return cloneUser(u), true, nil
		}
	}
	return types.User{}, false, nil
}

func (s *Static) RolesOf(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[userID]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), s.users[idx].Roles...), nil
}

func (s *Static) GetUser(_ context.Context, userID string) (types.User, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[userID]
	if !ok {
		return types.User{}, false, nil
	}
	return cloneUser(s.users[idx]), true, nil
}

func (s *Static) HeadquartersBranch(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.branches {
		if b.Headquarters {
			return b.Code, nil
		}
	}
	return "", fmt.Errorf("no headquarters branch configured")
}

func (s *Static) Branches() []types.Branch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.Branch(nil), s.branches...)
}

func cloneUser(u types.User) types.User {
	u.Roles = append([]string(nil), u.Roles...)
	return u
}
