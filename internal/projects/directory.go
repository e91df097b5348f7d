package projects

import (
	"context"
	"errors"
	"sync"

	"collabcanvas/internal/models"
)

var (
	ErrProjectNotFound = errors.New("project not found")
	ErrNotMember       = errors.New("user is not a member of the project")
)

// Directory resolves project records and the role a user holds on them.
// The session layer reads it once per join to authorize room membership;
// it never writes through it.
type Directory interface {
	Project(ctx context.Context, projectID string) (*models.Project, error)
	// Authorize returns the caller's role on the project, ErrNotMember when
	// the user has no role, or ErrProjectNotFound.
	Authorize(ctx context.Context, projectID, userID string) (models.CollaborationRole, error)
}

// MemoryDirectory serves project records from memory. With Open set,
// unknown projects admit anyone as an editor, mirroring how the service
// degrades when no database is configured.
type MemoryDirectory struct {
	mu       sync.RWMutex
	projects map[string]*models.Project
	open     bool
}

func NewMemoryDirectory(open bool) *MemoryDirectory {
	return &MemoryDirectory{projects: make(map[string]*models.Project), open: open}
}

// Put registers or replaces a project record.
func (d *MemoryDirectory) Put(p *models.Project) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.projects[p.ID] = p
}

func (d *MemoryDirectory) Project(_ context.Context, projectID string) (*models.Project, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.projects[projectID]
	if !ok {
		return nil, ErrProjectNotFound
	}
	cp := *p
	return &cp, nil
}

func (d *MemoryDirectory) Authorize(ctx context.Context, projectID, userID string) (models.CollaborationRole, error) {
	p, err := d.Project(ctx, projectID)
	if err != nil {
		if errors.Is(err, ErrProjectNotFound) && d.open {
			return models.RoleEditor, nil
		}
		return "", err
	}
	role := p.RoleOf(userID)
	if role == "" {
		return "", ErrNotMember
	}
	return role, nil
}
