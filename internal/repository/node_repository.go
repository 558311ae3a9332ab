package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/masroore/dicomscp/internal/database"
	"github.com/masroore/dicomscp/internal/models"
	"gorm.io/gorm"
)

// NodeRepository handles remote node database operations
type NodeRepository struct{}

// NewNodeRepository creates a new node repository
func NewNodeRepository() *NodeRepository {
	return &NodeRepository{}
}

// Create registers a new remote node.
func (r *NodeRepository) Create(ctx context.Context, node *models.RemoteNode) error {
	if err := database.DB.WithContext(ctx).Create(node).Error; err != nil {
		return fmt.Errorf("failed to create remote node: %w", err)
	}
	return nil
}

// List retrieves all active remote nodes.
func (r *NodeRepository) List(ctx context.Context) ([]models.RemoteNode, error) {
	var nodes []models.RemoteNode
	if err := database.DB.WithContext(ctx).
		Where("is_active = ?", true).
		Order("is_default DESC, name ASC").
		Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("failed to list remote nodes: %w", err)
	}
	return nodes, nil
}

// GetByName retrieves one node by its configured name. Returns nil when the
// node does not exist.
func (r *NodeRepository) GetByName(ctx context.Context, name string) (*models.RemoteNode, error) {
	var node models.RemoteNode
	err := database.DB.WithContext(ctx).
		Where("name = ? AND is_active = ?", name, true).
		First(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get remote node: %w", err)
	}
	return &node, nil
}

// GetByAETitle retrieves one node by its application entity title. Returns nil
// when no active node carries the title.
func (r *NodeRepository) GetByAETitle(ctx context.Context, aeTitle string) (*models.RemoteNode, error) {
	var node models.RemoteNode
	err := database.DB.WithContext(ctx).
		Where("ae_title = ? AND is_active = ?", aeTitle, true).
		First(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get remote node: %w", err)
	}
	return &node, nil
}

// GetDefault retrieves the default node, falling back to nil when none is set.
func (r *NodeRepository) GetDefault(ctx context.Context) (*models.RemoteNode, error) {
	var node models.RemoteNode
	err := database.DB.WithContext(ctx).
		Where("is_default = ? AND is_active = ?", true, true).
		First(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get default node: %w", err)
	}
	return &node, nil
}

// UpdateEchoStatus records the outcome of a C-ECHO connection test.
func (r *NodeRepository) UpdateEchoStatus(ctx context.Context, name string, ok bool, errMessage string) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"last_echo_at":    &now,
		"last_echo_ok":    ok,
		"last_echo_error": errMessage,
	}
	if err := database.DB.WithContext(ctx).
		Model(&models.RemoteNode{}).
		Where("name = ?", name).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update echo status: %w", err)
	}
	return nil
}
