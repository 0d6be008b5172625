package port

import (
	"context"

	"udsmux/internal/domain/model"
)

type Repository interface {
	// Token operations
	UpsertToken(ctx context.Context, t *model.StreamToken) error
	UpdateTokenStatus(ctx context.Context, token, status string) error
	AssignTokenGroup(ctx context.Context, token, groupID string) error
	GetToken(ctx context.Context, token string) (*model.StreamToken, error)
	FindLiveToken(ctx context.Context, accountID int64, segment string) (*model.StreamToken, error)
	ListLiveTokens(ctx context.Context) ([]*model.StreamToken, error)
	ListGroupTokens(ctx context.Context, groupID string) ([]*model.StreamToken, error)
	ResetAssignments(ctx context.Context) error

	// Connection group operations
	CreateGroup(ctx context.Context, g *model.ConnectionGroup) error
	UpdateGroup(ctx context.Context, g *model.ConnectionGroup) error
	DeleteGroup(ctx context.Context, id string) error
	PurgeGroups(ctx context.Context) error

	// Balance operations
	UpsertBalance(ctx context.Context, b *model.BalanceUpdate) error

	// Order operations
	OrderExists(ctx context.Context, orderID int64) (bool, error)
	UpdateOrder(ctx context.Context, o *model.OrderUpdate) error

	// Connection management
	Close() error
}
