package port

import "context"

// TokenClient 交易所 listen key 签发端点
// Keepalive 对同一端点幂等；Close 为尽力而为
type TokenClient interface {
	Create(ctx context.Context, apiKey string) (string, error)
	Keepalive(ctx context.Context, apiKey, token string) error
	Close(ctx context.Context, apiKey, token string) error
}
