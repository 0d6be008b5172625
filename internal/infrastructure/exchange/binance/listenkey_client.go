package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"udsmux/internal/domain/model"
)

const apiKeyHeader = "X-MBX-APIKEY"

// ListenKeyClient Binance 用户数据流 listen key REST 客户端
// 同一端点承载签发（POST）、续期（PUT）、关闭（DELETE），续期幂等
type ListenKeyClient struct {
	baseURL string
	client  *http.Client
}

// NewListenKeyClient 创建 listen key 客户端
func NewListenKeyClient(baseURL string) *ListenKeyClient {
	if baseURL == "" {
		baseURL = "https://api.binance.com"
	}
	return &ListenKeyClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type listenKeyResp struct {
	ListenKey string `json:"listenKey"`
}

// Create 签发新 listen key
func (c *ListenKeyClient) Create(ctx context.Context, apiKey string) (string, error) {
	body, err := c.do(ctx, http.MethodPost, apiKey, "")
	if err != nil {
		return "", err
	}
	var result listenKeyResp
	if err := json.Unmarshal(body, &result); err != nil {
		return "", err
	}
	if result.ListenKey == "" {
		return "", fmt.Errorf("binance returned empty listen key")
	}
	return result.ListenKey, nil
}

// Keepalive 延长既有 listen key 的服务端有效期
func (c *ListenKeyClient) Keepalive(ctx context.Context, apiKey, token string) error {
	_, err := c.do(ctx, http.MethodPut, apiKey, token)
	return err
}

// Close 关闭 listen key
func (c *ListenKeyClient) Close(ctx context.Context, apiKey, token string) error {
	_, err := c.do(ctx, http.MethodDelete, apiKey, token)
	return err
}

func (c *ListenKeyClient) do(ctx context.Context, method, apiKey, token string) ([]byte, error) {
	endpoint := c.baseURL + "/api/v3/userDataStream"
	if token != "" {
		endpoint += "?listenKey=" + url.QueryEscape(token)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(apiKeyHeader, apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("binance api error: %d %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// ========== Account snapshot (signed) ==========

// sign 生成 HMAC-SHA256 签名
func sign(secret, data string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

type accountResp struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

// Balances 拉取账户余额 REST 快照（签名请求）
func (c *ListenKeyClient) Balances(ctx context.Context, apiKey, apiSecret string) ([]model.BalanceUpdate, error) {
	params := url.Values{}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")

	query := params.Encode()
	endpoint := fmt.Sprintf("%s/api/v3/account?%s&signature=%s", c.baseURL, query, sign(apiSecret, query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(apiKeyHeader, apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("binance api error: %d %s", resp.StatusCode, string(body))
	}

	var result accountResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	out := make([]model.BalanceUpdate, 0, len(result.Balances))
	for _, b := range result.Balances {
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		if free == 0 && locked == 0 {
			continue
		}
		out = append(out, model.BalanceUpdate{
			Asset:      b.Asset,
			Free:       free,
			Locked:     locked,
			Total:      free + locked,
			ObservedAt: now,
		})
	}
	return out, nil
}
