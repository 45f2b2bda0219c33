// Package remote 平台外呼客户端公共设施
//
// CMDB、作业平台、GSE 的 OpenAPI 均遵循统一响应信封
// {result, code, message, data}，本包提供信封解析与带认证的
// resty 客户端构造。
package remote

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Config 外呼客户端配置
type Config struct {
	BaseURL   string
	AppCode   string
	AppSecret string
	Username  string
	Timeout   time.Duration
}

// Response 平台统一响应信封
type Response struct {
	Result  bool            `json:"result"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// NewClient 创建带认证头的 resty 客户端
//
// 认证信息通过 X-Bkapi-Authorization 头传递，重试只针对网络层错误，
// 业务层失败（result=false）不重试。
func NewClient(cfg Config) *resty.Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	auth, _ := json.Marshal(map[string]string{
		"bk_app_code":   cfg.AppCode,
		"bk_app_secret": cfg.AppSecret,
		"bk_username":   cfg.Username,
	})

	client := resty.New()
	client.SetBaseURL(cfg.BaseURL)
	client.SetTimeout(cfg.Timeout)
	client.SetRetryCount(3)
	client.SetRetryWaitTime(1 * time.Second)
	client.SetRetryMaxWaitTime(5 * time.Second)
	client.SetHeader("Content-Type", "application/json")
	client.SetHeader("X-Bkapi-Authorization", string(auth))
	return client
}

// Call 发起 POST 调用并解包响应信封
func Call(client *resty.Client, path string, body interface{}, out interface{}) error {
	resp, err := client.R().
		SetBody(body).
		Post(path)
	if err != nil {
		return fmt.Errorf("request %s failed: %w", path, err)
	}

	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("request %s returned HTTP %d: %s", path, resp.StatusCode(), resp.String())
	}

	var envelope Response
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		return fmt.Errorf("failed to decode response of %s: %w", path, err)
	}
	if !envelope.Result {
		return fmt.Errorf("api %s failed: code=%d message=%s", path, envelope.Code, envelope.Message)
	}

	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("failed to decode data of %s: %w", path, err)
		}
	}
	return nil
}
