package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/internal/tlsutil"
)

// HTTPConfig 远程沙箱服务配置。
type HTTPConfig struct {
	BaseURL string        `yaml:"base_url" env:"BASE_URL"`
	APIKey  string        `yaml:"api_key" env:"API_KEY"`
	CAFile  string        `yaml:"ca_file" env:"CA_FILE"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// HTTPProvider 通过 JSON HTTP API 管理远程沙箱。
//
//	POST   /sandboxes                 创建
//	GET    /sandboxes/{id}            查询
//	PUT    /sandboxes/{id}/files?path 写文件（原始字节）
//	POST   /sandboxes/{id}/commands   执行命令（background=true 时后台）
//	DELETE /sandboxes/{id}            销毁
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPProvider 创建 HTTP 沙箱供应商。
func NewHTTPProvider(cfg HTTPConfig, logger *zap.Logger) (*HTTPProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("http sandbox: base_url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	tlsCfg, err := tlsutil.ClientConfig(cfg.CAFile)
	if err != nil {
		return nil, err
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  tlsutil.SecureHTTPClient(timeout, tlsCfg),
		logger:  logger.With(zap.String("component", "sandbox_http")),
	}, nil
}

func (p *HTTPProvider) Name() string { return "http" }

type createRequest struct {
	Image          string            `json:"image"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type sandboxInfo struct {
	ID string `json:"id"`
}

type commandRequest struct {
	Cmd            string `json:"cmd"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	Background     bool   `json:"background,omitempty"`
	LogPath        string `json:"log_path,omitempty"`
}

func (p *HTTPProvider) Create(ctx context.Context, opts CreateOptions) (Handle, error) {
	var info sandboxInfo
	err := p.do(ctx, http.MethodPost, "/sandboxes", jsonBody(createRequest{
		Image:          opts.Image,
		Env:            opts.Env,
		TimeoutSeconds: int(opts.Timeout.Seconds()),
		Metadata:       opts.Metadata,
	}), "application/json", &info)
	if err != nil {
		return nil, err
	}
	if info.ID == "" {
		return nil, fmt.Errorf("http sandbox: create returned empty id")
	}
	return &httpHandle{p: p, id: info.ID}, nil
}

func (p *HTTPProvider) Connect(ctx context.Context, sandboxID string) (Handle, error) {
	var info sandboxInfo
	if err := p.do(ctx, http.MethodGet, "/sandboxes/"+url.PathEscape(sandboxID), nil, "", &info); err != nil {
		return nil, err
	}
	return &httpHandle{p: p, id: sandboxID}, nil
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("http sandbox %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("http sandbox %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type httpHandle struct {
	p  *HTTPProvider
	id string
}

func (h *httpHandle) ID() string { return h.id }

func (h *httpHandle) base() string { return "/sandboxes/" + url.PathEscape(h.id) }

func (h *httpHandle) WriteFile(ctx context.Context, path string, data []byte) error {
	return h.p.do(ctx, http.MethodPut, h.base()+"/files?path="+url.QueryEscape(path),
		bytes.NewReader(data), "application/octet-stream", nil)
}

func (h *httpHandle) RunCommand(ctx context.Context, cmd string, timeout time.Duration) (*CommandResult, error) {
	var res CommandResult
	err := h.p.do(ctx, http.MethodPost, h.base()+"/commands",
		jsonBody(commandRequest{Cmd: cmd, TimeoutSeconds: int(timeout.Seconds())}), "application/json", &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (h *httpHandle) StartDetached(ctx context.Context, cmd, logPath string) error {
	return h.p.do(ctx, http.MethodPost, h.base()+"/commands",
		jsonBody(commandRequest{Cmd: cmd, Background: true, LogPath: logPath}), "application/json", nil)
}

func (h *httpHandle) Kill(ctx context.Context) error {
	err := h.p.do(ctx, http.MethodDelete, h.base(), nil, "", nil)
	if err == ErrNotFound {
		return nil
	}
	return err
}

func jsonBody(v any) io.Reader {
	b, _ := json.Marshal(v)
	return bytes.NewReader(b)
}
