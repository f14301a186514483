// Package gateway реализует клиент шлюза доступа (wg-easy).
//
// Клиент держит одну сессию на процесс. Сессия берется лениво при первом
// вызове, при ответе 401 или 403 сбрасывается, и вызов повторяется ровно
// один раз с новой сессией.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/magabrotheeeer/subscription-lifecycle/internal/config"
)

const sessionCookieName = "connect.sid"

var (
	// ErrGateway вызов шлюза не удался, в том числе после повторной авторизации.
	ErrGateway = errors.New("gateway call failed")
	// ErrProvision не удалось выпустить доступ.
	ErrProvision = errors.New("gateway provision failed")
	// ErrNotFound клиент в шлюзе не найден.
	ErrNotFound = errors.New("gateway client not found")
	// ErrRasterize не удалось преобразовать QR-код в PNG.
	ErrRasterize = errors.New("qr rasterize failed")
)

// Credential выпущенный доступ.
type Credential struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Address    string `json:"address"`
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey,omitempty"`
}

// ClientInfo клиент шлюза из списка.
type ClientInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Enabled   bool      `json:"enabled"`
	Address   string    `json:"address"`
	PublicKey string    `json:"publicKey"`
	CreatedAt time.Time `json:"createdAt"`
}

// StatusError ответ шлюза с неуспешным статусом.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

func isAuthStatus(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// Client клиент шлюза доступа.
type Client struct {
	baseURL    string
	password   string
	qrSize     int
	httpClient *http.Client
	log        *slog.Logger

	mu      sync.Mutex
	session string
}

// New создает клиент. Таймаут из конфига ограничивает каждый HTTP-запрос.
func New(cfg config.Gateway, log *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	size := cfg.QRSize
	if size <= 0 {
		size = 512
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		password:   cfg.Password,
		qrSize:     size,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// Issue создает клиента с именем name и возвращает выданный доступ.
func (c *Client) Issue(ctx context.Context, name string) (*Credential, error) {
	const op = "gateway.Issue"
	body, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrProvision, err)
	}
	raw, err := c.call(ctx, http.MethodPost, "/wireguard/client", body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrProvision, err)
	}

	var cred Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrProvision, err)
	}
	if cred.ID == "" {
		if cred.PublicKey == "" {
			return nil, fmt.Errorf("%s: %w: no public key in response", op, ErrProvision)
		}
		id, err := c.FindClientIDByPublicKey(ctx, cred.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("%s: %w: %w", op, ErrProvision, err)
		}
		cred.ID = id
	}
	if cred.Name == "" {
		cred.Name = name
	}
	return &cred, nil
}

// Enable включает клиента. Повторное включение безопасно.
func (c *Client) Enable(ctx context.Context, gateID string) (bool, error) {
	const op = "gateway.Enable"
	if _, err := c.call(ctx, http.MethodPost, clientPath(gateID, "enable"), nil); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return true, nil
}

// Disable отключает клиента.
func (c *Client) Disable(ctx context.Context, gateID string) (bool, error) {
	const op = "gateway.Disable"
	if _, err := c.call(ctx, http.MethodPost, clientPath(gateID, "disable"), nil); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return true, nil
}

// FetchConfig возвращает текст конфигурации клиента.
func (c *Client) FetchConfig(ctx context.Context, gateID string) (string, error) {
	const op = "gateway.FetchConfig"
	raw, err := c.call(ctx, http.MethodGet, clientPath(gateID, "configuration"), nil)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return string(raw), nil
}

// FetchQRImage возвращает QR-код конфигурации в PNG.
func (c *Client) FetchQRImage(ctx context.Context, gateID string) ([]byte, error) {
	const op = "gateway.FetchQRImage"
	raw, err := c.call(ctx, http.MethodGet, clientPath(gateID, "qrcode.svg"), nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	img, err := RasterizeSVG(raw, c.qrSize)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return img, nil
}

// ListClients возвращает всех клиентов шлюза.
func (c *Client) ListClients(ctx context.Context) ([]ClientInfo, error) {
	const op = "gateway.ListClients"
	raw, err := c.call(ctx, http.MethodGet, "/wireguard/client", nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var list []ClientInfo
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrGateway, err)
	}
	return list, nil
}

// FindClientIDByPublicKey ищет клиента по публичному ключу.
func (c *Client) FindClientIDByPublicKey(ctx context.Context, publicKey string) (string, error) {
	const op = "gateway.FindClientIDByPublicKey"
	list, err := c.ListClients(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	for _, cl := range list {
		if cl.PublicKey == publicKey {
			return cl.ID, nil
		}
	}
	return "", fmt.Errorf("%s: %w", op, ErrNotFound)
}

func clientPath(gateID, action string) string {
	return "/wireguard/client/" + url.PathEscape(gateID) + "/" + action
}

// call выполняет запрос с сессией и один повтор после повторной авторизации.
func (c *Client) call(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	token, err := c.ensureSession(ctx)
	if err != nil {
		return nil, err
	}

	status, raw, err := c.send(ctx, method, path, body, token)
	if err != nil {
		return nil, err
	}
	if isAuthStatus(status) {
		c.log.Warn("gateway session expired, re-authenticating", slog.Int("status", status))
		c.clearSession(token)

		token, err = c.ensureSession(ctx)
		if err != nil {
			return nil, err
		}
		status, raw, err = c.send(ctx, method, path, body, token)
		if err != nil {
			return nil, err
		}
	}

	switch {
	case status >= 200 && status < 300:
		return raw, nil
	case status == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %w", ErrNotFound, &StatusError{Status: status, Body: string(raw)})
	default:
		return nil, fmt.Errorf("%w: %w", ErrGateway, &StatusError{Status: status, Body: string(raw)})
	}
}

func (c *Client) send(ctx context.Context, method, path string, body []byte, token string) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %w", ErrGateway, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cookie", token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %w", ErrGateway, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %w", ErrGateway, err)
	}
	return resp.StatusCode, raw, nil
}

// ensureSession возвращает текущую сессию или получает новую.
// Параллельные авторизации допустимы, остается сессия последней.
func (c *Client) ensureSession(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.session
	c.mu.Unlock()
	if token != "" {
		return token, nil
	}

	token, err := c.authenticate(ctx)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.session = token
	c.mu.Unlock()
	c.log.Info("gateway session acquired")
	return token, nil
}

// clearSession сбрасывает сессию, только если она не сменилась с момента запроса.
func (c *Client) clearSession(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == token {
		c.session = ""
	}
}

func (c *Client) authenticate(ctx context.Context) (string, error) {
	const op = "gateway.authenticate"
	body, err := json.Marshal(map[string]string{"password": c.password})
	if err != nil {
		return "", fmt.Errorf("%s: %w: %w", op, ErrGateway, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/session", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%s: %w: %w", op, ErrGateway, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: %w: %w", op, ErrGateway, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("%s: %w: %w", op, ErrGateway, &StatusError{Status: resp.StatusCode, Body: string(raw)})
	}
	for _, ck := range resp.Cookies() {
		if ck.Name == sessionCookieName && ck.Value != "" {
			return sessionCookieName + "=" + ck.Value, nil
		}
	}
	return "", fmt.Errorf("%s: %w: no %s cookie in response", op, ErrGateway, sessionCookieName)
}
