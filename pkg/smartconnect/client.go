// Package smartconnect is a minimal Angel One SmartAPI client: password+TOTP
// login and daily historical candles.
//
// Usage example:
//
//	sc := smartconnect.New(smartconnect.Config{APIKey: "your_api_key"})
//	if err := sc.Login(ctx, "CLIENTID", "PIN", "TOTPSECRET"); err != nil { log.Fatal(err) }
//	candles, err := sc.DailyCandles(ctx, "NSE", "1594", from, to)
package smartconnect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
)

// ---- Config & client ----

type Config struct {
	APIKey string

	RootURL        string        // default: https://apiconnect.angelone.in
	Timeout        time.Duration // default: 7s
	Debug          bool
	UserType       string // default: USER
	SourceID       string // default: WEB
	ClientPublicIP string // default: 106.193.147.98
	ClientLocalIP  string // default resolved, else 127.0.0.1
	ClientMAC      string // default from interface MAC

	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

type SmartConnect struct {
	apiKey  string
	rootURL string
	debug   bool

	httpClient *http.Client

	userType       string
	sourceID       string
	clientPublicIP string
	clientLocalIP  string
	clientMAC      string

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
}

const defaultRoot = "https://apiconnect.angelone.in"

var routes = map[string]string{
	"api.login":       "/rest/auth/angelbroking/user/v1/loginByPassword",
	"api.token":       "/rest/auth/angelbroking/jwt/v1/generateTokens",
	"api.candle.data": "/rest/secure/angelbroking/historical/v1/getCandleData",
}

// ErrNotLoggedIn is returned by data calls made before a successful Login.
var ErrNotLoggedIn = errors.New("smartconnect: not logged in")

// APIError is a SmartAPI error envelope ({"status": false, ...} or error_type).
type APIError struct {
	Status    int
	ErrorCode string
	Message   string
}

func (e *APIError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("smartapi %d %s: %s", e.Status, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("smartapi %d: %s", e.Status, e.Message)
}

// New initializes the client. It does no network I/O.
func New(cfg Config) *SmartConnect {
	if cfg.RootURL == "" {
		cfg.RootURL = defaultRoot
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 7 * time.Second
	}
	if cfg.UserType == "" {
		cfg.UserType = "USER"
	}
	if cfg.SourceID == "" {
		cfg.SourceID = "WEB"
	}
	if cfg.ClientLocalIP == "" {
		ip, err := localIP()
		if err != nil {
			log.Printf("[smartconnect] local IP: %v", err)
		}
		cfg.ClientLocalIP = firstNonEmpty(ip, "127.0.0.1")
	}
	cfg.ClientPublicIP = firstNonEmpty(cfg.ClientPublicIP, "106.193.147.98")
	if cfg.ClientMAC == "" {
		cfg.ClientMAC = macFallback()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &SmartConnect{
		apiKey:         cfg.APIKey,
		rootURL:        strings.TrimRight(cfg.RootURL, "/"),
		debug:          cfg.Debug,
		httpClient:     client,
		userType:       cfg.UserType,
		sourceID:       cfg.SourceID,
		clientPublicIP: cfg.ClientPublicIP,
		clientLocalIP:  cfg.ClientLocalIP,
		clientMAC:      cfg.ClientMAC,
	}
}

func localIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, address := range addrs {
		if ipNet, ok := address.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
			return ipNet.IP.String(), nil
		}
	}
	return "", fmt.Errorf("no local IP found")
}

func macFallback() string {
	ifs, _ := net.Interfaces()
	for _, ifc := range ifs {
		if len(ifc.HardwareAddr) > 0 {
			return ifc.HardwareAddr.String()
		}
	}
	return "00:11:22:33:44:55"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// ---- Helpers ----

func (sc *SmartConnect) requestHeaders() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("X-ClientLocalIP", sc.clientLocalIP)
	h.Set("X-ClientPublicIP", sc.clientPublicIP)
	h.Set("X-MACAddress", sc.clientMAC)
	h.Set("X-PrivateKey", sc.apiKey)
	h.Set("X-UserType", sc.userType)
	h.Set("X-SourceID", sc.sourceID)
	if tok := sc.AccessToken(); tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}
	return h
}

// envelope is the common SmartAPI response shape.
type envelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	ErrorType string          `json:"error_type"`
	Data      json.RawMessage `json:"data"`
}

func (sc *SmartConnect) post(ctx context.Context, route string, params map[string]any) (json.RawMessage, error) {
	uri, ok := routes[route]
	if !ok {
		return nil, fmt.Errorf("unknown route: %s", route)
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sc.rootURL+uri, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = sc.requestHeaders()

	if sc.debug {
		log.Printf("[smartconnect] request: POST %s", uri)
	}

	resp, err := sc.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("smartapi %s: %w", route, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("smartapi %s: read body: %w", route, err)
	}
	if sc.debug {
		log.Printf("[smartconnect] response: code=%d body=%s", resp.StatusCode, raw)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &APIError{Status: resp.StatusCode, Message: fmt.Sprintf("couldn't parse JSON response: %v", err)}
	}
	if env.ErrorType != "" {
		return nil, &APIError{Status: resp.StatusCode, ErrorCode: env.ErrorType, Message: env.Message}
	}
	if !env.Status || resp.StatusCode >= 400 {
		return nil, &APIError{Status: resp.StatusCode, ErrorCode: env.ErrorCode, Message: env.Message}
	}
	return env.Data, nil
}

// ---- Session ----

// AccessToken returns the current JWT, or "" before Login.
func (sc *SmartConnect) AccessToken() string {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.accessToken
}

// Login generates the current TOTP from totpSecret and opens a session.
func (sc *SmartConnect) Login(ctx context.Context, clientCode, password, totpSecret string) error {
	code, err := totp.GenerateCode(totpSecret, time.Now())
	if err != nil {
		return fmt.Errorf("generate TOTP: %w", err)
	}
	return sc.LoginWithCode(ctx, clientCode, password, code)
}

// LoginWithCode opens a session with an already generated TOTP code.
func (sc *SmartConnect) LoginWithCode(ctx context.Context, clientCode, password, code string) error {
	data, err := sc.post(ctx, "api.login", map[string]any{
		"clientcode": clientCode,
		"password":   password,
		"totp":       code,
	})
	if err != nil {
		return err
	}
	var tokens struct {
		JWTToken     string `json:"jwtToken"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.Unmarshal(data, &tokens); err != nil || tokens.JWTToken == "" {
		return errors.New("unexpected login response format")
	}

	sc.mu.Lock()
	sc.accessToken = tokens.JWTToken
	sc.refreshToken = tokens.RefreshToken
	sc.mu.Unlock()

	log.Printf("[smartconnect] session opened for %s", clientCode)
	return nil
}

// RenewAccessToken exchanges the refresh token issued at login for a fresh
// JWT. It fails with ErrNotLoggedIn when there is no session.
func (sc *SmartConnect) RenewAccessToken(ctx context.Context) error {
	sc.mu.RLock()
	refresh := sc.refreshToken
	sc.mu.RUnlock()
	if refresh == "" {
		return ErrNotLoggedIn
	}

	data, err := sc.post(ctx, "api.token", map[string]any{"refreshToken": refresh})
	if err != nil {
		return err
	}
	var tokens struct {
		JWTToken     string `json:"jwtToken"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.Unmarshal(data, &tokens); err != nil || tokens.JWTToken == "" {
		return errors.New("unexpected token response format")
	}

	sc.mu.Lock()
	sc.accessToken = tokens.JWTToken
	if tokens.RefreshToken != "" {
		sc.refreshToken = tokens.RefreshToken
	}
	sc.mu.Unlock()

	log.Printf("[smartconnect] access token renewed")
	return nil
}

// Expired reports whether err is SmartAPI rejecting the session token, so
// the caller should renew or log in again.
func Expired(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch {
	case apiErr.Status == http.StatusUnauthorized, apiErr.Status == http.StatusForbidden:
		return true
	case apiErr.ErrorCode == "TokenException", strings.HasPrefix(apiErr.ErrorCode, "AG80"):
		return true
	}
	return false
}
