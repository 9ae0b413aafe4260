// Package api is the REST-style HTTP surface: chi routing, JWT bearer auth
// with access/refresh token rotation, and the wallet/order/trade endpoints
// bridging to the engine and ledger.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"fenex/internal/config"
	"fenex/internal/engine"
	"fenex/internal/exch"
	"fenex/internal/model"
	"fenex/internal/storage"
	"fenex/internal/ws"
)

type Server struct {
	store  *storage.Store
	engine *engine.Engine
	hub    *ws.Hub
	cfg    config.Config
}

func NewServer(store *storage.Store, eng *engine.Engine, hub *ws.Hub, cfg config.Config) *Server {
	return &Server{store: store, engine: eng, hub: hub, cfg: cfg}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json200(w, map[string]string{"status": "ok"})
	})

	r.Post("/auth/register", s.register)
	r.Post("/auth/login", s.login)
	r.Post("/auth/refresh-token", s.refreshToken)

	r.Get("/ws", s.handleWS)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/wallets/me", s.getWallet)
		r.Post("/wallets/topup", s.walletTopup)
		r.Post("/wallets/deduct", s.walletDeduct)
		r.Post("/wallets/add_btc", s.walletAddBTC)
		r.Post("/wallets/withdraw_btc", s.walletWithdrawBTC)

		r.Post("/orders", s.placeOrder)
		r.Get("/orders/me", s.listMyOrders)
		r.Get("/orders/{id}", s.getOrder)
		r.Delete("/orders/{id}", s.cancelOrder)

		r.Get("/trades/my", s.listMyTrades)

		r.Group(func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Get("/orders/all", s.listAllOrders)
			r.Get("/trades/top", s.listTopTrades)
		})
	})

	return r
}

// ── Auth ─────────────────────────────────────────────

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.Username == "" || req.Email == "" || len(req.Password) < 6 {
		jsonErr(w, 400, "username, email and password (min 6 chars) required")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		jsonErr(w, 500, "hash failed")
		return
	}

	user, err := s.store.CreateUser(r.Context(), req.Username, req.Email, string(hash), model.RoleUser)
	if err != nil {
		jsonErr(w, 409, "username or email already registered")
		return
	}
	json200(w, user)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		jsonErr(w, 400, "invalid form body")
		return
	}
	username := r.FormValue("username")
	password := r.FormValue("password")

	user, err := s.store.GetUserByUsername(r.Context(), username)
	if err != nil || user == nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}

	access, err := s.makeToken(user.ID, user.Role, "access", s.cfg.AccessTokenExpire)
	if err != nil {
		jsonErr(w, 500, "token creation failed")
		return
	}
	refresh, err := s.makeToken(user.ID, user.Role, "refresh", s.cfg.RefreshTokenExpire)
	if err != nil {
		jsonErr(w, 500, "token creation failed")
		return
	}
	json200(w, map[string]string{"access_token": access, "refresh_token": refresh, "token_type": "bearer"})
}

func (s *Server) refreshToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}

	claims, err := s.parseClaims(req.RefreshToken)
	if err != nil || claims["typ"] != "refresh" {
		jsonErr(w, 401, "invalid refresh token")
		return
	}
	userID, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)

	access, err := s.makeToken(userID, model.Role(role), "access", s.cfg.AccessTokenExpire)
	if err != nil {
		jsonErr(w, 500, "token creation failed")
		return
	}
	json200(w, map[string]string{"access_token": access, "token_type": "bearer"})
}

func (s *Server) makeToken(userID string, role model.Role, typ string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub":  userID,
		"role": string(role),
		"typ":  typ,
		"exp":  time.Now().Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.SecretKey))
}

func (s *Server) parseClaims(tokenStr string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, exch.New(exch.KindAuth, "unexpected signing method")
		}
		return []byte(s.cfg.SecretKey), nil
	})
	if err != nil || !token.Valid {
		return nil, exch.New(exch.KindAuth, "invalid or expired token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, exch.New(exch.KindAuth, "invalid claims")
	}
	return claims, nil
}

// ── Middleware ────────────────────────────────────────

type ctxKey string

const (
	ctxUserID ctxKey = "userID"
	ctxRole   ctxKey = "role"
)

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			jsonErr(w, 401, "missing token")
			return
		}
		claims, err := s.parseClaims(strings.TrimPrefix(auth, "Bearer "))
		if err != nil || claims["typ"] != "access" {
			jsonErr(w, 401, "invalid token")
			return
		}
		userID, _ := claims["sub"].(string)
		role, _ := claims["role"].(string)
		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		ctx = context.WithValue(ctx, ctxRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, _ := r.Context().Value(ctxRole).(string)
		if role != string(model.RoleAdmin) {
			jsonErr(w, 403, "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ── WebSocket ────────────────────────────────────────

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := ""
	if tok := r.URL.Query().Get("access_token"); tok != "" {
		if claims, err := s.parseClaims(tok); err == nil && claims["typ"] == "access" {
			userID, _ = claims["sub"].(string)
		}
	}
	s.hub.HandleWS(w, r, userID)
}

// ── Wallet ───────────────────────────────────────────

func (s *Server) getWallet(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	wlt, err := s.store.GetWallet(r.Context(), uid)
	if err != nil || wlt == nil {
		jsonErr(w, 404, "wallet not found")
		return
	}
	json200(w, wlt)
}

func decodeAmount(r *http.Request) (decimal.Decimal, error) {
	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return decimal.Decimal{}, err
	}
	if !req.Amount.IsPositive() {
		return decimal.Decimal{}, exch.New(exch.KindValidation, "amount must be > 0")
	}
	return req.Amount, nil
}

func (s *Server) walletTopup(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	amt, err := decodeAmount(r)
	if err != nil {
		jsonErr(w, 400, err.Error())
		return
	}
	wlt, err := s.store.AdjustBalance(r.Context(), uid, amt)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	json200(w, map[string]any{"balance": wlt.Balance, "message": "topup successful"})
}

func (s *Server) walletDeduct(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	amt, err := decodeAmount(r)
	if err != nil {
		jsonErr(w, 400, err.Error())
		return
	}
	wlt, err := s.store.AdjustBalance(r.Context(), uid, amt.Neg())
	if err != nil {
		writeErr(w, err)
		return
	}
	json200(w, map[string]any{"balance": wlt.Balance, "message": "deduct successful"})
}

func (s *Server) walletAddBTC(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	amt, err := decodeAmount(r)
	if err != nil {
		jsonErr(w, 400, err.Error())
		return
	}
	wlt, err := s.store.AdjustHoldings(r.Context(), uid, amt)
	if err != nil {
		writeErr(w, err)
		return
	}
	json200(w, map[string]any{"holdings": wlt.Holdings, "message": "credit successful"})
}

func (s *Server) walletWithdrawBTC(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	amt, err := decodeAmount(r)
	if err != nil {
		jsonErr(w, 400, err.Error())
		return
	}
	wlt, err := s.store.AdjustHoldings(r.Context(), uid, amt.Neg())
	if err != nil {
		writeErr(w, err)
		return
	}
	json200(w, map[string]any{"holdings": wlt.Holdings, "message": "withdrawal successful"})
}

// ── Orders ───────────────────────────────────────────

func (s *Server) placeOrder(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	var req model.PlaceOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	result, err := s.engine.PlaceOrder(r.Context(), uid, req)
	if err != nil {
		writeErr(w, err)
		return
	}
	json200(w, result)
}

func (s *Server) listMyOrders(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	orders, err := s.store.ListOrdersByUser(r.Context(), uid)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	json200(w, nonNil(orders))
}

func (s *Server) listAllOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.store.ListAllOrders(r.Context())
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	json200(w, nonNil(orders))
}

// getOrder is role-gated: an owner can fetch their own order, an admin can
// fetch any.
func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	role, _ := r.Context().Value(ctxRole).(string)
	id := chi.URLParam(r, "id")

	order, err := s.store.GetOrder(r.Context(), id)
	if err != nil || order == nil {
		jsonErr(w, 404, "order not found")
		return
	}
	if order.UserID != uid && role != string(model.RoleAdmin) {
		jsonErr(w, 403, "not your order")
		return
	}
	json200(w, order)
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	role, _ := r.Context().Value(ctxRole).(string)
	id := chi.URLParam(r, "id")

	if err := s.engine.CancelOrder(r.Context(), uid, id, role == string(model.RoleAdmin)); err != nil {
		writeErr(w, err)
		return
	}
	json200(w, map[string]string{"message": "order canceled"})
}

// ── Trades ───────────────────────────────────────────

func (s *Server) listMyTrades(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	limit := limitParam(r, 50, 200)
	trades, err := s.store.ListTradesByUser(r.Context(), uid, limit)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	json200(w, nonNil(trades))
}

func (s *Server) listTopTrades(w http.ResponseWriter, r *http.Request) {
	limit := limitParam(r, 50, 200)
	trades, err := s.store.ListTopTrades(r.Context(), limit)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	json200(w, nonNil(trades))
}

func limitParam(r *http.Request, def, max int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 || n > max {
		return def
	}
	return n
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// ── Helpers ──────────────────────────────────────────

func json200(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("api: encode response")
	}
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeErr maps a domain error's Kind to the HTTP status spec.md §7
// prescribes; this is the only layer in the system that knows about
// net/http.
func writeErr(w http.ResponseWriter, err error) {
	switch exch.KindOf(err) {
	case exch.KindValidation:
		jsonErr(w, 400, err.Error())
	case exch.KindAuth:
		jsonErr(w, 401, err.Error())
	case exch.KindNotFound:
		jsonErr(w, 404, err.Error())
	case exch.KindInsufficientFunds, exch.KindInsufficientAsset, exch.KindNotCancelable, exch.KindConflict:
		jsonErr(w, 409, err.Error())
	case exch.KindTransient:
		jsonErr(w, 503, err.Error())
	default:
		jsonErr(w, 500, err.Error())
	}
}
