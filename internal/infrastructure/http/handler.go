package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	appcart "github.com/jihanki-shop/jihanki/internal/application/cart"
	appconfirm "github.com/jihanki-shop/jihanki/internal/application/confirm"
	"github.com/jihanki-shop/jihanki/internal/application/purchase"
	domcart "github.com/jihanki-shop/jihanki/internal/domain/cart"
	domconfirm "github.com/jihanki-shop/jihanki/internal/domain/confirm"
	"github.com/jihanki-shop/jihanki/internal/domain/shop"
)

// checkoutEntryTTL bounds how long a checkout session's cart association is
// kept when no resolve call ever arrives for it.
const checkoutEntryTTL = appconfirm.DefaultCheckoutTimeout + 5*time.Minute

// Handler is a thin JSON front-end over the purchase core. It stands where
// the chat command/button layers would; every operation it exposes goes
// through the same cart store, confirmation workflow and purchase executor
// those layers use.
type Handler struct {
	carts    *appcart.Service
	sessions *appconfirm.Service
	items    shop.ItemRepository
	accounts shop.AccountRepository
	txLog    shop.TransactionLog
	idGen    purchase.IDGenerator

	// checkoutMu guards which sessions originated from a cart. The cart is
	// cleared only when that session's purchase succeeds; the association is
	// dropped on every terminal outcome.
	checkoutMu       sync.Mutex
	checkoutSessions map[string]string // session id -> user id
}

func NewHandler(
	carts *appcart.Service,
	sessions *appconfirm.Service,
	items shop.ItemRepository,
	accounts shop.AccountRepository,
	txLog shop.TransactionLog,
	idGen purchase.IDGenerator,
) *Handler {
	return &Handler{
		carts:            carts,
		sessions:         sessions,
		items:            items,
		accounts:         accounts,
		txLog:            txLog,
		idGen:            idGen,
		checkoutSessions: make(map[string]string),
	}
}

func (h *Handler) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/items", h.handleListItems).Methods(http.MethodGet)
	r.HandleFunc("/items", h.handleCreateItem).Methods(http.MethodPost)
	r.HandleFunc("/items/{itemID}", h.handleDeactivateItem).Methods(http.MethodDelete)
	r.HandleFunc("/items/{itemID}/price", h.handleSetPrice).Methods(http.MethodPut)
	r.HandleFunc("/items/{itemID}/stock", h.handleSetStock).Methods(http.MethodPut)
	r.HandleFunc("/accounts", h.handleCreateAccount).Methods(http.MethodPost)
	r.HandleFunc("/accounts/{externalID}", h.handleGetAccount).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{externalID}/transactions", h.handleListTransactions).Methods(http.MethodGet)

	r.HandleFunc("/cart/{userID}", h.handleGetCart).Methods(http.MethodGet)
	r.HandleFunc("/cart/{userID}", h.handleClearCart).Methods(http.MethodDelete)
	r.HandleFunc("/cart/{userID}/items", h.handleAddToCart).Methods(http.MethodPost)
	r.HandleFunc("/cart/{userID}/items/{itemID}", h.handleRemoveFromCart).Methods(http.MethodDelete)

	r.HandleFunc("/purchase/buy", h.handleBuy).Methods(http.MethodPost)
	r.HandleFunc("/purchase/checkout", h.handleCheckout).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{sessionID}/confirm", h.handleResolve(appconfirm.ActionConfirm)).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{sessionID}/cancel", h.handleResolve(appconfirm.ActionCancel)).Methods(http.MethodPost)

	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type itemView struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	Price         int64  `json:"price"`
	Stock         int    `json:"stock"`
	InfiniteStock bool   `json:"infinite_stock"`
}

func toItemView(item *shop.Item) itemView {
	return itemView{
		ID:            item.ID,
		Name:          item.Name,
		Description:   item.Description,
		Price:         item.Price,
		Stock:         item.Stock,
		InfiniteStock: item.InfiniteStock,
	}
}

func (h *Handler) handleListItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.items.ListActive(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]itemView, 0, len(items))
	for _, item := range items {
		out = append(out, toItemView(item))
	}
	writeJSON(w, http.StatusOK, out)
}

type createItemRequest struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	Price         int64  `json:"price"`
	Stock         int    `json:"stock"`
	InfiniteStock bool   `json:"infinite_stock"`
	GrantRef      string `json:"grant_ref"`
}

func (h *Handler) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var req createItemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, errors.New("id and name are required"))
		return
	}

	item, err := shop.NewItem(req.ID, req.Name, req.Price, req.Stock)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	item.Description = req.Description
	item.InfiniteStock = req.InfiniteStock
	item.GrantRef = req.GrantRef

	if err := h.items.Save(r.Context(), item); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toItemView(item))
}

func (h *Handler) handleDeactivateItem(w http.ResponseWriter, r *http.Request) {
	itemID := mux.Vars(r)["itemID"]
	item, err := h.items.Get(r.Context(), itemID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	item.IsActive = false
	if err := h.items.Save(r.Context(), item); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setPriceRequest struct {
	Price int64 `json:"price"`
}

func (h *Handler) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	itemID := mux.Vars(r)["itemID"]
	var req setPriceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Price < 0 {
		writeDomainError(w, shop.ErrInvalidPrice)
		return
	}

	item, err := h.items.Get(r.Context(), itemID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	item.Price = req.Price
	if err := h.items.Save(r.Context(), item); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemView(item))
}

type setStockRequest struct {
	Stock int `json:"stock"`
}

func (h *Handler) handleSetStock(w http.ResponseWriter, r *http.Request) {
	itemID := mux.Vars(r)["itemID"]
	var req setStockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.items.UpdateStock(r.Context(), itemID, req.Stock); err != nil {
		writeDomainError(w, err)
		return
	}
	item, err := h.items.Get(r.Context(), itemID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemView(item))
}

type createAccountRequest struct {
	ExternalID     string `json:"external_id"`
	InitialBalance int64  `json:"initial_balance"`
}

type accountView struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
	Balance    int64  `json:"balance"`
}

func (h *Handler) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ExternalID == "" {
		writeError(w, http.StatusBadRequest, errors.New("external_id is required"))
		return
	}

	account, err := shop.NewAccount(h.idGen.NewID(), req.ExternalID, req.InitialBalance)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.accounts.Create(r.Context(), account); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, accountView{
		ID:         account.ID,
		ExternalID: account.ExternalID,
		Balance:    account.Balance,
	})
}

func (h *Handler) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	externalID := mux.Vars(r)["externalID"]
	account, err := h.accounts.GetByExternalID(r.Context(), externalID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accountView{
		ID:         account.ID,
		ExternalID: account.ExternalID,
		Balance:    account.Balance,
	})
}

type transactionView struct {
	ID         string    `json:"id"`
	ItemID     string    `json:"item_id"`
	Quantity   int       `json:"quantity"`
	TotalPrice int64     `json:"total_price"`
	CreatedAt  time.Time `json:"created_at"`
}

func (h *Handler) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	externalID := mux.Vars(r)["externalID"]
	account, err := h.accounts.GetByExternalID(r.Context(), externalID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	records, err := h.txLog.ListByAccount(r.Context(), account.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]transactionView, 0, len(records))
	for _, rec := range records {
		out = append(out, transactionView{
			ID:         rec.ID,
			ItemID:     rec.ItemID,
			Quantity:   rec.Quantity,
			TotalPrice: rec.TotalPrice,
			CreatedAt:  rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type cartView struct {
	UserID string         `json:"user_id"`
	Lines  []cartLineView `json:"lines"`
	Total  int64          `json:"total"`
}

type cartLineView struct {
	ItemID    string `json:"item_id"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int    `json:"quantity"`
}

func toCartView(c *domcart.Cart) cartView {
	view := cartView{UserID: c.UserID, Lines: make([]cartLineView, 0, len(c.Lines)), Total: c.Total()}
	for _, l := range c.Lines {
		view.Lines = append(view.Lines, cartLineView{
			ItemID:    l.ItemID,
			Name:      l.Name,
			UnitPrice: l.UnitPrice,
			Quantity:  l.Quantity,
		})
	}
	return view
}

func (h *Handler) handleGetCart(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	writeJSON(w, http.StatusOK, toCartView(h.carts.Snapshot(r.Context(), userID)))
}

func (h *Handler) handleClearCart(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	h.carts.Clear(r.Context(), userID)
	w.WriteHeader(http.StatusNoContent)
}

type addToCartRequest struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

func (h *Handler) handleAddToCart(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	var req addToCartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	// Advisory check only: the item must exist and be for sale right now.
	// Stock and balance are validated authoritatively at commit time.
	item, err := h.items.Get(r.Context(), req.ItemID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !item.IsActive {
		writeDomainError(w, shop.ErrItemInactive)
		return
	}

	updated, err := h.carts.Add(r.Context(), userID, item, req.Quantity)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCartView(updated))
}

func (h *Handler) handleRemoveFromCart(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID, itemID := vars["userID"], vars["itemID"]

	quantity := 1
	if q := r.URL.Query().Get("quantity"); q != "" {
		parsed, err := strconv.Atoi(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("quantity must be an integer"))
			return
		}
		quantity = parsed
	}

	updated, err := h.carts.Remove(r.Context(), userID, itemID, quantity)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCartView(updated))
}

type buyRequest struct {
	UserID   string `json:"user_id"`
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

type sessionCreatedResponse struct {
	SessionID string    `json:"session_id"`
	Deadline  time.Time `json:"deadline"`
}

func (h *Handler) handleBuy(w http.ResponseWriter, r *http.Request) {
	var req buyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Quantity <= 0 {
		req.Quantity = 1
	}

	// Display-time check; the executor re-validates at commit.
	item, err := h.items.Get(r.Context(), req.ItemID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !item.IsActive {
		writeDomainError(w, shop.ErrItemInactive)
		return
	}
	if !item.HasStock(req.Quantity) {
		writeDomainError(w, &shop.InsufficientStockError{
			ItemID: item.ID, Requested: req.Quantity, Available: item.Stock,
		})
		return
	}

	lines := []shop.PurchaseLine{{ItemID: req.ItemID, Quantity: req.Quantity}}
	sessionID, err := h.sessions.Create(r.Context(), req.UserID, lines, appconfirm.DefaultBuyTimeout)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.writeSessionCreated(w, sessionID)
}

type checkoutRequest struct {
	UserID string `json:"user_id"`
}

func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	lines := h.carts.Lines(r.Context(), req.UserID)
	if len(lines) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("cart is empty"))
		return
	}

	sessionID, err := h.sessions.Create(r.Context(), req.UserID, lines, appconfirm.DefaultCheckoutTimeout)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	h.checkoutMu.Lock()
	h.checkoutSessions[sessionID] = req.UserID
	h.checkoutMu.Unlock()

	// Backstop for sessions that expire without any resolve call ever
	// arriving; covers the deadline plus the workflow's tombstone window.
	time.AfterFunc(checkoutEntryTTL, func() { h.forgetCheckout(sessionID) })

	h.writeSessionCreated(w, sessionID)
}

func (h *Handler) writeSessionCreated(w http.ResponseWriter, sessionID string) {
	session, err := h.sessions.Get(sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionCreatedResponse{
		SessionID: sessionID,
		Deadline:  session.Deadline,
	})
}

type resolveRequest struct {
	UserID string `json:"user_id"`
}

type resolveResponse struct {
	State      domconfirm.State `json:"state"`
	NewBalance *int64           `json:"new_balance,omitempty"`
	Total      *int64           `json:"total,omitempty"`
	Warnings   []string         `json:"warnings,omitempty"`
}

func (h *Handler) handleResolve(action appconfirm.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := mux.Vars(r)["sessionID"]
		var req resolveRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		outcome, err := h.sessions.Resolve(r.Context(), sessionID, req.UserID, action)
		if err != nil {
			// A session that was already consumed or never existed has no
			// cart association left to honor.
			if errors.Is(err, domconfirm.ErrSessionNotFound) ||
				errors.Is(err, domconfirm.ErrSessionAlreadyResolved) ||
				errors.Is(err, domconfirm.ErrSessionExpired) {
				h.forgetCheckout(sessionID)
			}
			writeDomainError(w, err)
			return
		}
		if outcome.Err != nil {
			// The session is consumed but the purchase did not commit; the
			// cart stays so the user can retry.
			h.forgetCheckout(sessionID)
			writeDomainError(w, outcome.Err)
			return
		}

		resp := resolveResponse{State: outcome.State}
		if outcome.Result != nil {
			resp.NewBalance = &outcome.Result.NewBalance
			resp.Total = &outcome.Result.Total
			for _, warn := range outcome.Result.Warnings {
				resp.Warnings = append(resp.Warnings, warn.Reason)
			}
			h.afterPurchase(sessionID)
		} else {
			h.forgetCheckout(sessionID)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// forgetCheckout drops a session's cart association without touching the cart.
func (h *Handler) forgetCheckout(sessionID string) (string, bool) {
	h.checkoutMu.Lock()
	defer h.checkoutMu.Unlock()
	userID, ok := h.checkoutSessions[sessionID]
	if ok {
		delete(h.checkoutSessions, sessionID)
	}
	return userID, ok
}

// afterPurchase clears the originating cart when a checkout session commits.
func (h *Handler) afterPurchase(sessionID string) {
	if userID, ok := h.forgetCheckout(sessionID); ok {
		h.carts.Clear(context.Background(), userID)
	}
}

func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeDomainError(w http.ResponseWriter, err error) {
	var stockErr *shop.InsufficientStockError
	var balanceErr *shop.InsufficientBalanceError
	switch {
	case errors.Is(err, shop.ErrItemNotFound),
		errors.Is(err, shop.ErrAccountNotFound),
		errors.Is(err, domconfirm.ErrSessionNotFound),
		errors.Is(err, domcart.ErrLineNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, domconfirm.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, domconfirm.ErrSessionAlreadyResolved),
		errors.Is(err, domconfirm.ErrSessionExpired):
		writeError(w, http.StatusConflict, err)
	case errors.As(err, &stockErr),
		errors.As(err, &balanceErr),
		errors.Is(err, shop.ErrItemInactive),
		errors.Is(err, shop.ErrInvalidPrice),
		errors.Is(err, shop.ErrInvalidQuantity),
		errors.Is(err, domcart.ErrInvalidQuantity),
		errors.Is(err, domconfirm.ErrNoLines),
		errors.Is(err, purchase.ErrNoLines):
		writeError(w, http.StatusUnprocessableEntity, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
