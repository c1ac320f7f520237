package httpx

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/oakline/storefront/internal/catalog"
	"github.com/oakline/storefront/internal/orders"
)

type CatalogHandler struct {
	Repo     *catalog.Repo
	Checkout *orders.Service
	Log      *zap.Logger
}

func (h *CatalogHandler) Register(r *chi.Mux) {
	r.Get("/products", h.listProducts)
	r.Get("/products/{id}/availability", h.availability)
}

func (h *CatalogHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ps, err := h.Repo.ListActive(r.Context())
	if err != nil {
		h.Log.Error("list products failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

// availability is a stock-sensitive entry point, so it runs the expiry
// sweep first; otherwise a burst of abandoned reservations would make
// stock look lower than it really is.
func (h *CatalogHandler) availability(w http.ResponseWriter, r *http.Request) {
	h.Checkout.SweepExpired(r.Context())

	a, err := h.Repo.GetAvailability(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "product not found"})
			return
		}
		h.Log.Error("availability lookup failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, a)
}
